package stages

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

func demuxBatch(t *testing.T, layer string) []*pipeline.Frame {
	t.Helper()
	dir := t.TempDir()
	names := []string{"c.jpg", "a.jpg", "b.jpg"}
	frames := make([]*pipeline.Frame, len(names))
	for i, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("frame "+name), 0o644))
		frames[i] = &pipeline.Frame{
			SourcePath: path,
			Layers: map[string]string{
				pipeline.LayerOriginal: path,
				layer:                  path,
			},
		}
	}
	return frames
}

func TestDemuxStageMissingExecutableIsUserError(t *testing.T) {
	s := NewDemuxStage(nil, DemuxConfig{
		ExePath:   "definitely-not-ffmpeg-xyz",
		FramesDir: t.TempDir(),
	})
	err := s.Postprocess(context.Background(), demuxBatch(t, LayerNormalized), LayerNormalized)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Contains(t, err.Error(), "definitely-not-ffmpeg-xyz")
}

func TestDemuxStageStagesFramesDensely(t *testing.T) {
	framesDir := filepath.Join(t.TempDir(), "frames")
	var gotArgs []string
	s := NewDemuxStage(nil, DemuxConfig{
		ExePath:    "sh", // resolvable through PATH; never actually run
		FramesDir:  framesDir,
		OutputPath: "/out/timelapse.mp4",
		FPS:        48,
		Codec:      "libx264",
		CRF:        23,
		Runner: func(_ context.Context, _ string, args ...string) ([]byte, error) {
			gotArgs = args
			return nil, nil
		},
	})

	frames := demuxBatch(t, LayerNormalized)
	require.NoError(t, s.Postprocess(context.Background(), frames, LayerNormalized))

	// Frames are numbered by pipeline order, not by name.
	for i, f := range frames {
		staged := filepath.Join(framesDir, strconv.Itoa(i)+".jpg")
		data, err := os.ReadFile(staged)
		require.NoError(t, err, "missing staged frame %d", i)
		want, err := os.ReadFile(f.Layers[LayerNormalized])
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}
	require.NotEmpty(t, gotArgs)
	assert.Equal(t, "/out/timelapse.mp4", gotArgs[len(gotArgs)-1])
}

func TestDemuxStageClearsStaleFrames(t *testing.T) {
	framesDir := filepath.Join(t.TempDir(), "frames")
	require.NoError(t, os.MkdirAll(framesDir, 0o755))
	stale := filepath.Join(framesDir, "99.jpg")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	s := NewDemuxStage(nil, DemuxConfig{
		ExePath:   "sh",
		FramesDir: framesDir,
		Runner: func(context.Context, string, ...string) ([]byte, error) {
			return nil, nil
		},
	})
	require.NoError(t, s.Postprocess(context.Background(), demuxBatch(t, LayerNormalized), LayerNormalized))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale frames must be cleared before staging")
}

func TestDemuxStageFfmpegFailureAttachesOutput(t *testing.T) {
	s := NewDemuxStage(nil, DemuxConfig{
		ExePath:   "sh",
		FramesDir: filepath.Join(t.TempDir(), "frames"),
		Runner: func(context.Context, string, ...string) ([]byte, error) {
			return []byte("Unknown encoder 'libx265'\n"), assert.AnError
		},
	})
	err := s.Postprocess(context.Background(), demuxBatch(t, LayerNormalized), LayerNormalized)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Contains(t, err.Error(), "Unknown encoder")
}

func TestDemuxArgs(t *testing.T) {
	s := NewDemuxStage(nil, DemuxConfig{
		FramesDir:    "/work/frames",
		OutputPath:   "/out/timelapse.mp4",
		FPS:          48,
		Codec:        "libx264",
		CRF:          23,
		VideoFilters: []string{"tpad=stop_mode=clone:stop_duration=3", "minterpolate=fps=60"},
	})

	assert.Equal(t, []string{
		"-hide_banner",
		"-loglevel", "error",
		"-stats",
		"-y",
		"-f", "image2",
		"-r", "48",
		"-i", "/work/frames/%d.jpg",
		"-vcodec", "libx264",
		"-crf", "23",
		"-vf", "tpad=stop_mode=clone:stop_duration=3,minterpolate=fps=60",
		"/out/timelapse.mp4",
	}, s.Args(".jpg"))
}

func TestDemuxArgsWithoutFilters(t *testing.T) {
	s := NewDemuxStage(nil, DemuxConfig{
		FramesDir:  "/work/frames",
		OutputPath: "/out/timelapse.mp4",
		FPS:        24,
		Codec:      "libx264",
		CRF:        18,
	})
	args := s.Args(".png")
	assert.NotContains(t, args, "-vf")
	assert.Contains(t, args, "/work/frames/%d.png")
}
