package stages

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"

	"facelapse/internal/fsutil"
	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DemuxConfig configures video assembly.
type DemuxConfig struct {
	// ExePath is the ffmpeg executable, resolved through PATH.
	ExePath string
	// FramesDir is staging space for the densely numbered frame sequence.
	// It is cleared on every run.
	FramesDir string
	// OutputPath is the video file to write.
	OutputPath string
	FPS        int
	Codec      string
	CRF        int
	// VideoFilters are passed to ffmpeg's -vf, joined with commas.
	VideoFilters []string
	// Runner overrides command execution; nil means run ffmpeg for real.
	Runner   CommandRunner
	Reporter pipeline.Reporter
}

// DemuxStage assembles the final layer's frames into a video with ffmpeg.
// Frames are staged as a densely numbered hard-linked sequence so ffmpeg's
// image2 demuxer consumes them in pipeline order.
type DemuxStage struct {
	log *slog.Logger
	cfg DemuxConfig
}

func NewDemuxStage(log *slog.Logger, cfg DemuxConfig) *DemuxStage {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ExePath == "" {
		cfg.ExePath = "ffmpeg"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner
	}
	return &DemuxStage{log: log, cfg: cfg}
}

func (s *DemuxStage) Name() string { return "demux" }

func (s *DemuxStage) Postprocess(ctx context.Context, frames []*pipeline.Frame, layer string) error {
	exe, err := exec.LookPath(s.cfg.ExePath)
	if err != nil {
		return usererr.Wrap(err,
			"could not find %q; install ffmpeg or point the demux executable setting at it", s.cfg.ExePath)
	}

	if err := fsutil.ClearDir(s.cfg.FramesDir); err != nil {
		return err
	}

	ext := ""
	for i, f := range frames {
		src, ok := f.Layers[layer]
		if !ok {
			return fmt.Errorf("frame %q has no %q layer to demux", f.SourcePath, layer)
		}
		if ext == "" {
			ext = filepath.Ext(src)
		}
		dst := filepath.Join(s.cfg.FramesDir, strconv.Itoa(i)+ext)
		if err := fsutil.LinkOrCopy(src, dst); err != nil {
			return err
		}
		report(s.cfg.Reporter, s.Name(), f.SourcePath, i+1, len(frames))
	}

	args := s.Args(ext)
	s.log.Info("running ffmpeg", "exe", exe, "args", strings.Join(args, " "))

	out, err := s.cfg.Runner(ctx, exe, args...)
	if err != nil {
		return usererr.Wrap(err, "ffmpeg failed; its output was:\n%s", strings.TrimSpace(string(out)))
	}
	s.log.Info("video written", "path", s.cfg.OutputPath, "frames", len(frames))
	return nil
}

// Args returns the ffmpeg invocation for a staged frame sequence with the
// given file extension.
func (s *DemuxStage) Args(ext string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-stats",
		"-y",
		"-f", "image2",
		"-r", strconv.Itoa(s.cfg.FPS),
		"-i", filepath.Join(s.cfg.FramesDir, "%d"+ext),
		"-vcodec", s.cfg.Codec,
		"-crf", strconv.Itoa(s.cfg.CRF),
	}
	if len(s.cfg.VideoFilters) > 0 {
		args = append(args, "-vf", strings.Join(s.cfg.VideoFilters, ","))
	}
	return append(args, s.cfg.OutputPath)
}
