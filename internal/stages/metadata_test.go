package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/hashing"
	"facelapse/internal/pipeline"
)

func writeFrame(t *testing.T, dir, name, content string) *pipeline.Frame {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return &pipeline.Frame{
		SourcePath: path,
		Layers:     map[string]string{pipeline.LayerOriginal: path},
	}
}

type recordingReporter struct {
	mu    sync.Mutex
	steps []string
}

func (r *recordingReporter) Step(stage, item string, index, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, stage+":"+filepath.Base(item))
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

func TestMetadataStageFillsHashAndDims(t *testing.T) {
	dir := t.TempDir()
	frames := []*pipeline.Frame{
		writeFrame(t, dir, "a.jpg", "alpha"),
		writeFrame(t, dir, "b.jpg", "beta"),
	}

	dims := func(path string) (int, int, error) {
		if filepath.Base(path) == "a.jpg" {
			return 640, 480, nil
		}
		return 800, 600, nil
	}
	rep := &recordingReporter{}
	s := NewMetadataStage(nil, dims, 2, rep)

	out, err := s.Preprocess(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, out, 2)

	wantHash, err := hashing.File(frames[0].SourcePath)
	require.NoError(t, err)
	assert.Equal(t, wantHash, out[0].Hash)
	assert.Equal(t, r2.Vec{X: 640, Y: 480}, out[0].Dims)
	assert.Equal(t, r2.Vec{X: 800, Y: 600}, out[1].Dims)
	assert.NotEqual(t, out[0].Hash, out[1].Hash)
	assert.Equal(t, 2, rep.count())
}

func TestMetadataStageSameContentSameHash(t *testing.T) {
	dir := t.TempDir()
	frames := []*pipeline.Frame{
		writeFrame(t, dir, "a.jpg", "same bytes"),
		writeFrame(t, dir, "b.jpg", "same bytes"),
	}

	s := NewMetadataStage(nil, func(string) (int, int, error) { return 1, 1, nil }, 1, nil)
	out, err := s.Preprocess(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, out[0].Hash, out[1].Hash)
}

func TestMetadataStagePropagatesDimensionErrors(t *testing.T) {
	dir := t.TempDir()
	frames := []*pipeline.Frame{writeFrame(t, dir, "a.jpg", "alpha")}

	boom := errors.New("not an image")
	s := NewMetadataStage(nil, func(string) (int, int, error) { return 0, 0, boom }, 1, nil)

	_, err := s.Preprocess(context.Background(), frames)
	assert.ErrorIs(t, err, boom)
}
