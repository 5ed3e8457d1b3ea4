package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/usererr"
)

func writeInputs(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return dir
}

type stubPre struct {
	name string
	fn   func(frames []*Frame) ([]*Frame, error)
}

func (s *stubPre) Name() string { return s.name }
func (s *stubPre) Preprocess(_ context.Context, frames []*Frame) ([]*Frame, error) {
	return s.fn(frames)
}

type stubProc struct {
	name  string
	layer string
	fn    func(frames []*Frame) ([]*Frame, error)
}

func (s *stubProc) Name() string  { return s.name }
func (s *stubProc) Layer() string { return s.layer }
func (s *stubProc) Process(_ context.Context, frames []*Frame) ([]*Frame, error) {
	return s.fn(frames)
}

type stubPost struct {
	name string
	fn   func(frames []*Frame, layer string) error
}

func (s *stubPost) Name() string { return s.name }
func (s *stubPost) Postprocess(_ context.Context, frames []*Frame, layer string) error {
	return s.fn(frames, layer)
}

type bareStage struct{}

func (bareStage) Name() string { return "bare" }

func TestRegisterRejectsUnknownStageKind(t *testing.T) {
	p := New(nil, nil, nil)
	assert.Error(t, p.Register(bareStage{}))
	assert.NoError(t, p.Register(&stubPre{name: "pre", fn: func(f []*Frame) ([]*Frame, error) { return f, nil }}))
}

func TestRunEmptyInputDirIsUserError(t *testing.T) {
	p := New(nil, nil, nil)
	err := p.Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Equal(t, StateFailed, p.State())
}

func TestRunProbeFailureIsUserError(t *testing.T) {
	dir := writeInputs(t, "a.jpg")
	p := New(nil, func(path string) error { return errors.New("not an image") }, nil)
	err := p.Run(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Contains(t, err.Error(), "a.jpg")
}

func TestRunIsOneShot(t *testing.T) {
	dir := writeInputs(t, "a.jpg")
	p := New(nil, nil, nil)
	require.NoError(t, p.Run(context.Background(), dir))
	assert.Equal(t, StateCompleted, p.State())

	err := p.Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ran")
}

func TestRunScansInNaturalOrder(t *testing.T) {
	dir := writeInputs(t, "img10.jpg", "img2.jpg", "img1.jpg")

	var seen []string
	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPre{name: "record", fn: func(frames []*Frame) ([]*Frame, error) {
		for _, f := range frames {
			seen = append(seen, filepath.Base(f.SourcePath))
		}
		return nil, nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	assert.Equal(t, []string{"img1.jpg", "img2.jpg", "img10.jpg"}, seen)
}

func TestRunStageOrderWithinKinds(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	var order []string
	mark := func(name string) { order = append(order, name) }

	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPost{name: "post1", fn: func([]*Frame, string) error {
		mark("post1")
		return nil
	}}))
	require.NoError(t, p.Register(&stubPre{name: "pre1", fn: func(f []*Frame) ([]*Frame, error) {
		mark("pre1")
		return nil, nil
	}}))
	require.NoError(t, p.Register(&stubProc{name: "proc1", layer: "l1", fn: func(f []*Frame) ([]*Frame, error) {
		mark("proc1")
		return f, nil
	}}))
	require.NoError(t, p.Register(&stubPre{name: "pre2", fn: func(f []*Frame) ([]*Frame, error) {
		mark("pre2")
		return nil, nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	assert.Equal(t, []string{"pre1", "pre2", "proc1", "post1"}, order)
}

func TestPreprocessingMergesAdditively(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPre{name: "hash", fn: func(frames []*Frame) ([]*Frame, error) {
		frames[0].Hash = "h1"
		frames[0].Dims = r2.Vec{X: 100, Y: 50}
		return frames, nil
	}}))
	require.NoError(t, p.Register(&stubPre{name: "eyes", fn: func(frames []*Frame) ([]*Frame, error) {
		// Earlier stage output must be visible here.
		if frames[0].Hash != "h1" {
			return nil, fmt.Errorf("hash not merged before second stage")
		}
		frames[0].Hash = ""
		frames[0].Eyes = &Eyes{Left: r2.Vec{X: 1, Y: 2}, Right: r2.Vec{X: 3, Y: 2}}
		return frames, nil
	}}))

	var final []*Frame
	require.NoError(t, p.Register(&stubPost{name: "capture", fn: func(frames []*Frame, _ string) error {
		final = frames
		return nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	require.Len(t, final, 1)
	assert.Equal(t, "h1", final[0].Hash, "empty hash in stage output must not clear the merged value")
	assert.Equal(t, r2.Vec{X: 100, Y: 50}, final[0].Dims)
	require.NotNil(t, final[0].Eyes)
	assert.Equal(t, r2.Vec{X: 2, Y: 2}, final[0].Eyes.Center())
}

func TestStagesReceiveDeepCopies(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPre{name: "vandal", fn: func(frames []*Frame) ([]*Frame, error) {
		frames[0].SourcePath = "mangled"
		frames[0].Layers["extra"] = "x"
		return nil, nil // discard output entirely
	}}))

	var final []*Frame
	require.NoError(t, p.Register(&stubPost{name: "capture", fn: func(frames []*Frame, _ string) error {
		final = frames
		return nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	require.Len(t, final, 1)
	assert.Equal(t, "a.jpg", filepath.Base(final[0].SourcePath))
	assert.NotContains(t, final[0].Layers, "extra")
}

func TestProcessingChainsAndTracksLayer(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubProc{name: "normalize", layer: "normalized", fn: func(frames []*Frame) ([]*Frame, error) {
		frames[0].Layers["normalized"] = "/tmp/norm.jpg"
		return frames, nil
	}}))
	require.NoError(t, p.Register(&stubProc{name: "caption", layer: "captioned", fn: func(frames []*Frame) ([]*Frame, error) {
		if frames[0].Layers["normalized"] != "/tmp/norm.jpg" {
			return nil, fmt.Errorf("previous layer missing")
		}
		frames[0].Layers["captioned"] = "/tmp/cap.jpg"
		return frames, nil
	}}))

	var gotLayer string
	require.NoError(t, p.Register(&stubPost{name: "demux", fn: func(_ []*Frame, layer string) error {
		gotLayer = layer
		return nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	assert.Equal(t, "captioned", gotLayer)
}

func TestPostprocessGetsOriginalLayerWithoutProcessingStages(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	var gotLayer string
	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPost{name: "demux", fn: func(_ []*Frame, layer string) error {
		gotLayer = layer
		return nil
	}}))
	require.NoError(t, p.Run(context.Background(), dir))

	assert.Equal(t, LayerOriginal, gotLayer)
}

func TestStageFailureAbortsRun(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	boom := errors.New("boom")
	ran := false
	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPre{name: "fail", fn: func([]*Frame) ([]*Frame, error) {
		return nil, boom
	}}))
	require.NoError(t, p.Register(&stubPost{name: "never", fn: func([]*Frame, string) error {
		ran = true
		return nil
	}}))

	err := p.Run(context.Background(), dir)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
	assert.Equal(t, StateFailed, p.State())
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	dir := writeInputs(t, "a.jpg")

	p := New(nil, nil, nil)
	require.NoError(t, p.Register(&stubPre{name: "hash", fn: func(frames []*Frame) ([]*Frame, error) {
		p.Step("hash", frames[0].SourcePath, 1, 1)
		return frames, nil
	}}))

	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Run(context.Background(), dir))

	var kinds []string
	for ev := range events {
		assert.Equal(t, p.RunID(), ev.RunID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"stage_start", "step", "stage_done", "run_done"}, kinds)
}
