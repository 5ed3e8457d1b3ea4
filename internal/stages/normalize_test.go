package stages

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/cache"
	"facelapse/internal/geom"
	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

func frame(path string, hash string, w, h float64, left, right r2.Vec) *pipeline.Frame {
	return &pipeline.Frame{
		SourcePath: path,
		Hash:       hash,
		Dims:       r2.Vec{X: w, Y: h},
		Eyes:       &pipeline.Eyes{Left: left, Right: right},
		Layers:     map[string]string{pipeline.LayerOriginal: path},
	}
}

// Three level frames of 1000x800 with eye distances 100, 120, and 80.
func levelBatch() []*pipeline.Frame {
	return []*pipeline.Frame{
		frame("/in/1.jpg", "h1", 1000, 800, r2.Vec{X: 400, Y: 300}, r2.Vec{X: 500, Y: 300}),
		frame("/in/2.jpg", "h2", 1000, 800, r2.Vec{X: 390, Y: 310}, r2.Vec{X: 510, Y: 310}),
		frame("/in/3.jpg", "h3", 1000, 800, r2.Vec{X: 410, Y: 295}, r2.Vec{X: 490, Y: 295}),
	}
}

func TestSolveScalesToSmallestEyeDistance(t *testing.T) {
	sol, err := Solve(levelBatch())
	require.NoError(t, err)

	assert.InDelta(t, 80, sol.MinEyeDistance, 1e-9)
	assert.InDelta(t, 0.8, sol.Frames["/in/1.jpg"].Scale, 1e-9)
	assert.InDelta(t, 2.0/3.0, sol.Frames["/in/2.jpg"].Scale, 1e-9)
	assert.InDelta(t, 1.0, sol.Frames["/in/3.jpg"].Scale, 1e-9)
}

func TestSolveSharedEyeCenterAndTranslations(t *testing.T) {
	sol, err := Solve(levelBatch())
	require.NoError(t, err)

	assert.InDelta(t, 450, sol.EyeCenter.X, 1e-9)
	assert.InDelta(t, 295, sol.EyeCenter.Y, 1e-9)

	assert.InDelta(t, 90, sol.Frames["/in/1.jpg"].Translation.X, 1e-9)
	assert.InDelta(t, 55, sol.Frames["/in/1.jpg"].Translation.Y, 1e-9)
	assert.InDelta(t, 150, sol.Frames["/in/2.jpg"].Translation.X, 1e-9)
	assert.InDelta(t, 295-620.0/3.0, sol.Frames["/in/2.jpg"].Translation.Y, 1e-9)
	assert.InDelta(t, 0, sol.Frames["/in/3.jpg"].Translation.X, 1e-9)
	assert.InDelta(t, 0, sol.Frames["/in/3.jpg"].Translation.Y, 1e-9)

	// The componentwise-max construction makes every translation non-negative.
	for path, p := range sol.Frames {
		assert.GreaterOrEqual(t, p.Translation.X, 0.0, path)
		assert.GreaterOrEqual(t, p.Translation.Y, 0.0, path)
	}
}

func TestSolveCropBoxIsEvenAndShared(t *testing.T) {
	sol, err := Solve(levelBatch())
	require.NoError(t, err)

	assert.Equal(t, geom.Rect{
		Min: r2.Vec{X: 150, Y: 88},
		Max: r2.Vec{X: 816, Y: 620},
	}, sol.CropBox)

	assert.Zero(t, int(sol.CropBox.Width())%2)
	assert.Zero(t, int(sol.CropBox.Height())%2)
}

func TestSolveLevelsEyesAfterTransform(t *testing.T) {
	// A tilted frame mixed with a level one: mapping both eyes through the
	// composed transform must land them at the same height, the shared eye
	// distance apart.
	tilt := 10 * math.Pi / 180
	left := r2.Vec{X: 400, Y: 300}
	right := r2.Vec{
		X: 400 + 100*math.Cos(tilt),
		Y: 300 - 100*math.Sin(tilt),
	}
	frames := []*pipeline.Frame{
		frame("/in/level.jpg", "h1", 1000, 800, r2.Vec{X: 410, Y: 295}, r2.Vec{X: 490, Y: 295}),
		frame("/in/tilted.jpg", "h2", 1000, 800, left, right),
	}

	sol, err := Solve(frames)
	require.NoError(t, err)
	assert.InDelta(t, tilt, sol.Frames["/in/tilted.jpg"].Angle, 1e-9)

	m := sol.Affine("/in/tilted.jpg")
	gotL := m.Apply(left)
	gotR := m.Apply(right)
	assert.InDelta(t, gotL.Y, gotR.Y, 1e-9, "eyes must be level after the transform")
	assert.InDelta(t, sol.MinEyeDistance, gotR.X-gotL.X, 1e-9)

	// Both frames' eye centers land on the same output point.
	mLevel := sol.Affine("/in/level.jpg")
	centerTilted := m.Apply(r2.Scale(0.5, r2.Add(left, right)))
	centerLevel := mLevel.Apply(r2.Vec{X: 450, Y: 295})
	assert.InDelta(t, centerLevel.X, centerTilted.X, 1e-9)
	assert.InDelta(t, centerLevel.Y, centerTilted.Y, 1e-9)
}

func TestSolveCoincidingEyesIsUserError(t *testing.T) {
	frames := []*pipeline.Frame{
		frame("/in/bad.jpg", "h1", 1000, 800, r2.Vec{X: 400, Y: 300}, r2.Vec{X: 400, Y: 300}),
	}
	_, err := Solve(frames)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
}

func TestSolveExtremeRotationIsFatal(t *testing.T) {
	a := 50 * math.Pi / 180
	frames := []*pipeline.Frame{
		frame("/in/rotated.jpg", "h1", 1000, 800,
			r2.Vec{X: 400, Y: 300},
			r2.Vec{X: 400 + 100*math.Cos(a), Y: 300 - 100*math.Sin(a)}),
	}
	_, err := Solve(frames)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Contains(t, err.Error(), "rotated")
}

func TestSolveLargeRotationWarns(t *testing.T) {
	a := 35 * math.Pi / 180
	frames := []*pipeline.Frame{
		frame("/in/level.jpg", "h1", 1000, 800, r2.Vec{X: 410, Y: 400}, r2.Vec{X: 490, Y: 400}),
		frame("/in/tilted.jpg", "h2", 1000, 800,
			r2.Vec{X: 400, Y: 400},
			r2.Vec{X: 400 + 100*math.Cos(a), Y: 400 - 100*math.Sin(a)}),
	}
	sol, err := Solve(frames)
	require.NoError(t, err)
	require.Len(t, sol.Warnings, 1)
	assert.Contains(t, sol.Warnings[0], "tilted.jpg")
}

type renderSpy struct {
	calls atomic.Int64
}

func (r *renderSpy) render(_ context.Context, _ string, _ geom.Affine, _, _ int) ([]byte, error) {
	r.calls.Add(1)
	return []byte("jpeg bytes"), nil
}

func newNormalizeFixture(t *testing.T) (*cache.Cache[[]byte], *renderSpy) {
	t.Helper()
	c, err := cache.New[[]byte](t.TempDir(), "normalized", ".jpg", cache.RawCodec{})
	require.NoError(t, err)
	return c, &renderSpy{}
}

func TestNormalizeStageRendersAndCaches(t *testing.T) {
	c, spy := newNormalizeFixture(t)
	s := NewNormalizeStage(nil, c, spy.render, 2, nil)

	out, err := s.Process(context.Background(), levelBatch())
	require.NoError(t, err)
	assert.Equal(t, int64(3), spy.calls.Load())
	for _, f := range out {
		path := f.Layers[LayerNormalized]
		require.NotEmpty(t, path)
		assert.True(t, c.HasAny(f.Hash))
	}

	// Unchanged inputs: everything is served from the cache.
	again := NewNormalizeStage(nil, c, spy.render, 2, nil)
	_, err = again.Process(context.Background(), levelBatch())
	require.NoError(t, err)
	assert.Equal(t, int64(3), spy.calls.Load(), "cached frames must not be re-rendered")
}

func TestNormalizeStageRecomputesWhenBatchChanges(t *testing.T) {
	c, spy := newNormalizeFixture(t)
	s := NewNormalizeStage(nil, c, spy.render, 1, nil)
	_, err := s.Process(context.Background(), levelBatch())
	require.NoError(t, err)
	require.Equal(t, int64(3), spy.calls.Load())

	// Moving one frame's eyes changes the batch solution, so every frame's
	// state changes and all of them re-render.
	batch := levelBatch()
	batch[2].Eyes = &pipeline.Eyes{Left: r2.Vec{X: 420, Y: 295}, Right: r2.Vec{X: 480, Y: 295}}
	again := NewNormalizeStage(nil, c, spy.render, 1, nil)
	_, err = again.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(6), spy.calls.Load())
}

func TestNormalizeStageFatalRotationRendersNothing(t *testing.T) {
	c, spy := newNormalizeFixture(t)
	s := NewNormalizeStage(nil, c, spy.render, 1, nil)

	a := 50 * math.Pi / 180
	batch := levelBatch()
	batch = append(batch, frame("/in/rotated.jpg", "h4", 1000, 800,
		r2.Vec{X: 400, Y: 300},
		r2.Vec{X: 400 + 100*math.Cos(a), Y: 300 - 100*math.Sin(a)}))

	_, err := s.Process(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, usererr.Is(err))
	assert.Zero(t, spy.calls.Load(), "the batch must fail before any rendering")
}
