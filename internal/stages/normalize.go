package stages

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"log/slog"

	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/cache"
	"facelapse/internal/geom"
	"facelapse/internal/hashing"
	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

// LayerNormalized names the layer holding geometrically aligned frames.
const LayerNormalized = "normalized"

// Rotation limits in radians. At 45 degrees the inscribed-rectangle
// construction stops being valid, so larger rotations are fatal; anything
// past the warning limit usually means a mislabeled eye pair.
var (
	fatalAngle = 45 * math.Pi / 180
	warnAngle  = 30 * math.Pi / 180
)

// FrameParams are the per-frame normalization parameters.
type FrameParams struct {
	// Scale shrinks the frame so its eye distance matches the batch minimum.
	Scale float64
	// ScaledDims are the frame's dimensions after scaling.
	ScaledDims r2.Vec
	// Translation shifts the scaled eye center onto the shared eye center.
	Translation r2.Vec
	// Angle is the rotation, in radians, that levels the eyes.
	Angle float64
	// InnerRect is the largest axis-aligned rectangle fully covered by this
	// frame after scaling, translating, and rotating.
	InnerRect geom.Rect
}

// Solution holds the batch-level normalization parameters. All frames share
// the eye center and crop box; everything else is per frame.
type Solution struct {
	// MinEyeDistance is the smallest eye distance in the batch; every frame
	// is scaled down to it.
	MinEyeDistance float64
	// EyeCenter is the shared post-transform eye center, the componentwise
	// maximum of the scaled per-frame eye centers.
	EyeCenter r2.Vec
	// CropBox is the shared crop, the intersection of all inner rectangles
	// floored to even dimensions.
	CropBox geom.Rect
	// Frames maps each frame's source path to its parameters.
	Frames map[string]FrameParams
	// Warnings lists frames whose rotation is large but still processable.
	Warnings []string
}

// Solve computes the normalization parameters for a batch. Every frame must
// already carry dimensions and eye coordinates. It fails with a user error
// when a frame's eyes coincide, when a rotation reaches the fatal limit, or
// when the shared crop ends up empty.
func Solve(frames []*pipeline.Frame) (*Solution, error) {
	sol := &Solution{
		MinEyeDistance: math.Inf(1),
		Frames:         make(map[string]FrameParams, len(frames)),
	}

	for _, f := range frames {
		if f.Eyes == nil {
			return nil, fmt.Errorf("frame %q has no eye coordinates", f.SourcePath)
		}
		dist := distance(f.Eyes.Left, f.Eyes.Right)
		if dist == 0 {
			return nil, usererr.New(
				"the eyes detected in %q coincide, so the image cannot be scaled", f.SourcePath)
		}
		sol.MinEyeDistance = math.Min(sol.MinEyeDistance, dist)
	}

	for _, f := range frames {
		scale := sol.MinEyeDistance / distance(f.Eyes.Left, f.Eyes.Right)
		center := r2.Scale(scale, f.Eyes.Center())
		sol.EyeCenter.X = math.Max(sol.EyeCenter.X, center.X)
		sol.EyeCenter.Y = math.Max(sol.EyeCenter.Y, center.Y)
		sol.Frames[f.SourcePath] = FrameParams{
			Scale:      scale,
			ScaledDims: r2.Scale(scale, f.Dims),
		}
	}

	rects := make([]geom.Rect, 0, len(frames))
	for _, f := range frames {
		p := sol.Frames[f.SourcePath]
		center := r2.Scale(p.Scale, f.Eyes.Center())
		p.Translation = r2.Sub(sol.EyeCenter, center)

		// Angle of the scaled right eye around the eye center, negated so
		// applying it levels the eyes.
		right := r2.Sub(r2.Scale(p.Scale, f.Eyes.Right), center)
		p.Angle = -math.Atan2(right.Y, right.X)

		if math.Abs(p.Angle) >= fatalAngle {
			return nil, usererr.New(
				"image %q is rotated by %.1f degrees, which is more than the %.0f degree limit; "+
					"its eyes are probably detected wrong",
				f.SourcePath, p.Angle*180/math.Pi, fatalAngle*180/math.Pi)
		}
		if math.Abs(p.Angle) >= warnAngle {
			sol.Warnings = append(sol.Warnings, fmt.Sprintf(
				"image %q is rotated by %.1f degrees; correct its eyes if the result looks off",
				f.SourcePath, p.Angle*180/math.Pi))
		}

		corners := geom.Translate(geom.Corners(p.ScaledDims), p.Translation)
		corners = geom.RotateAround(sol.EyeCenter, corners, p.Angle)
		p.InnerRect = geom.LargestInnerRect(corners)

		rects = append(rects, p.InnerRect)
		sol.Frames[f.SourcePath] = p
	}

	sol.CropBox = geom.FloorEven(geom.Intersect(rects))
	if sol.CropBox.Empty() {
		return nil, usererr.New(
			"the images do not overlap after alignment, so there is nothing left to crop; " +
				"check for inputs with extreme framing")
	}
	return sol, nil
}

// Affine returns the single-pass transform for the frame at path, mapping
// source pixels directly into the cropped output.
func (s *Solution) Affine(path string) geom.Affine {
	p := s.Frames[path]
	return geom.ComposeNormalization(p.Scale, p.Translation, p.Angle, s.EyeCenter, s.CropBox.Min)
}

func distance(a, b r2.Vec) float64 {
	return r2.Norm(r2.Sub(b, a))
}

// Renderer produces the encoded bytes of the src image mapped through m into
// a width x height output.
type Renderer func(ctx context.Context, srcPath string, m geom.Affine, width, height int) ([]byte, error)

// NormalizeStage aligns every frame to a shared eye position, scale, and
// rotation, and crops all frames to the shared region. Results are cached by
// content hash with the full parameter set hashed into the state, so editing
// one input or override recomputes only the frames it affects.
type NormalizeStage struct {
	log      *slog.Logger
	cache    *cache.Cache[[]byte]
	render   Renderer
	workers  int
	reporter pipeline.Reporter
}

func NewNormalizeStage(log *slog.Logger, c *cache.Cache[[]byte], render Renderer, workers int, reporter pipeline.Reporter) *NormalizeStage {
	if log == nil {
		log = slog.Default()
	}
	return &NormalizeStage{log: log, cache: c, render: render, workers: workers, reporter: reporter}
}

func (s *NormalizeStage) Name() string  { return "normalize" }
func (s *NormalizeStage) Layer() string { return LayerNormalized }

func (s *NormalizeStage) Process(ctx context.Context, frames []*pipeline.Frame) ([]*pipeline.Frame, error) {
	sol, err := Solve(frames)
	if err != nil {
		return nil, err
	}
	for _, w := range sol.Warnings {
		s.log.Warn(w)
	}

	width := int(sol.CropBox.Width())
	height := int(sol.CropBox.Height())

	var done atomic.Int64
	err = forEach(ctx, s.workers, len(frames), func(i int) error {
		f := frames[i]
		p := sol.Frames[f.SourcePath]
		state := hashing.String(normalizeState(f.Eyes, p, sol.CropBox))

		path := s.cache.EntryPath(f.Hash, state)
		if !s.cache.Has(f.Hash, state) {
			blob, err := s.render(ctx, f.SourcePath, sol.Affine(f.SourcePath), width, height)
			if err != nil {
				return fmt.Errorf("normalize %q: %w", f.SourcePath, err)
			}
			path, err = s.cache.Store(blob, f.Hash, state)
			if err != nil {
				return err
			}
		}
		f.Layers[LayerNormalized] = path

		report(s.reporter, s.Name(), f.SourcePath, int(done.Add(1)), len(frames))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// normalizeState captures every input to the rendered artifact other than the
// source bytes themselves.
func normalizeState(eyes *pipeline.Eyes, p FrameParams, crop geom.Rect) string {
	return fmt.Sprintf("%v|%v|%g|%v|%g|%v|%v",
		eyes.Left, eyes.Right, p.Scale, p.Translation, p.Angle, crop.Min, crop.Max)
}
