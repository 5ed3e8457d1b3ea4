// Package geom provides the 2D geometry used to compute a shared crop for a
// batch of rotated images. Coordinates are in image space: x grows rightward,
// y grows downward.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Rect is an axis-aligned rectangle spanning [Min, Max).
type Rect struct {
	Min r2.Vec
	Max r2.Vec
}

func (r Rect) Width() float64  { return r.Max.X - r.Min.X }
func (r Rect) Height() float64 { return r.Max.Y - r.Min.Y }

// Empty reports whether r has no interior.
func (r Rect) Empty() bool { return r.Max.X <= r.Min.X || r.Max.Y <= r.Min.Y }

// Corners returns the corners of a rectangle at the origin with the given
// width and height.
func Corners(dims r2.Vec) [4]r2.Vec {
	return [4]r2.Vec{
		{X: dims.X},
		{},
		{Y: dims.Y},
		dims,
	}
}

// Translate shifts every point in pts by offset.
func Translate(pts [4]r2.Vec, offset r2.Vec) [4]r2.Vec {
	var out [4]r2.Vec
	for i, p := range pts {
		out[i] = r2.Add(p, offset)
	}
	return out
}

// RotateAround rotates pts around origin by angle radians using the standard
// mathematical rotation matrix. In image coordinates (flipped y-axis) a
// positive angle therefore rotates content clockwise on screen.
func RotateAround(origin r2.Vec, pts [4]r2.Vec, angle float64) [4]r2.Vec {
	sin, cos := math.Sincos(angle)
	var out [4]r2.Vec
	for i, p := range pts {
		d := r2.Sub(p, origin)
		out[i] = r2.Vec{
			X: origin.X + cos*d.X - sin*d.Y,
			Y: origin.Y + sin*d.X + cos*d.Y,
		}
	}
	return out
}

// LargestInnerRect returns the largest axis-aligned rectangle inscribed in
// the rotated rectangle described by corners: per axis, the two middle values
// of the four sorted corner coordinates. Only valid for rotations under 45
// degrees.
func LargestInnerRect(corners [4]r2.Vec) Rect {
	var xs, ys [4]float64
	for i, c := range corners {
		xs[i] = c.X
		ys[i] = c.Y
	}
	sort4(&xs)
	sort4(&ys)
	return Rect{
		Min: r2.Vec{X: xs[1], Y: ys[1]},
		Max: r2.Vec{X: xs[2], Y: ys[2]},
	}
}

// Intersect returns the largest rectangle contained in every given rectangle.
// The result may be empty.
func Intersect(rects []Rect) Rect {
	if len(rects) == 0 {
		return Rect{}
	}
	out := rects[0]
	for _, r := range rects[1:] {
		out.Min.X = math.Max(out.Min.X, r.Min.X)
		out.Min.Y = math.Max(out.Min.Y, r.Min.Y)
		out.Max.X = math.Min(out.Max.X, r.Max.X)
		out.Max.Y = math.Min(out.Max.Y, r.Max.Y)
	}
	return out
}

// FloorEven floors every coordinate of r down to an even integer, as video
// codecs require even frame dimensions.
func FloorEven(r Rect) Rect {
	f := func(v float64) float64 { return math.Floor(v/2) * 2 }
	return Rect{
		Min: r2.Vec{X: f(r.Min.X), Y: f(r.Min.Y)},
		Max: r2.Vec{X: f(r.Max.X), Y: f(r.Max.Y)},
	}
}

// Affine is the 2D affine map p -> A*p + T with A = [[XX, XY], [YX, YY]].
type Affine struct {
	XX, XY float64
	YX, YY float64
	TX, TY float64
}

// Apply maps p through the affine transform.
func (m Affine) Apply(p r2.Vec) r2.Vec {
	return r2.Vec{
		X: m.XX*p.X + m.XY*p.Y + m.TX,
		Y: m.YX*p.X + m.YY*p.Y + m.TY,
	}
}

// ComposeNormalization builds the single affine map equivalent to scaling by
// scale, translating by translation, rotating by angle around pivot, and
// shifting the crop origin to the output origin.
func ComposeNormalization(scale float64, translation r2.Vec, angle float64, pivot, cropMin r2.Vec) Affine {
	sin, cos := math.Sincos(angle)
	d := r2.Sub(translation, pivot)
	return Affine{
		XX: scale * cos, XY: -scale * sin,
		YX: scale * sin, YY: scale * cos,
		TX: pivot.X + cos*d.X - sin*d.Y - cropMin.X,
		TY: pivot.Y + sin*d.X + cos*d.Y - cropMin.Y,
	}
}

func sort4(v *[4]float64) {
	for i := 1; i < 4; i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
