package faces

import (
	"fmt"
	"math"
)

// Strategy names a deterministic rule for scoring candidate detections when
// an image contains more than one face. The lowest-scoring detection wins.
type Strategy string

const (
	// StrategyTopEdge prefers the face whose top edge is closest to the top
	// of the image.
	StrategyTopEdge Strategy = "top-edge"
	// StrategyBottomEdge prefers the face whose bottom edge is closest to
	// the top of the image.
	StrategyBottomEdge Strategy = "bottom-edge"
	// StrategyLeftEdge prefers the face whose left edge is closest to the
	// left of the image.
	StrategyLeftEdge Strategy = "left-edge"
	// StrategyRightEdge prefers the face whose right edge is closest to the
	// left of the image.
	StrategyRightEdge Strategy = "right-edge"
	// StrategyTopEdgeInverted prefers the face whose top edge is closest to
	// the bottom of the image.
	StrategyTopEdgeInverted Strategy = "top-edge-inverted"
	// StrategyLeftEdgeInverted prefers the face whose left edge is closest
	// to the right of the image.
	StrategyLeftEdgeInverted Strategy = "left-edge-inverted"
	// StrategyTopEdgeNear prefers the face whose top edge is closest to the
	// y coordinate given in Value.
	StrategyTopEdgeNear Strategy = "top-edge-near"
)

// Override selects one of several candidate detections for a named image. It
// is a plain value so it serializes into configuration and copies safely into
// worker goroutines.
type Override struct {
	Strategy Strategy `json:"strategy"`
	// Value parameterizes strategies that take a coordinate.
	Value float64 `json:"value,omitempty"`
}

// Validate reports whether the override names a known strategy.
func (o Override) Validate() error {
	switch o.Strategy {
	case StrategyTopEdge, StrategyBottomEdge, StrategyLeftEdge, StrategyRightEdge,
		StrategyTopEdgeInverted, StrategyLeftEdgeInverted, StrategyTopEdgeNear:
		return nil
	default:
		return fmt.Errorf("unknown face selection strategy %q", o.Strategy)
	}
}

// Score rates a detection; lower is better.
func (o Override) Score(d Detection) float64 {
	switch o.Strategy {
	case StrategyTopEdge:
		return float64(d.Box.Min.Y)
	case StrategyBottomEdge:
		return float64(d.Box.Max.Y)
	case StrategyLeftEdge:
		return float64(d.Box.Min.X)
	case StrategyRightEdge:
		return float64(d.Box.Max.X)
	case StrategyTopEdgeInverted:
		return -float64(d.Box.Min.Y)
	case StrategyLeftEdgeInverted:
		return -float64(d.Box.Min.X)
	case StrategyTopEdgeNear:
		return math.Abs(float64(d.Box.Min.Y) - o.Value)
	default:
		return math.Inf(1)
	}
}

// Select returns the lowest-scoring detection; ties go to the earlier one, so
// selection is deterministic for a fixed detector output order.
func (o Override) Select(dets []Detection) Detection {
	best := dets[0]
	bestScore := o.Score(best)
	for _, d := range dets[1:] {
		if score := o.Score(d); score < bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

// State returns a stable string describing the override, hashed into the face
// cache state so changing a rule recomputes exactly the affected image.
func (o Override) State() string {
	return fmt.Sprintf("%s:%g", o.Strategy, o.Value)
}

// Overrides maps an input file's base name (with extension) to its selection
// rule.
type Overrides map[string]Override

// Clone returns a copy safe to hand to a worker goroutine.
func (o Overrides) Clone() Overrides {
	out := make(Overrides, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Validate checks every configured rule.
func (o Overrides) Validate() error {
	for name, ov := range o {
		if err := ov.Validate(); err != nil {
			return fmt.Errorf("override for %q: %w", name, err)
		}
	}
	return nil
}
