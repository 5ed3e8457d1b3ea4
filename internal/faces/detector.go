// Package faces is the boundary to the face-detection collaborator: it turns
// detector output into the eye coordinates the normalizer consumes, and
// resolves ambiguous detections through per-file override rules.
package faces

import (
	"context"
	"fmt"
	"image"

	"github.com/Kagami/go-face"
	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/pipeline"
)

// Detection is one candidate face found in an image.
type Detection struct {
	// Box is the detector's bounding rectangle for the face.
	Box image.Rectangle
	// Eyes holds the eye midpoints, left-most in the image first.
	Eyes pipeline.Eyes
}

// Finder locates candidate faces in an image file. Implementations need not
// be safe for concurrent use; workers create their own via a FinderFactory.
type Finder interface {
	Find(ctx context.Context, path string) ([]Detection, error)
	Close() error
}

// FinderFactory constructs a Finder for one worker.
type FinderFactory func() (Finder, error)

// DlibFinder detects faces with dlib's frontal detector and 5-landmark shape
// predictor through go-face. The models directory must contain dlib's
// shape_predictor_5_face_landmarks.dat and companion model files.
type DlibFinder struct {
	rec *face.Recognizer
}

// NewDlibFinder loads the dlib models from modelsDir.
func NewDlibFinder(modelsDir string) (*DlibFinder, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load face detection models from %q: %w", modelsDir, err)
	}
	return &DlibFinder{rec: rec}, nil
}

func (f *DlibFinder) Close() error {
	f.rec.Close()
	return nil
}

// Find returns every face detected in the image at path.
func (f *DlibFinder) Find(ctx context.Context, path string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found, err := f.rec.RecognizeFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect faces in %q: %w", path, err)
	}

	dets := make([]Detection, 0, len(found))
	for _, fc := range found {
		// dlib's 5-landmark order: shapes 0 and 1 are one eye's corners,
		// shapes 2 and 3 the other's, shape 4 the nose base.
		if len(fc.Shapes) < 4 {
			return nil, fmt.Errorf("detector returned %d landmarks for %q, need at least 4", len(fc.Shapes), path)
		}
		a := midpoint(fc.Shapes[0], fc.Shapes[1])
		b := midpoint(fc.Shapes[2], fc.Shapes[3])
		dets = append(dets, Detection{Box: fc.Rectangle, Eyes: OrderEyes(a, b)})
	}
	return dets, nil
}

// OrderEyes returns the eye pair with the left-most eye in image coordinates
// first, regardless of which anatomical eye the detector listed first.
func OrderEyes(a, b r2.Vec) pipeline.Eyes {
	if a.X > b.X {
		a, b = b, a
	}
	return pipeline.Eyes{Left: a, Right: b}
}

func midpoint(a, b image.Point) r2.Vec {
	return r2.Vec{
		X: float64(a.X+b.X) / 2,
		Y: float64(a.Y+b.Y) / 2,
	}
}
