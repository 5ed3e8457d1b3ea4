package stages

import (
	"context"
	"fmt"
	"sync/atomic"

	"log/slog"

	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/hashing"
	"facelapse/internal/pipeline"
)

// DimensionsFunc returns an image's width and height in pixels, corrected
// for EXIF orientation.
type DimensionsFunc func(path string) (int, int, error)

// MetadataStage digests every input file and records its pixel dimensions.
// The digest partitions every downstream cache, so this stage runs before all
// others.
type MetadataStage struct {
	log      *slog.Logger
	dims     DimensionsFunc
	workers  int
	reporter pipeline.Reporter
}

func NewMetadataStage(log *slog.Logger, dims DimensionsFunc, workers int, reporter pipeline.Reporter) *MetadataStage {
	if log == nil {
		log = slog.Default()
	}
	return &MetadataStage{log: log, dims: dims, workers: workers, reporter: reporter}
}

func (s *MetadataStage) Name() string { return "metadata" }

func (s *MetadataStage) Preprocess(ctx context.Context, frames []*pipeline.Frame) ([]*pipeline.Frame, error) {
	var done atomic.Int64
	err := forEach(ctx, s.workers, len(frames), func(i int) error {
		f := frames[i]

		hash, err := hashing.File(f.SourcePath)
		if err != nil {
			return fmt.Errorf("hash %q: %w", f.SourcePath, err)
		}
		f.Hash = hash

		w, h, err := s.dims(f.SourcePath)
		if err != nil {
			return fmt.Errorf("read dimensions of %q: %w", f.SourcePath, err)
		}
		f.Dims = r2.Vec{X: float64(w), Y: float64(h)}

		report(s.reporter, s.Name(), f.SourcePath, int(done.Add(1)), len(frames))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}
