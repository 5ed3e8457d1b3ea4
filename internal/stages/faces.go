package stages

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"

	"log/slog"

	"facelapse/internal/cache"
	"facelapse/internal/faces"
	"facelapse/internal/fsutil"
	"facelapse/internal/hashing"
	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

// AnnotateFunc writes a copy of the image at srcPath to dstPath with the
// given boxes outlined, for the user to inspect ambiguous detections.
type AnnotateFunc func(srcPath, dstPath string, boxes []image.Rectangle) error

// FindFacesConfig wires a FindFacesStage's collaborators.
type FindFacesConfig struct {
	// Cache persists eye coordinates keyed by content hash, with the
	// applicable override rule hashed into the state.
	Cache *cache.Cache[pipeline.Eyes]
	// Finders constructs one detector per worker; detectors need not be
	// safe for concurrent use.
	Finders faces.FinderFactory
	// Overrides resolves images with multiple detected faces, keyed by the
	// input file's base name.
	Overrides faces.Overrides
	// ErrorDir receives annotated debug images when detection fails.
	ErrorDir string
	Annotate AnnotateFunc
	Workers  int
	Reporter pipeline.Reporter
}

// FindFacesStage locates exactly one face per input and records its eye
// coordinates. An input with zero faces fails the run; one with several faces
// fails unless an override selects among them. Either failure leaves an
// annotated copy in the error directory.
type FindFacesStage struct {
	log *slog.Logger
	cfg FindFacesConfig
}

func NewFindFacesStage(log *slog.Logger, cfg FindFacesConfig) *FindFacesStage {
	if log == nil {
		log = slog.Default()
	}
	return &FindFacesStage{log: log, cfg: cfg}
}

func (s *FindFacesStage) Name() string { return "find-faces" }

func (s *FindFacesStage) Preprocess(ctx context.Context, frames []*pipeline.Frame) ([]*pipeline.Frame, error) {
	if err := fsutil.Mkdir(s.cfg.ErrorDir); err != nil {
		return nil, err
	}

	overrides := s.cfg.Overrides.Clone()
	var done atomic.Int64

	err := s.eachWithFinder(ctx, len(frames), func(finder *lazyFinder, i int) error {
		f := frames[i]
		state := ""
		override, hasOverride := overrides[filepath.Base(f.SourcePath)]
		if hasOverride {
			state = hashing.String(override.State())
		}

		if s.cfg.Cache.Has(f.Hash, state) {
			eyes, err := s.cfg.Cache.Load(f.Hash, state)
			if err != nil {
				return err
			}
			f.Eyes = &eyes
		} else {
			eyes, err := s.detect(ctx, finder, f.SourcePath, override, hasOverride)
			if err != nil {
				return err
			}
			if _, err := s.cfg.Cache.Store(eyes, f.Hash, state); err != nil {
				return err
			}
			f.Eyes = &eyes
		}

		report(s.cfg.Reporter, s.Name(), f.SourcePath, int(done.Add(1)), len(frames))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

func (s *FindFacesStage) detect(ctx context.Context, finder *lazyFinder, path string, override faces.Override, hasOverride bool) (pipeline.Eyes, error) {
	fnd, err := finder.get()
	if err != nil {
		return pipeline.Eyes{}, err
	}

	dets, err := fnd.Find(ctx, path)
	if err != nil {
		return pipeline.Eyes{}, err
	}

	switch {
	case len(dets) == 0:
		debugPath, aerr := s.writeDebug(path, nil)
		if aerr != nil {
			s.log.Warn("could not write debug image", "input", path, "error", aerr)
		}
		return pipeline.Eyes{}, usererr.New(
			"found no faces in %q; a debug copy was written to %q", path, debugPath)

	case len(dets) == 1:
		return dets[0].Eyes, nil

	case hasOverride:
		return override.Select(dets).Eyes, nil

	default:
		boxes := make([]image.Rectangle, len(dets))
		for i, d := range dets {
			boxes[i] = d.Box
		}
		debugPath, aerr := s.writeDebug(path, boxes)
		if aerr != nil {
			s.log.Warn("could not write debug image", "input", path, "error", aerr)
		}
		return pipeline.Eyes{}, usererr.New(
			"found %d faces in %q; the detections are outlined in %q, "+
				"add a face selection override for this file to choose one",
			len(dets), path, debugPath)
	}
}

func (s *FindFacesStage) writeDebug(srcPath string, boxes []image.Rectangle) (string, error) {
	dst := filepath.Join(s.cfg.ErrorDir, filepath.Base(srcPath))
	if s.cfg.Annotate == nil {
		return dst, fsutil.CopyFile(srcPath, dst)
	}
	return dst, s.cfg.Annotate(srcPath, dst, boxes)
}

// lazyFinder defers detector construction until a worker actually misses the
// cache, so fully cached runs never load the detection models.
type lazyFinder struct {
	factory faces.FinderFactory
	finder  faces.Finder
	err     error
}

func (l *lazyFinder) get() (faces.Finder, error) {
	if l.finder == nil && l.err == nil {
		l.finder, l.err = l.factory()
	}
	return l.finder, l.err
}

func (l *lazyFinder) close() {
	if l.finder != nil {
		l.finder.Close()
	}
}

// eachWithFinder is forEach with one lazily constructed detector per worker,
// closed when the stage finishes.
func (s *FindFacesStage) eachWithFinder(ctx context.Context, n int, fn func(finder *lazyFinder, i int) error) error {
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idx := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			finder := &lazyFinder{factory: s.cfg.Finders}
			defer finder.close()
			for i := range idx {
				if err := fn(finder, i); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case idx <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(idx)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}
