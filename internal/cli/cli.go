// Package cli wires configuration, storage, and the pipeline stages into the
// facelapse command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"log/slog"

	"facelapse/internal/cache"
	"facelapse/internal/config"
	"facelapse/internal/faces"
	"facelapse/internal/fsutil"
	"facelapse/internal/pipeline"
	"facelapse/internal/stages"
	"facelapse/internal/storage"
)

// Deps are the native-backed collaborators the commands hand to the stages.
// They are injected so the command tree itself stays free of cgo.
type Deps struct {
	Probe         pipeline.ProbeFunc
	Dimensions    stages.DimensionsFunc
	Render        stages.Renderer
	CaptionRender stages.CaptionRenderer
	Annotate      stages.AnnotateFunc
	Finders       faces.FinderFactory
}

// Root carries the shared dependencies of every command.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	deps  Deps
	out   io.Writer
}

// NewRoot bundles command dependencies. store may be nil to skip history.
func NewRoot(cfg *config.Config, log *slog.Logger, store *storage.Store, deps Deps) *Root {
	if log == nil {
		log = slog.Default()
	}
	return &Root{cfg: cfg, log: log, store: store, deps: deps, out: os.Stdout}
}

// newPipeline builds a fresh pipeline with all configured stages registered.
// Pipelines run once, so every run gets a new one.
func (r *Root) newPipeline() (*pipeline.Pipeline, error) {
	pipe := pipeline.New(r.log, r.deps.Probe, r.store)
	workers := r.cfg.Processing.Workers

	if err := pipe.Register(stages.NewMetadataStage(r.log, r.deps.Dimensions, workers, pipe)); err != nil {
		return nil, err
	}

	eyesCache, err := cache.New[pipeline.Eyes](
		r.cfg.CacheDir("eyes"), "eyes", ".cache", cache.GobCodec[pipeline.Eyes]{})
	if err != nil {
		return nil, err
	}
	findFaces := stages.NewFindFacesStage(r.log, stages.FindFacesConfig{
		Cache:     eyesCache,
		Finders:   r.deps.Finders,
		Overrides: r.cfg.Faces.SelectionOverrides,
		ErrorDir:  r.cfg.Paths.ErrorDir,
		Annotate:  r.deps.Annotate,
		Workers:   workers,
		Reporter:  pipe,
	})
	if err := pipe.Register(findFaces); err != nil {
		return nil, err
	}

	normCache, err := cache.New[[]byte](
		r.cfg.CacheDir("normalized"), "normalized", ".jpg", cache.RawCodec{})
	if err != nil {
		return nil, err
	}
	if err := pipe.Register(stages.NewNormalizeStage(r.log, normCache, r.deps.Render, workers, pipe)); err != nil {
		return nil, err
	}

	if r.cfg.Caption.Enabled {
		captionCache, err := cache.New[[]byte](
			r.cfg.CacheDir("captioned"), "captioned", ".jpg", cache.RawCodec{})
		if err != nil {
			return nil, err
		}
		caption, err := stages.NewTemplateCaptioner(r.cfg.Caption.Template)
		if err != nil {
			return nil, err
		}
		captionStage := stages.NewCaptionStage(r.log, captionCache, caption,
			r.deps.CaptionRender, stages.LayerNormalized, workers, pipe)
		if err := pipe.Register(captionStage); err != nil {
			return nil, err
		}
	}

	if r.cfg.Demux.Enabled {
		demux := stages.NewDemuxStage(r.log, stages.DemuxConfig{
			ExePath:      r.cfg.Demux.ExePath,
			FramesDir:    r.cfg.Paths.FramesDir,
			OutputPath:   r.cfg.Paths.OutputPath,
			FPS:          r.cfg.Demux.FPS,
			Codec:        r.cfg.Demux.Codec,
			CRF:          r.cfg.Demux.CRF,
			VideoFilters: r.cfg.Demux.VideoFilters,
			Reporter:     pipe,
		})
		if err := pipe.Register(demux); err != nil {
			return nil, err
		}
	}

	return pipe, nil
}

func (r *Root) configShow() error {
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(data))
	return nil
}

func (r *Root) configInit(path string) error {
	if path == "" {
		path = "~/.config/facelapse/config.json"
	}
	if err := config.Default().Write(path); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Wrote default configuration to %s\n", path)
	return nil
}

func (r *Root) cacheClear() error {
	if err := fsutil.ClearDir(r.cfg.Paths.CacheDir); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Cleared cache at %s\n", r.cfg.Paths.CacheDir)
	return nil
}
