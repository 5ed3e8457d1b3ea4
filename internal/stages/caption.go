package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"log/slog"

	"facelapse/internal/cache"
	"facelapse/internal/hashing"
	"facelapse/internal/pipeline"
	"facelapse/internal/usererr"
)

// LayerCaptioned names the layer holding captioned frames.
const LayerCaptioned = "captioned"

// Captioner produces the caption text for one frame.
type Captioner func(f *pipeline.Frame) (string, error)

// captionData is what a caption template can reference.
type captionData struct {
	// Name is the input file's base name without extension.
	Name string
	// Width and Height are the original image's pixel dimensions.
	Width  int
	Height int
	// ModTime is the input file's modification time, zero if unavailable.
	ModTime time.Time
}

// NewTemplateCaptioner compiles a text/template caption. The template sees
// the frame's Name, Width, Height, and ModTime.
func NewTemplateCaptioner(tmpl string) (Captioner, error) {
	t, err := template.New("caption").Parse(tmpl)
	if err != nil {
		return nil, usererr.Wrap(err, "invalid caption template %q", tmpl)
	}
	return func(f *pipeline.Frame) (string, error) {
		base := filepath.Base(f.SourcePath)
		data := captionData{
			Name:   strings.TrimSuffix(base, filepath.Ext(base)),
			Width:  int(f.Dims.X),
			Height: int(f.Dims.Y),
		}
		if info, err := os.Stat(f.SourcePath); err == nil {
			data.ModTime = info.ModTime()
		}
		var sb strings.Builder
		if err := t.Execute(&sb, data); err != nil {
			return "", usererr.Wrap(err, "caption template failed for %q", f.SourcePath)
		}
		return sb.String(), nil
	}, nil
}

// CaptionRenderer draws text onto the image at srcPath and returns the
// encoded result.
type CaptionRenderer func(ctx context.Context, srcPath, text string) ([]byte, error)

// CaptionStage burns a per-frame caption into the previous layer's output.
// The cache state covers both the caption text and the identity of the input
// artifact, so upstream recomputation or a template change invalidates
// exactly the affected frames.
type CaptionStage struct {
	log      *slog.Logger
	cache    *cache.Cache[[]byte]
	caption  Captioner
	render   CaptionRenderer
	in       string
	workers  int
	reporter pipeline.Reporter
}

// NewCaptionStage captions the in layer of every frame. in is typically
// LayerNormalized.
func NewCaptionStage(log *slog.Logger, c *cache.Cache[[]byte], caption Captioner, render CaptionRenderer, in string, workers int, reporter pipeline.Reporter) *CaptionStage {
	if log == nil {
		log = slog.Default()
	}
	return &CaptionStage{log: log, cache: c, caption: caption, render: render, in: in, workers: workers, reporter: reporter}
}

func (s *CaptionStage) Name() string  { return "caption" }
func (s *CaptionStage) Layer() string { return LayerCaptioned }

func (s *CaptionStage) Process(ctx context.Context, frames []*pipeline.Frame) ([]*pipeline.Frame, error) {
	var done atomic.Int64
	err := forEach(ctx, s.workers, len(frames), func(i int) error {
		f := frames[i]
		src, ok := f.Layers[s.in]
		if !ok {
			return fmt.Errorf("frame %q has no %q layer to caption", f.SourcePath, s.in)
		}

		text, err := s.caption(f)
		if err != nil {
			return err
		}

		// The source artifact's file name encodes its own cache state, so
		// hashing it chains invalidation through the layers.
		state := hashing.String(filepath.Base(src) + "\x00" + text)

		path := s.cache.EntryPath(f.Hash, state)
		if !s.cache.Has(f.Hash, state) {
			blob, err := s.render(ctx, src, text)
			if err != nil {
				return fmt.Errorf("caption %q: %w", f.SourcePath, err)
			}
			path, err = s.cache.Store(blob, f.Hash, state)
			if err != nil {
				return err
			}
		}
		f.Layers[LayerCaptioned] = path

		report(s.reporter, s.Name(), f.SourcePath, int(done.Add(1)), len(frames))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}
