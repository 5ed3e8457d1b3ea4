// Package pipeline orchestrates the staged processing of a batch of photos.
//
// A run reads the input directory into a canonical frame set, executes all
// preprocessing stages in registration order (their output merged additively
// into the set), chains the processing stages (each producing a new layer),
// and finally hands the processed set to the postprocessing stages. Every
// stage receives a deep copy of the frames it reads; only the pipeline owns
// record-set identity between stages.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"

	"facelapse/internal/fsutil"
	"facelapse/internal/storage"
	"facelapse/internal/usererr"
)

// State is the pipeline lifecycle: Idle -> Running -> Completed or Failed.
// A Pipeline instance runs at most once.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage is the closed set of pipeline step kinds. A concrete stage implements
// exactly one of PreprocessingStage, ProcessingStage, or PostprocessingStage.
type Stage interface {
	Name() string
}

// PreprocessingStage enriches frames with metadata. Its output is merged
// additively into the canonical set, so later preprocessing stages see the
// fields earlier ones produced.
type PreprocessingStage interface {
	Stage
	Preprocess(ctx context.Context, frames []*Frame) ([]*Frame, error)
}

// ProcessingStage derives a new image layer per frame. Processing stages
// chain: each one's output set is the next one's input.
type ProcessingStage interface {
	Stage
	// Layer names the layer this stage writes.
	Layer() string
	Process(ctx context.Context, frames []*Frame) ([]*Frame, error)
}

// PostprocessingStage consumes the final frame set for a terminal side effect
// and feeds nothing back into the pipeline.
type PostprocessingStage interface {
	Stage
	Postprocess(ctx context.Context, frames []*Frame, layer string) error
}

// ProbeFunc verifies that a file decodes as a supported image.
type ProbeFunc func(path string) error

// Event reports pipeline progress to subscribers.
type Event struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"` // "stage_start", "step", "stage_done", "run_done"
	Stage string `json:"stage"`
	Item  string `json:"item,omitempty"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Error string `json:"error,omitempty"`
}

// Reporter receives fine-grained progress from stages.
type Reporter interface {
	Step(stage, item string, index, total int)
}

// Pipeline executes registered stages over an input directory.
type Pipeline struct {
	log   *slog.Logger
	probe ProbeFunc
	store *storage.Store

	pre  []PreprocessingStage
	proc []ProcessingStage
	post []PostprocessingStage

	runID string

	mu        sync.Mutex
	state     State
	subs      map[int]chan Event
	nextSubID int
}

// New creates an idle pipeline. probe validates input files at scan time;
// store may be nil to skip run history recording.
func New(log *slog.Logger, probe ProbeFunc, store *storage.Store) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:   log,
		probe: probe,
		store: store,
		runID: uuid.NewString(),
		subs:  make(map[int]chan Event),
	}
}

// RunID identifies this pipeline's single run.
func (p *Pipeline) RunID() string { return p.runID }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Register classifies stage by kind and appends it to the matching ordered
// list; stages of one kind execute in registration order.
func (p *Pipeline) Register(stage Stage) error {
	switch s := stage.(type) {
	case PreprocessingStage:
		p.pre = append(p.pre, s)
	case ProcessingStage:
		p.proc = append(p.proc, s)
	case PostprocessingStage:
		p.post = append(p.post, s)
	default:
		return fmt.Errorf("stage %q implements no stage kind", stage.Name())
	}
	return nil
}

// Run executes the pipeline over inputDir from start to end. It returns a
// user error if inputDir contains no files or an unreadable image, or
// whatever error the first failing stage returned.
func (p *Pipeline) Run(ctx context.Context, inputDir string) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already ran (state %s)", p.state)
	}
	p.state = StateRunning
	p.mu.Unlock()

	err := p.run(ctx, inputDir)

	p.mu.Lock()
	if err != nil {
		p.state = StateFailed
	} else {
		p.state = StateCompleted
	}
	p.mu.Unlock()

	status := "completed"
	errMsg := ""
	if err != nil {
		status = "failed"
		errMsg = err.Error()
	}
	p.store.RecordRunDone(p.runID, status, errMsg)
	p.broadcast(Event{RunID: p.runID, Kind: "run_done", Error: errMsg})
	p.closeSubs()
	return err
}

func (p *Pipeline) run(ctx context.Context, inputDir string) error {
	frames, err := p.scan(inputDir)
	if err != nil {
		return err
	}
	p.store.RecordRunStart(p.runID, inputDir, len(frames))
	p.log.Info("run started", "run_id", p.runID, "input_dir", inputDir, "frames", len(frames))

	for _, s := range p.pre {
		out, err := p.timeStage(s.Name(), len(frames), func() ([]*Frame, error) {
			return s.Preprocess(ctx, CloneFrames(frames))
		})
		if err != nil {
			return err
		}
		mergeFrames(frames, out)
	}

	layer := LayerOriginal
	for _, s := range p.proc {
		out, err := p.timeStage(s.Name(), len(frames), func() ([]*Frame, error) {
			return s.Process(ctx, CloneFrames(frames))
		})
		if err != nil {
			return err
		}
		frames = out
		layer = s.Layer()
	}

	for _, s := range p.post {
		_, err := p.timeStage(s.Name(), len(frames), func() ([]*Frame, error) {
			return nil, s.Postprocess(ctx, CloneFrames(frames), layer)
		})
		if err != nil {
			return err
		}
	}

	p.log.Info("run finished", "run_id", p.runID, "frames", len(frames), "final_layer", layer)
	return nil
}

// scan reads inputDir and builds the initial frame set in natural file order.
func (p *Pipeline) scan(inputDir string) ([]*Frame, error) {
	if err := fsutil.Mkdir(inputDir); err != nil {
		return nil, err
	}
	paths, err := fsutil.ListFiles(inputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, usererr.New(
			"no images detected in %q; are you sure you put them in the right place?", inputDir)
	}

	frames := make([]*Frame, len(paths))
	for i, path := range paths {
		if p.probe != nil {
			if err := p.probe(path); err != nil {
				return nil, usererr.Wrap(err, "unsupported image type for input %q", path)
			}
		}
		frames[i] = &Frame{
			SourcePath: path,
			Layers:     map[string]string{LayerOriginal: path},
		}
	}
	return frames, nil
}

func (p *Pipeline) timeStage(name string, frames int, f func() ([]*Frame, error)) ([]*Frame, error) {
	p.broadcast(Event{RunID: p.runID, Kind: "stage_start", Stage: name, Total: frames})
	p.log.Info("stage started", "run_id", p.runID, "stage", name, "frames", frames)

	start := time.Now()
	out, err := f()
	duration := time.Since(start)

	if err != nil {
		p.log.Error("stage failed", "run_id", p.runID, "stage", name,
			"duration_ms", duration.Milliseconds(), "error", err)
		p.store.RecordStage(p.runID, name, "failed", duration, frames)
		p.broadcast(Event{RunID: p.runID, Kind: "stage_done", Stage: name, Total: frames, Error: err.Error()})
		return nil, err
	}

	p.log.Info("stage completed", "run_id", p.runID, "stage", name,
		"duration_ms", duration.Milliseconds())
	p.store.RecordStage(p.runID, name, "completed", duration, frames)
	p.broadcast(Event{RunID: p.runID, Kind: "stage_done", Stage: name, Index: frames, Total: frames})
	return out, nil
}

// mergeFrames merges a preprocessing stage's output additively into the
// canonical set, matching frames by source path. Unknown frames are ignored.
func mergeFrames(canonical, updates []*Frame) {
	byPath := make(map[string]*Frame, len(canonical))
	for _, f := range canonical {
		byPath[f.SourcePath] = f
	}
	for _, u := range updates {
		f, ok := byPath[u.SourcePath]
		if !ok {
			continue
		}
		if u.Hash != "" {
			f.Hash = u.Hash
		}
		if u.Dims != (r2.Vec{}) {
			f.Dims = u.Dims
		}
		if u.Eyes != nil {
			eyes := *u.Eyes
			f.Eyes = &eyes
		}
		for layer, path := range u.Layers {
			f.Layers[layer] = path
		}
	}
}

// Step implements Reporter by broadcasting a per-item progress event.
func (p *Pipeline) Step(stage, item string, index, total int) {
	p.broadcast(Event{RunID: p.runID, Kind: "step", Stage: stage, Item: item, Index: index, Total: total})
}

// Subscribe returns a channel of progress events and an unsubscribe function.
// The channel is closed when the run finishes.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "stage", ev.Stage)
		}
	}
}

func (p *Pipeline) closeSubs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}
