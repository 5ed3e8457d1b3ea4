package pipeline

import (
	"maps"

	"gonum.org/v1/gonum/spatial/r2"
)

// LayerOriginal is the layer every frame starts with: the untouched input.
const LayerOriginal = "original"

// Eyes is a frame's detected eye pair. Left is the left-most eye in image
// coordinates, not the subject's anatomical left; detection adapters enforce
// this ordering.
type Eyes struct {
	Left  r2.Vec
	Right r2.Vec
}

// Center returns the midpoint between the two eyes.
func (e Eyes) Center() r2.Vec {
	return r2.Scale(0.5, r2.Add(e.Left, e.Right))
}

// Frame carries the accumulated (meta)data for one input photo. It is created
// at scan time with only SourcePath and the original layer, and enriched
// additively by the stages; nothing is removed until the run completes.
type Frame struct {
	// SourcePath is the absolute path of the original input file. Immutable.
	SourcePath string

	// Hash is the content digest of the file bytes, used as the cache
	// partition key for every derived artifact.
	Hash string

	// Dims is the image's width and height in pixels, corrected for EXIF
	// orientation.
	Dims r2.Vec

	// Eyes is the detected eye pair; nil until face finding ran.
	Eyes *Eyes

	// Layers maps a logical layer name to the path of the currently-latest
	// derived image for that layer.
	Layers map[string]string
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	out := *f
	if f.Eyes != nil {
		eyes := *f.Eyes
		out.Eyes = &eyes
	}
	out.Layers = maps.Clone(f.Layers)
	return &out
}

// CloneFrames deep-copies a frame set. Stages receive copies so they cannot
// mutate the pipeline's canonical records as a side channel.
func CloneFrames(frames []*Frame) []*Frame {
	out := make([]*Frame, len(frames))
	for i, f := range frames {
		out[i] = f.Clone()
	}
	return out
}
