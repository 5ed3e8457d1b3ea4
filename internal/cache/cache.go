// Package cache implements a content-addressable filesystem cache for
// expensive pipeline artifacts.
//
// Entries are identified by a key (the content hash of the input that
// produced the artifact) and a state (a hash of every other parameter that
// affects the artifact's bytes). At most one entry exists per key: storing
// under a used key first removes entries for every other state of that key,
// so stale states never accumulate and readers never observe two valid states
// for one input.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Separator is the field separator in on-disk entry names,
// {prefix}-{key}-{state}{suffix}. Keys and states must not contain it.
const Separator = "-"

// NotFoundError indicates no entry exists for the requested key and state.
type NotFoundError struct {
	Prefix string
	Key    string
	State  string
}

func (e *NotFoundError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("cache %q has no entry for key %q", e.Prefix, e.Key)
	}
	return fmt.Sprintf("cache %q has no entry for key %q with state %q", e.Prefix, e.Key, e.State)
}

// ValidationError indicates a key or state that cannot be encoded in an entry
// name. It is returned before any I/O happens.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache %s must not contain %q, but was %q", e.Field, Separator, e.Value)
}

// Codec serializes cache artifacts of type T.
type Codec[T any] interface {
	Encode(w io.Writer, data T) error
	Decode(r io.Reader) (T, error)
}

// Cache stores artifacts of type T in a directory, one file per entry.
type Cache[T any] struct {
	dir    string
	prefix string
	suffix string
	codec  Codec[T]
}

// New creates the cache directory if needed and returns a cache writing
// entries named {prefix}-{key}-{state}{suffix}.
func New[T any](dir, prefix, suffix string, codec Codec[T]) (*Cache[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache[T]{dir: dir, prefix: prefix, suffix: suffix, codec: codec}, nil
}

// EntryPath returns the path of the entry for key and state, whether or not
// it exists.
func (c *Cache[T]) EntryPath(key, state string) string {
	return filepath.Join(c.dir, c.prefix+Separator+key+Separator+state+c.suffix)
}

// entryPaths returns the paths of all entries for key, in any state.
func (c *Cache[T]) entryPaths(key string) ([]string, error) {
	return filepath.Glob(filepath.Join(c.dir, c.prefix+Separator+key+"*"+c.suffix))
}

// Has reports whether an entry exists for key with exactly the given state.
func (c *Cache[T]) Has(key, state string) bool {
	_, err := os.Stat(c.EntryPath(key, state))
	return err == nil
}

// HasAny reports whether an entry exists for key in any state.
func (c *Cache[T]) HasAny(key string) bool {
	paths, err := c.entryPaths(key)
	return err == nil && len(paths) > 0
}

// PathAny returns the path of the entry for key, irrespective of its state.
// The uniqueness invariant guarantees at most one match.
func (c *Cache[T]) PathAny(key string) (string, error) {
	paths, err := c.entryPaths(key)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", &NotFoundError{Prefix: c.prefix, Key: key}
	}
	return paths[0], nil
}

// Load returns the artifact stored for key and state. A corrupt entry is
// surfaced as a decode error, not treated as missing.
func (c *Cache[T]) Load(key, state string) (T, error) {
	return c.read(c.EntryPath(key, state), key, state)
}

// LoadAny returns the artifact stored for key, irrespective of its state.
func (c *Cache[T]) LoadAny(key string) (T, error) {
	var zero T
	path, err := c.PathAny(key)
	if err != nil {
		return zero, err
	}
	return c.read(path, key, "")
}

// Store serializes data, removes every existing entry for key, writes the new
// entry, and returns its path. Writes go through a temp file and rename, so a
// reader never observes a partially written entry.
func (c *Cache[T]) Store(data T, key, state string) (string, error) {
	if strings.Contains(key, Separator) {
		return "", &ValidationError{Field: "key", Value: key}
	}
	if strings.Contains(state, Separator) {
		return "", &ValidationError{Field: "state", Value: state}
	}

	stale, err := c.entryPaths(key)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(c.dir, c.prefix+".tmp.*")
	if err != nil {
		return "", err
	}
	if err := c.codec.Encode(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
	}

	path := c.EntryPath(key, state)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache[T]) read(path, key, state string) (T, error) {
	var zero T
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return zero, &NotFoundError{Prefix: c.prefix, Key: key, State: state}
	}
	if err != nil {
		return zero, err
	}
	defer f.Close()

	data, err := c.codec.Decode(f)
	if err != nil {
		return zero, fmt.Errorf("decode cache entry %q: %w", path, err)
	}
	return data, nil
}
