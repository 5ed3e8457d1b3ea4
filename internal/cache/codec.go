package cache

import (
	"encoding/gob"
	"io"
)

// GobCodec serializes artifacts of any gob-encodable type.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(w io.Writer, data T) error {
	return gob.NewEncoder(w).Encode(data)
}

func (GobCodec[T]) Decode(r io.Reader) (T, error) {
	var data T
	err := gob.NewDecoder(r).Decode(&data)
	return data, err
}

// RawCodec stores byte slices verbatim. Used for image artifacts whose bytes
// are produced by an image encoder elsewhere.
type RawCodec struct{}

func (RawCodec) Encode(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

func (RawCodec) Decode(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
