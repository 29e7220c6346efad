// Package kv persists whole-state documents. Each document is read and
// rewritten in full; there are no partial updates.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrCorrupt is returned when a stored document cannot be decoded.
// Callers treat it like a missing document and fall back to defaults.
var ErrCorrupt = errors.New("kv: corrupt document")

// Document is a single named value that is loaded and saved wholesale.
// Load returns the zero value and a nil error when nothing is stored yet.
type Document[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, v T) error
}

// Backend opens documents by name.
type Backend interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Close() error
}

// ErrNotFound is returned by a Backend when the named document does not exist.
var ErrNotFound = errors.New("kv: not found")

type doc[T any] struct {
	backend Backend
	name    string
	codec   Codec[T]
}

// Open binds a named document on backend using the JSON codec.
func Open[T any](backend Backend, name string) Document[T] {
	return &doc[T]{backend: backend, name: name, codec: JSONCodec[T]{}}
}

func (d *doc[T]) Load(ctx context.Context) (T, error) {
	var zero T
	data, err := d.backend.Get(ctx, d.name)
	if errors.Is(err, ErrNotFound) {
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("load %s: %w", d.name, err)
	}
	if len(data) == 0 {
		return zero, nil
	}
	v, err := d.codec.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrCorrupt, d.name, err)
	}
	return v, nil
}

func (d *doc[T]) Save(ctx context.Context, v T) error {
	data, err := d.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.name, err)
	}
	if err := d.backend.Put(ctx, d.name, data); err != nil {
		return fmt.Errorf("save %s: %w", d.name, err)
	}
	return nil
}
