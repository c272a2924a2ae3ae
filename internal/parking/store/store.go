package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound    = errors.New("store: path not found")
	ErrInvalidPath = errors.New("store: invalid path")
	ErrConflict    = errors.New("store: conditional write conflict")
	ErrUnsupported = errors.New("store: operation not supported by backend")
)

// Store is a key-path document store with last-write-wins semantics.
// Paths are slash separated ("parking_spots/slot_3/occupied"). Reading a
// parent path assembles its subtree; writing null or an empty object
// deletes.
type Store interface {
	Read(ctx context.Context, path string) (json.RawMessage, error)
	Write(ctx context.Context, path string, v any) error
	// Update writes each field relative to path as one logical update.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Append adds v under a new time-ordered child key of path.
	Append(ctx context.Context, path string, v any) (string, error)
	// Subscribe emits the value at path now and after every change until
	// ctx is done. Absent values are sent as JSON null.
	Subscribe(ctx context.Context, path string) (<-chan json.RawMessage, error)
}

// TxnFunc receives the current value at a path (nil when absent) and
// returns the value to store. Returning an error aborts without writing.
type TxnFunc func(current json.RawMessage) (any, error)

// Transactor is implemented by backends that can apply a read-modify-write
// to one path atomically with respect to other writers.
type Transactor interface {
	Transact(ctx context.Context, path string, fn TxnFunc) error
}

// Null is the encoding of an absent value in subscriptions.
var Null = json.RawMessage("null")

// IsNotFound reports whether err means the path holds no value.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
