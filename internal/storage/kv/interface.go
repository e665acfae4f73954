// Package kv is the embedded key-value layer used beside the relational
// store: the idempotency replay cache and the outbox dispatch cursor live
// here. The relational store stays authoritative; everything in this layer
// is rebuildable from it.
package kv

import (
	"context"
)

// DB is the surface every engine must provide.
type DB interface {
	// Read returns the value for key, or ErrKeyNotFound.
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Batch applies ops atomically.
	Batch(ctx context.Context, ops []BatchOperation) error

	// Iterator walks keys in [start, end); a nil start begins at the first
	// key and a nil end runs to the last.
	Iterator(ctx context.Context, start, end []byte) (Iterator, error)
}

// Iterator traverses entries in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BatchOperation is a single put or delete inside a Batch.
type BatchOperation struct {
	Type  BatchOpType
	Key   []byte
	Value []byte
}

type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)

// Manager owns engine handles, one named database per concern.
type Manager interface {
	OpenDB(name string) (DB, error)
	CloseDB(name string) error
	Close() error
}
