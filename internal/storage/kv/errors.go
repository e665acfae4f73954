package kv

import "errors"

var (
	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("kv store is closed")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnknownEngine is returned for an engine name no backend claims.
	ErrUnknownEngine = errors.New("unknown kv engine")

	// ErrBatchOperationFailed is returned when a batch cannot be applied.
	ErrBatchOperationFailed = errors.New("batch operation failed")
)
