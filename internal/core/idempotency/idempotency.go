// Package idempotency gives every posting command exactly-once semantics
// per (initiator, txn_type, key). The authoritative record is a row written
// inside the posting transaction; this package defines the record, its
// conflict rules, and a KV-backed replay cache for the hot path.
package idempotency

import (
	"errors"
	"time"

	"github.com/kobopay/kobod/internal/core/hashing"
)

// DefaultTTL is how long a record shields its key, absent configuration.
const DefaultTTL = 24 * time.Hour

var (
	// ErrConflict is returned when a key is reused with a different
	// payload. The original record is never overwritten.
	ErrConflict = errors.New("idempotency key reused with a different payload")

	// ErrNotFound is returned by lookups with no live record.
	ErrNotFound = errors.New("idempotency record not found")
)

// Key addresses one record. ScopeHash partitions the key space so two
// initiators (or two txn types) can never collide on the same client key.
type Key struct {
	ScopeHash string
	Key       string
}

// NewKey fingerprints the (initiator, txnType, idempotencyKey) triple.
func NewKey(initiatorActorID, txnType, idempotencyKey string) Key {
	return Key{
		ScopeHash: hashing.ScopeHash(initiatorActorID, txnType, idempotencyKey),
		Key:       idempotencyKey,
	}
}

// Record is immutable after first write.
type Record struct {
	ScopeHash   string
	Key         string
	PayloadHash string
	ResultJSON  []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record no longer shields its key.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Check compares an incoming payload hash against a stored record: a match
// means replay (return the stored result), a mismatch is a conflict.
func (r Record) Check(payloadHash string) error {
	if r.PayloadHash != payloadHash {
		return ErrConflict
	}
	return nil
}
