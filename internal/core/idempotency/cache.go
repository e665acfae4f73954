package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// KV is the slice of the kv layer the cache needs.
type KV interface {
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error
}

// ReplayCache keeps recently committed idempotency records beside the
// engine so a retry storm replays receipts without opening a store
// transaction. Entries are rebuildable; losing the cache only costs a
// round trip to the authoritative row.
type ReplayCache struct {
	kv  KV
	now func() time.Time
}

func NewReplayCache(kv KV, now func() time.Time) *ReplayCache {
	if now == nil {
		now = time.Now
	}
	return &ReplayCache{kv: kv, now: now}
}

type cacheEntry struct {
	PayloadHash string    `json:"payload_hash"`
	ResultJSON  []byte    `json:"result_json"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cacheKey(k Key) []byte {
	return []byte("idem/" + k.ScopeHash + "/" + k.Key)
}

// Get returns the cached record or ErrNotFound. Expired entries are
// dropped on read.
func (c *ReplayCache) Get(ctx context.Context, k Key) (Record, error) {
	if c == nil || c.kv == nil {
		return Record{}, ErrNotFound
	}
	raw, err := c.kv.Read(ctx, cacheKey(k))
	if err != nil {
		return Record{}, ErrNotFound
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is a miss; the authoritative row decides.
		_ = c.kv.Delete(ctx, cacheKey(k))
		return Record{}, ErrNotFound
	}
	rec := Record{
		ScopeHash:   k.ScopeHash,
		Key:         k.Key,
		PayloadHash: e.PayloadHash,
		ResultJSON:  e.ResultJSON,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
	if rec.Expired(c.now()) {
		_ = c.kv.Delete(ctx, cacheKey(k))
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Put stores a committed record. Failures are swallowed: the cache is an
// optimization, never a source of truth.
func (c *ReplayCache) Put(ctx context.Context, rec Record) {
	if c == nil || c.kv == nil {
		return
	}
	raw, err := json.Marshal(cacheEntry{
		PayloadHash: rec.PayloadHash,
		ResultJSON:  rec.ResultJSON,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	})
	if err != nil {
		return
	}
	_ = c.kv.Write(ctx, cacheKey(Key{ScopeHash: rec.ScopeHash, Key: rec.Key}), raw)
}

// IsConflict reports whether err is the reuse-with-different-payload error,
// for boundary layers mapping to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
