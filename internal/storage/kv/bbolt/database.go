// Package bbolt backs the kv layer with a single-file B+tree store. Useful
// where operations want one flat file per concern instead of an LSM
// directory.
package bbolt

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/kobopay/kobod/internal/storage/kv"
)

func init() {
	kv.RegisterEngine(kv.EngineBBolt, func(dir string) kv.Manager {
		return NewManager(dir)
	})
}

// defaultBucket holds all keys; the manager maps concerns to files, not
// buckets, so iteration stays a simple cursor walk.
var defaultBucket = []byte("kobod")

type DB struct {
	db *bbolt.DB
}

func NewDB(db *bbolt.DB) *DB {
	return &DB{db: db}
}

func (b *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	if b.db == nil {
		return nil, kv.ErrDBClosed
	}

	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(defaultBucket)
		if bucket == nil {
			return kv.ErrKeyNotFound
		}
		v := bucket.Get(key)
		if v == nil {
			return kv.ErrKeyNotFound
		}
		// bbolt values are only valid inside the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *DB) Write(ctx context.Context, key, value []byte) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(defaultBucket)
		if err != nil {
			return err
		}
		return bucket.Put(key, value)
	})
}

func (b *DB) Delete(ctx context.Context, key []byte) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(defaultBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key)
	})
}

func (b *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(defaultBucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			switch op.Type {
			case kv.BatchPut:
				err = bucket.Put(op.Key, op.Value)
			case kv.BatchDelete:
				err = bucket.Delete(op.Key)
			default:
				return fmt.Errorf("%w: unknown op type %d", kv.ErrBatchOperationFailed, op.Type)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterator snapshots the [start, end) range up front. Ranges here are
// cursor-sized (outbox drain batches), so the copy stays small and the
// read transaction never outlives the call.
func (b *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	if b.db == nil {
		return nil, kv.ErrDBClosed
	}

	var pairs [][2][]byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(defaultBucket)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()

		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			pairs = append(pairs, [2][]byte{
				append([]byte(nil), k...),
				append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &iterator{pairs: pairs, idx: -1}, nil
}

type iterator struct {
	pairs [][2][]byte
	idx   int
}

func (it *iterator) Next() bool {
	if it.idx+1 >= len(it.pairs) {
		return false
	}
	it.idx++
	return true
}

func (it *iterator) Key() []byte   { return it.pairs[it.idx][0] }
func (it *iterator) Value() []byte { return it.pairs[it.idx][1] }
func (it *iterator) Error() error  { return nil }
func (it *iterator) Close() error  { return nil }
