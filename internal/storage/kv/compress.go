package kv

import (
	"context"
	"fmt"

	"github.com/pierrec/lz4"
)

// Stored values carry a one-byte frame marker so readers can tell raw
// payloads from compressed ones regardless of when the threshold changed.
const (
	frameRaw byte = 0
	frameLZ4 byte = 1
)

// compressedDB wraps a DB and LZ4-compresses values at or above a size
// threshold. Idempotency receipts are JSON and compress well; small values
// are stored raw to skip the frame overhead on the hot path.
type compressedDB struct {
	inner     DB
	threshold int
}

// WithCompression wraps db so values of at least threshold bytes are
// LZ4-compressed on write and transparently decompressed on read. A
// threshold <= 0 compresses everything.
func WithCompression(db DB, threshold int) DB {
	return &compressedDB{inner: db, threshold: threshold}
}

func (c *compressedDB) Read(ctx context.Context, key []byte) ([]byte, error) {
	stored, err := c.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeValue(stored)
}

func (c *compressedDB) Write(ctx context.Context, key, value []byte) error {
	framed, err := encodeValue(value, c.threshold)
	if err != nil {
		return err
	}
	return c.inner.Write(ctx, key, framed)
}

func (c *compressedDB) Delete(ctx context.Context, key []byte) error {
	return c.inner.Delete(ctx, key)
}

func (c *compressedDB) Batch(ctx context.Context, ops []BatchOperation) error {
	framed := make([]BatchOperation, len(ops))
	for i, op := range ops {
		framed[i] = op
		if op.Type == BatchPut {
			v, err := encodeValue(op.Value, c.threshold)
			if err != nil {
				return err
			}
			framed[i].Value = v
		}
	}
	return c.inner.Batch(ctx, framed)
}

func (c *compressedDB) Iterator(ctx context.Context, start, end []byte) (Iterator, error) {
	it, err := c.inner.Iterator(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &compressedIterator{inner: it}, nil
}

type compressedIterator struct {
	inner Iterator
	value []byte
	err   error
}

func (it *compressedIterator) Next() bool {
	if !it.inner.Next() {
		return false
	}
	v, err := decodeValue(it.inner.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.value = v
	return true
}

func (it *compressedIterator) Key() []byte { return it.inner.Key() }

func (it *compressedIterator) Value() []byte { return it.value }

func (it *compressedIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Error()
}

func (it *compressedIterator) Close() error { return it.inner.Close() }

func encodeValue(value []byte, threshold int) ([]byte, error) {
	if threshold > 0 && len(value) < threshold {
		return append([]byte{frameRaw}, value...), nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(value)))
	n, err := lz4.CompressBlock(value, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(value) {
		// Incompressible; store raw.
		return append([]byte{frameRaw}, value...), nil
	}

	framed := make([]byte, 0, n+9)
	framed = append(framed, frameLZ4)
	framed = appendUvarint(framed, uint64(len(value)))
	framed = append(framed, dst[:n]...)
	return framed, nil
}

func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return stored, nil
	}
	switch stored[0] {
	case frameRaw:
		return stored[1:], nil
	case frameLZ4:
		size, rest, err := readUvarint(stored[1:])
		if err != nil {
			return nil, err
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(rest, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown value frame %d", stored[0])
	}
}

func appendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func readUvarint(b []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i, c := range b {
		if c < 0x80 {
			return v | uint64(c)<<shift, b[i+1:], nil
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
		if shift > 63 {
			break
		}
	}
	return 0, nil, fmt.Errorf("corrupt value frame length")
}
