package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// ZeroHash anchors the first journal of every currency chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SHA256Hex returns the lowercase hex encoding of sha256(b).
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ScopeHash fingerprints (initiator, txn_type, idempotency_key) so that
// different initiators or transaction types can never collide on the same
// idempotency key. The triple is hashed in canonical-array form, which is
// unambiguous under any field contents.
func ScopeHash(initiatorActorID, txnType, idempotencyKey string) string {
	b, err := Canonical([3]string{initiatorActorID, txnType, idempotencyKey})
	if err != nil {
		// A fixed-size string array cannot fail canonical encoding.
		panic(err)
	}
	return SHA256Hex(b)
}

// PayloadHash hashes the canonical form of v. Two payloads that differ only
// in key order or whitespace hash identically; any semantic difference does
// not.
func PayloadHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}
