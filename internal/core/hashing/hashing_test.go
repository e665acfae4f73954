package hashing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeysRecursively(t *testing.T) {
	in := []byte(`{"b":1,"a":{"z":true,"m":[{"y":2,"x":1}]}}`)
	out, err := Canonical(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":[{"x":1,"y":2}],"z":true},"b":1}`, string(out))
}

func TestCanonicalPreservesLargeIntegers(t *testing.T) {
	// 2^63-1 would be corrupted by a float64 round trip.
	in := []byte(`{"amount_minor":9223372036854775807}`)
	out, err := Canonical(in)
	require.NoError(t, err)
	assert.Equal(t, `{"amount_minor":9223372036854775807}`, string(out))
}

func TestCanonicalStructInput(t *testing.T) {
	type header struct {
		TxnType  string `json:"txn_type"`
		Currency string `json:"currency"`
		Amount   int64  `json:"amount_minor"`
	}
	out, err := Canonical(header{TxnType: "P2P", Currency: "BBD", Amount: 2500})
	require.NoError(t, err)
	assert.Equal(t, `{"amount_minor":2500,"currency":"BBD","txn_type":"P2P"}`, string(out))
}

func TestCanonicalNoScientificNotation(t *testing.T) {
	out, err := Canonical([]byte(`{"v":1e2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"v":100}`, string(out))
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]any{"desc": "a<b & c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"desc":"a<b & c>d"}`, string(out))
}

func TestCanonicalEquivalentPayloadsHashEqual(t *testing.T) {
	a := json.RawMessage(`{"amount":"25.00", "currency":"BBD"}`)
	b := json.RawMessage(`{"currency":"BBD","amount":"25.00"}`)

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	hc, err := PayloadHash(json.RawMessage(`{"amount":"25.01","currency":"BBD"}`))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestSHA256Hex(t *testing.T) {
	// Known vector for the empty input.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
	assert.Len(t, ZeroHash, 64)
}

func TestScopeHashPartitionsKeySpace(t *testing.T) {
	base := ScopeHash("actor-1", "P2P", "k1")
	assert.Len(t, base, 64)
	assert.Equal(t, base, ScopeHash("actor-1", "P2P", "k1"))

	assert.NotEqual(t, base, ScopeHash("actor-2", "P2P", "k1"))
	assert.NotEqual(t, base, ScopeHash("actor-1", "B2B", "k1"))
	assert.NotEqual(t, base, ScopeHash("actor-1", "P2P", "k2"))

	// Field boundaries must not be ambiguous.
	assert.NotEqual(t, ScopeHash("a", "bc", "d"), ScopeHash("ab", "c", "d"))
}
