// Package pin hashes and verifies customer PINs with argon2id. Hashes are
// stored in PHC string form so parameters can be raised later without
// invalidating existing rows; verification derives with the parameters the
// stored hash carries.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are the argon2id cost settings used for new hashes.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams follows the RFC 9106 low-memory recommendation; PINs are
// short, so the KDF cost is the whole defense.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

var (
	// ErrMismatch is returned when the PIN does not match the stored hash.
	ErrMismatch = errors.New("pin: mismatch")

	// ErrMalformedHash is returned when a stored hash cannot be parsed.
	ErrMalformedHash = errors.New("pin: malformed hash")
)

// Hasher derives and checks PIN hashes. The pepper is a server-side secret
// (PIN_PEPPER) mixed into every derivation, so a copied database alone is
// not enough to brute-force the short PIN space.
type Hasher struct {
	pepper []byte
	params Params
}

// NewHasher builds a hasher with the given pepper and params. A zero-value
// Params falls back to DefaultParams.
func NewHasher(pepper string, params Params) *Hasher {
	if params.Memory == 0 {
		params = DefaultParams()
	}
	return &Hasher{pepper: []byte(pepper), params: params}
}

// Hash derives a PHC-formatted argon2id hash for the PIN.
func (h *Hasher) Hash(pinCode string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("pin: salt: %w", err)
	}
	m := h.material(pinCode)
	key := argon2.IDKey(m, salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	wipe(m)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify checks a PIN against a stored hash. It returns nil on match,
// ErrMismatch on a wrong PIN, and ErrMalformedHash when the stored value is
// not a parseable argon2id string.
func (h *Hasher) Verify(pinCode, encoded string) error {
	params, salt, key, err := decode(encoded)
	if err != nil {
		return err
	}
	m := h.material(pinCode)
	derived := argon2.IDKey(m, salt,
		params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	wipe(m)
	ok := subtle.ConstantTimeCompare(derived, key) == 1
	wipe(derived)
	if !ok {
		return ErrMismatch
	}
	return nil
}

// material prefixes the PIN with the pepper. Argon2 keys on the whole input,
// so concatenation is sufficient.
func (h *Hasher) material(pinCode string) []byte {
	m := make([]byte, 0, len(h.pepper)+len(pinCode))
	m = append(m, h.pepper...)
	m = append(m, pinCode...)
	return m
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrMalformedHash
	}
	return p, salt, key, nil
}
