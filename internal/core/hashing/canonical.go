// Package hashing provides the canonical-form and digest primitives the
// idempotency layer and the journal chain are built on. Everything here is
// pure: no I/O, no shared state.
package hashing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonical renders v as canonical JSON: object keys sorted
// lexicographically at every depth, integers emitted exactly as written,
// no insignificant whitespace, no HTML escaping, no scientific notation.
//
// v may be any JSON-marshalable Go value, a []byte / json.RawMessage
// containing JSON, or a tree of map[string]any / []any / json.Number.
// Numbers are never round-tripped through float64, so int64 minor units
// survive intact.
func Canonical(v any) ([]byte, error) {
	node, err := toNode(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toNode normalizes v into the generic JSON tree canonical emission walks.
// Raw JSON input is decoded with UseNumber so numeric text is preserved;
// arbitrary Go values are marshaled first (json.Marshal writes integers
// exactly) and then decoded the same way.
func toNode(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return node, nil
}

func writeCanonical(buf *bytes.Buffer, node any) error {
	switch t := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(normalizeNumber(t))
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported node type %T", node)
	}
	return nil
}

// normalizeNumber strips scientific notation. Integer text passes through
// untouched; exponent forms are re-rendered in plain decimal.
func normalizeNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, "eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// writeString emits a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b := tmp.Bytes()
	// Encode appends a newline.
	buf.Write(b[:len(b)-1])
	return nil
}
