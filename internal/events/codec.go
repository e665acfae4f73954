package events

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// wireHandle is the msgpack configuration shared by every encode/decode.
// Canonical keeps field order stable so the same event always serializes to
// the same bytes.
var wireHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	h.WriteExt = true
	return h
}()

// Marshal encodes an event for the wire.
func Marshal(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("events: marshal nil event")
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, wireHandle).Encode(ev); err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", ev.ID, err)
	}
	return out, nil
}

// Unmarshal decodes a wire event.
func Unmarshal(data []byte) (*Event, error) {
	var ev Event
	if err := codec.NewDecoderBytes(data, wireHandle).Decode(&ev); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return &ev, nil
}
