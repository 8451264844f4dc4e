// Package encoding serializes lock segment snapshots and admin responses with msgpack.
// Every msgpack operation goes through this package so encoder options stay consistent.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"fmt"
	"io"

	"github.com/maxpert/rowlock/segment"
	"github.com/vmihailenco/msgpack/v5"
)

// ContentType is the media type of msgpack payloads
const ContentType = "application/msgpack"

// Marshal encodes a value to msgpack.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. Strings decode as Go strings when the target is an
// interface.
func Unmarshal(data []byte, v any) error {
	return newDecoder(bytes.NewReader(data)).Decode(v)
}

// WriteSnapshot streams snap to w.
func WriteSnapshot(w io.Writer, snap *segment.Snapshot) error {
	if err := newEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*segment.Snapshot, error) {
	snap := &segment.Snapshot{}
	if err := newDecoder(r).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func newEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	// struct tags name the fields; json tags are the fallback for types without msgpack tags
	enc.SetCustomStructTag("json")
	return enc
}

func newDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec
}
