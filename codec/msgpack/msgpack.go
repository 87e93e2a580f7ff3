// Package msgpack is the default codec.Codec implementation, backed by
// github.com/hashicorp/go-msgpack/codec (the same msgpack binding the
// pack's boxcast-serf RPC client uses over its session transport).
package msgpack

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// Codec implements codec.Codec using msgpack. The zero value is ready to
// use.
type Codec struct{}

// handle configures RawToString=false so that msgpack `bin` values decode
// as []byte rather than being coerced to string, preserving the bin/str
// distinction the ATTP wire format requires (spec §6.3).
func handle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = false
	h.WriteExt = true
	return h
}

// Marshal encodes v as msgpack.
func (Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle())
	return dec.Decode(v)
}

// New returns a ready-to-use msgpack Codec.
func New() Codec {
	return Codec{}
}
