package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec is the compact binary codec. The teacher's BinaryCodec
// (BX-D-mini-RPC/codec/binary_codec.go) hand-rolled a length-prefixed
// binary layout specific to its RPCMessage envelope; that envelope no
// longer exists at this layer (className now lives in the frame header,
// per spec §4.2), so the binary codec here is generalized to any payload
// type using encoding/gob — still Go-native and reflection-light compared
// to JSON, without re-deriving a bespoke framing per payload shape. No
// hessian/protostuff-equivalent library is present anywhere in the
// example pack, so encoding/gob (stdlib) is used for the binary codec
// slot — see DESIGN.md.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
