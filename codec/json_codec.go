package codec

import (
	"encoding/json"
)

// JSONCodec is the human-readable default: easy to inspect on the wire at
// the cost of reflection overhead and repeated field names per message.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
