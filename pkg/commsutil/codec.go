package commsutil

import (
	"io"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// EncodeTo writes the JSON encoding of v to w.
func EncodeTo(w io.Writer, v any) error {
	return codec.NewEncoder(w).Encode(v)
}
