package codec

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a structured value to its stored byte form. Map keys are
// emitted in sorted order, so equal values produce equal bytes and collapse
// to one const artifact.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes stored bytes into a generic value (maps, slices,
// strings, float64 numbers, bools, nil).
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return v, nil
}

// DecodeInto deserializes stored bytes into a caller-provided shape.
func DecodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}
