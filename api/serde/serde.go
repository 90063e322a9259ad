// Package serde wraps the codec library with the JSON encoding settings
// used across the framework for diagnostics and event payloads.
package serde

import "github.com/ugorji/go/codec"

var jsonHandle = func() *codec.JsonHandle {
	var handle codec.JsonHandle
	handle.Canonical = true

	return &handle
}()

// MarshalJson marshals the provided value to JSON.
func MarshalJson(v any) ([]byte, error) {
	var data []byte

	if err := codec.NewEncoderBytes(&data, jsonHandle).Encode(v); err != nil {
		return nil, err
	}

	return data, nil
}

// UnmarshalJson unmarshals the provided JSON data into 'v'.
func UnmarshalJson(data []byte, v any) error {
	return codec.NewDecoderBytes(data, jsonHandle).Decode(v)
}
