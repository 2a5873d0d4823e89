package gateway

import "encoding/json"

// DecodeInto unmarshals a response body into v. Malformed payloads are
// reported as parse errors so callers can distinguish them from
// transport failures.
func DecodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Kind: KindParse, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// Decode is the typed convenience wrapper around DecodeInto.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := DecodeInto(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
