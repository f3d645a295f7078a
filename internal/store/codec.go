package store

import (
	"bytes"
	"encoding/gob"
)

// encodeValue gob-encodes v. Callers must ensure values are gob-encodable;
// map[string]any and []any are registered by pkg/api.
func encodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue decodes a gob payload into T. Empty payloads decode to the
// zero value.
func decodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
