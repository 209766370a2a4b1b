package kvstore

import (
	"encoding/json"
	"fmt"
)

// Encoding selects how values are serialized in a table.
type Encoding string

// Supported encodings.
const (
	EncodingRaw    Encoding = "raw"
	EncodingString Encoding = "string"
	EncodingJSON   Encoding = "json"
)

func (e Encoding) valid() bool {
	switch e {
	case EncodingRaw, EncodingString, EncodingJSON:
		return true
	}
	return false
}

// Encode serializes v. Raw accepts []byte, string accepts string, JSON accepts
// anything encoding/json can marshal.
func Encode(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("raw encoding needs []byte, got %T", v)
		}
		return b, nil
	case EncodingString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("string encoding needs string, got %T", v)
		}
		return []byte(s), nil
	case EncodingJSON:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("unknown encoding %q", enc)
}

// Decode deserializes data into dst, which must be a pointer.
func Decode(enc Encoding, data []byte, dst any) error {
	switch enc {
	case EncodingRaw:
		p, ok := dst.(*[]byte)
		if !ok {
			return fmt.Errorf("raw encoding needs *[]byte, got %T", dst)
		}
		*p = append([]byte(nil), data...)
		return nil
	case EncodingString:
		p, ok := dst.(*string)
		if !ok {
			return fmt.Errorf("string encoding needs *string, got %T", dst)
		}
		*p = string(data)
		return nil
	case EncodingJSON:
		return json.Unmarshal(data, dst)
	}
	return fmt.Errorf("unknown encoding %q", enc)
}
