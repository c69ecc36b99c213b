// Package convert translates JSON request bodies to and from protobuf Struct envelopes.
package convert

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct wraps a JSON object body. An empty body becomes an empty Struct.
func ToStruct(body []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if len(body) == 0 {
		return s, nil
	}
	if err := protojson.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("body to struct: %w", err)
	}
	return s, nil
}

// FromStruct renders s as a JSON object. A nil Struct renders as "{}".
func FromStruct(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("struct to body: %w", err)
	}
	return b, nil
}

// Encode marshals v as JSON and wraps it.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ToStruct(b)
}

// Decode unwraps s into v.
func Decode(s *structpb.Struct, v any) error {
	b, err := FromStruct(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
