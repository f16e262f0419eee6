// Package serialize implements the request/response body (de)serializer
// registry keyed by MIME type (§4.1). The registry is a plain map rather
// than a class hierarchy, mirroring the §9 guidance to flatten polymorphic
// dispatch into data wherever the spec doesn't require real behavioral
// polymorphism.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pquentin/elastic-transport-go/transporterr"
)

// Serializer converts a structured Go value to/from its wire
// representation for one MIME type.
type Serializer interface {
	// Serialize encodes v to bytes.
	Serialize(v any) ([]byte, error)
	// Deserialize decodes data into a new value. The concrete type
	// returned depends on the serializer (JSONSerializer returns
	// map[string]any/[]any/etc. unless the caller unmarshals further).
	Deserialize(data []byte) (any, error)
}

// Registry maps MIME type to Serializer, with a default entry for
// unregistered "text/*" types.
type Registry struct {
	byType map[string]Serializer
}

// NewRegistry returns a Registry pre-populated with the default
// serializers (§4.1): application/json, application/x-ndjson, text/*.
// Entries in overrides replace or extend the defaults.
func NewRegistry(overrides map[string]Serializer) *Registry {
	r := &Registry{byType: map[string]Serializer{
		"application/json":     JSONSerializer{},
		"application/x-ndjson": NDJSONSerializer{},
		"text/plain":           TextSerializer{},
	}}
	for k, v := range overrides {
		r.byType[k] = v
	}
	return r
}

// ForMimeType resolves the serializer for mimeType. "text/*" falls back
// to TextSerializer for any text subtype that has no explicit entry.
// Returns a ValidationError if nothing matches (§4.1: "Fails with a
// configuration error if missing").
func (r *Registry) ForMimeType(mimeType string) (Serializer, error) {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(base)

	if s, ok := r.byType[base]; ok {
		return s, nil
	}
	if strings.HasPrefix(base, "text/") {
		return TextSerializer{}, nil
	}
	return nil, transporterr.NewValidationError(fmt.Sprintf("no serializer registered for mimetype %q", mimeType))
}

// JSONSerializer implements application/json.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, transporterr.NewSerializationError("json encode", err)
	}
	return data, nil
}

func (JSONSerializer) Deserialize(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, transporterr.NewSerializationError("json decode", err)
	}
	return v, nil
}

// NDJSONSerializer implements application/x-ndjson: one JSON value per
// line, serialized/deserialized as a slice of values.
type NDJSONSerializer struct{}

func (NDJSONSerializer) Serialize(v any) ([]byte, error) {
	items, ok := v.([]any)
	if !ok {
		// Allow a single value too, for symmetry with Deserialize always
		// returning a slice.
		items = []any{v}
	}
	var buf bytes.Buffer
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, transporterr.NewSerializationError("ndjson encode", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (NDJSONSerializer) Deserialize(data []byte) (any, error) {
	if len(data) == 0 {
		return []any{}, nil
	}
	var out []any
	for _, line := range bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, transporterr.NewSerializationError("ndjson decode", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// TextSerializer implements text/* : the value must already be a string
// or []byte; deserialization always returns a string.
type TextSerializer struct{}

func (TextSerializer) Serialize(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return nil, transporterr.NewSerializationError(
			fmt.Sprintf("text serializer cannot encode %T", v), nil)
	}
}

func (TextSerializer) Deserialize(data []byte) (any, error) {
	return string(data), nil
}
