// Package metadata serializes transaction metadata to the bytes that are
// digested into a compressed transaction.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnsupportedValue indicates a metadata value that cannot be serialized.
	ErrUnsupportedValue = errors.New("metadata: unsupported value")

	// ErrSchemaViolation indicates metadata that does not satisfy the configured schema.
	ErrSchemaViolation = errors.New("metadata: schema violation")
)

// Encoder turns an arbitrary metadata value into deterministic bytes.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// JSONEncoder encodes metadata as compact JSON. Map keys are sorted and HTML
// characters are not escaped, so equal values always produce equal bytes.
type JSONEncoder struct{}

// Encode implements Encoder.
func (JSONEncoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SchemaEncoder encodes like JSONEncoder and then validates the result
// against a JSON Schema.
type SchemaEncoder struct {
	schema *jsonschema.Schema
}

// NewSchemaEncoder compiles schema source identified by url.
func NewSchemaEncoder(url string, schema []byte) (*SchemaEncoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("metadata: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("metadata: compile schema: %w", err)
	}
	return &SchemaEncoder{schema: compiled}, nil
}

// LoadSchemaEncoder reads and compiles a schema file.
func LoadSchemaEncoder(path string) (*SchemaEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read schema: %w", err)
	}
	return NewSchemaEncoder(path, data)
}

// Encode implements Encoder.
func (e *SchemaEncoder) Encode(v any) ([]byte, error) {
	data, err := JSONEncoder{}.Encode(v)
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	if err := e.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return data, nil
}

// New returns a SchemaEncoder when schemaPath is set and a JSONEncoder otherwise.
func New(schemaPath string) (Encoder, error) {
	if schemaPath == "" {
		return JSONEncoder{}, nil
	}
	return LoadSchemaEncoder(schemaPath)
}
