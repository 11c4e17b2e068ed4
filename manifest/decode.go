package manifest

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var (
	ErrInvalid = errors.New("manifest: invalid document")

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schema, schemaErr = compiler.Compile(schemaJSON)
	})
	return schema, schemaErr
}

// Decode validates data against the manifest schema and unmarshals it.
// Paths are kept exactly as the server listed them; rooting them is the
// cache store's business.
func Decode(data []byte) (*Manifest, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if res := s.ValidateJSON(data); !res.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, res.Errors)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalid)
	}
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	return &m, nil
}

// Encode is the inverse of Decode.
func Encode(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalid)
	}
	return json.Marshal(m)
}
