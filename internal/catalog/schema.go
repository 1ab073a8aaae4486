package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "fuse/internal/errors"
)

// Schema is a compiled JSON schema guarding an action or reaction config.
// The zero value of *Schema (nil) accepts any config.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a schema document. An empty document yields a nil
// Schema.
func CompileSchema(name string, doc map[string]any) (*Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Validate checks a config document against the schema. Violations come back
// as InvalidConfigError so callers treat them as permanent.
func (s *Schema) Validate(config map[string]any) error {
	if s == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	instance, err := normalizeJSON(config)
	if err != nil {
		return apperrors.NewInvalidConfigError(err, s.name)
	}
	if err := s.compiled.Validate(instance); err != nil {
		return apperrors.NewInvalidConfigError(err, s.name)
	}
	return nil
}

// normalizeJSON round-trips a value through encoding/json so validation sees
// plain JSON types regardless of whether the value came from YAML, JSONB or
// a request body.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
