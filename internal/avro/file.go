package avro

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ReadSchemas decodes every schema in a YAML stream. Each document is either
// a single schema or a list of schemas. JSON documents are valid YAML.
func ReadSchemas(r io.Reader) ([]Schema, error) {
	dec := yaml.NewDecoder(r)
	var out []Schema
	for {
		var doc any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("failed to decode schema: %w", err)
		}
		switch v := doc.(type) {
		case nil:
		case []any:
			out = append(out, v...)
		default:
			out = append(out, v)
		}
	}
}

// LoadSchemaFile reads the schemas in path and defines them in order.
func (r *Registry) LoadSchemaFile(path string) ([]Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	schemas, err := ReadSchemas(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	types := make([]Type, 0, len(schemas))
	for _, s := range schemas {
		t, err := r.Define(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		types = append(types, t)
	}
	return types, nil
}
