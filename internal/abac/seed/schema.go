// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package seed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var (
	schemaOnce sync.Once
	schemaComp *jschema.Schema
	schemaErr  error
)

// GenerateSchema generates the JSON Schema for seed pack files from the
// Pack struct. Used by the gen-schema tool and by validation.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Pack{})
	schema.ID = jsonschema.ID(SchemaID())
	schema.Title = "Gatehouse Seed Pack"
	schema.Description = "Schema for seed.yaml catalogue files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	return data, nil
}

// SchemaID returns the schema $id for seed.yaml files.
func SchemaID() string {
	return "https://gatehouse.dev/schemas/seed.schema.json"
}

// ValidateSchema validates raw seed YAML against the generated JSON Schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("seed data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling seed schema: %w", err)
	}
	if err := sch.Validate(toJSONTypes(yamlData)); err != nil {
		return fmt.Errorf("seed schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaBytes, err := GenerateSchema()
		if err != nil {
			schemaErr = err
			return
		}
		var schemaData any
		if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
			schemaErr = fmt.Errorf("parsing schema JSON: %w", err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("seed.schema.json", schemaData); err != nil {
			schemaErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		schemaComp, schemaErr = c.Compile("seed.schema.json")
	})
	return schemaComp, schemaErr
}

// toJSONTypes converts YAML-decoded values into the types the schema
// validator expects.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	default:
		return v
	}
}
