// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package extension

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// GenerateManifestSchema generates a JSON Schema for the extension manifest
// as declared in the package metadata marker field.
func GenerateManifestSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(ManifestSchemaID())
	schema.Title = "Ragdoll Extension Manifest"
	schema.Description = "Schema for the " + MarkerField + " package metadata field"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ManifestSchemaID returns the schema $id for manifest documents.
func ManifestSchemaID() string {
	return "https://ragdoll.vokality.com/schemas/extension.schema.json"
}

// CompileToolSchema compiles a tool's declared argument schema. A nil
// schema compiles to nil, meaning any arguments validate.
func CompileToolSchema(tool Tool) (*jschema.Schema, error) {
	if tool.Schema == nil {
		return nil, nil
	}

	// Round-trip through JSON so the compiler sees only JSON-native types.
	raw, err := json.Marshal(tool.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
	}

	c := jschema.NewCompiler()
	resource := "tool:" + tool.Name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	return compiled, nil
}

// validateArgs checks tool arguments against a compiled schema without
// executing the tool.
func validateArgs(compiled *jschema.Schema, args map[string]any) error {
	if compiled == nil {
		return nil
	}

	doc := toJSONTypes(args)
	if doc == nil {
		doc = map[string]any{}
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	return nil
}

// toJSONTypes converts arbitrary argument values to JSON-native types so
// schema validation behaves identically to validating a decoded document.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = toJSONTypes(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = toJSONTypes(item)
		}
		return result
	case string, bool, nil, float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}
