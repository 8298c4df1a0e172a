// Package tool – schema.go validates tool-call arguments against the tool's
// declared JSON schema before execution. Schema violations are surfaced as
// validation_error tool results, never as Go errors escaping the dispatch
// path.
package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateArgs checks parsed arguments against a tool's parameter schema.
// A nil or empty schema accepts anything.
func ValidateArgs(name string, schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()

	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("invalid JSON schema for tool %q: %w", name, err)
	}
	if err := compiler.AddResource("tool-schema.json", schemaDoc); err != nil {
		return fmt.Errorf("invalid JSON schema for tool %q: %w", name, err)
	}

	compiled, err := compiler.Compile("tool-schema.json")
	if err != nil {
		return fmt.Errorf("compiling JSON schema for tool %q: %w", name, err)
	}

	// The schema library validates generic values, so round-trip the map
	// through JSON to normalize numeric types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling arguments for tool %q: %w", name, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("unmarshaling arguments for tool %q: %w", name, err)
	}

	if err := compiled.Validate(value); err != nil {
		return &Error{Kind: ErrValidation, Message: err.Error(), Retryable: false}
	}
	return nil
}

// ObjectSchema builds a JSON-schema object definition from property
// definitions and a required list. Convenience for built-in tools.
func ObjectSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}
