package skill

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles a JSON Schema given as a decoded map.
// Used to reject invalid schemas at create/update time and to
// validate run inputs before execution.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, fmt.Errorf("skill: nil schema")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("skill: marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("skill: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema.json", parsed); err != nil {
		return nil, fmt.Errorf("skill: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("inline://schema.json")
	if err != nil {
		return nil, fmt.Errorf("skill: compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateInputs checks run inputs against a skill's inputs_schema.
func ValidateInputs(inputsSchema map[string]any, inputs map[string]any) error {
	compiled, err := CompileSchema(inputsSchema)
	if err != nil {
		return err
	}
	// round-trip so validation sees plain decoded-JSON types
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("skill: marshal inputs: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("skill: decode inputs: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("skill: inputs do not match inputs_schema: %w", err)
	}
	return nil
}
