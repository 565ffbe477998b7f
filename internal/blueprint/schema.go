package blueprint

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
)

// implicitParamsSchema applies to agent blueprints that declare no
// parameters_schema, and to every resume run.
const implicitParamsSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string"}
	}
}`

// ValidateParams checks parameters against a JSON-Schema. An empty schema
// selects the implicit prompt-only schema.
func ValidateParams(schema json.RawMessage, params map[string]any) error {
	if len(schema) == 0 {
		schema = json.RawMessage(implicitParamsSchema)
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numeric types match what the validator
	// expects regardless of how the parameters were constructed.
	payload := map[string]any{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode parameters: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("failed to decode parameters: %w", err)
		}
	}

	if err := compiled.Validate(any(payload)); err != nil {
		return apperr.Newf(apperr.KindValidation, "parameters failed schema validation: %v", err)
	}
	return nil
}

// ValidateImplicitParams checks parameters against the implicit
// prompt-only schema, the contract for every resume run.
func ValidateImplicitParams(params map[string]any) error {
	return ValidateParams(nil, params)
}

// ValidateBlueprintParams checks run parameters against the blueprint's
// declared schema. An agent blueprint without one falls back to the
// implicit prompt contract; a deterministic blueprint without one accepts
// any parameters, since tasks need no prompt.
func ValidateBlueprintParams(bp *Blueprint, params map[string]any) error {
	if len(bp.ParametersSchema) == 0 && bp.Type == TypeDeterministic {
		return nil
	}
	return ValidateParams(bp.ParametersSchema, params)
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "malformed JSON-Schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "invalid JSON-Schema: %v", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "invalid JSON-Schema: %v", err)
	}
	return compiled, nil
}
