package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/r3e-network/taskengine/internal/errs"
)

// validateAgainstSchema checks data against a JSON Schema document, used
// for both the request's input_schema and a script's returned
// output_schema. A nil/empty schema is treated as "no constraint" and
// always passes. When data does not match, the returned error is a
// *ScriptError with Kind errs.KindValidationError whose message names the
// offending property so callers can record it on Execution.ErrorMessage
// verbatim; a schema document that fails to compile yields a
// *ScriptError with Kind errs.KindConfigurationError instead.
func validateAgainstSchema(rawSchema json.RawMessage, data map[string]any, label string) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s.json", label)
	if err := compiler.AddResource(resource, bytes.NewReader(rawSchema)); err != nil {
		return &ScriptError{Kind: errs.KindConfigurationError, Message: fmt.Sprintf("%s: invalid schema: %v", label, err), Cause: err}
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return &ScriptError{Kind: errs.KindConfigurationError, Message: fmt.Sprintf("%s: invalid schema: %v", label, err), Cause: err}
	}

	// Round-trip through JSON so Go-native values (ints, structs) take
	// the same shape the validator expects from an unmarshalled document.
	normalized, err := normalizeForValidation(data)
	if err != nil {
		return &ScriptError{Kind: errs.KindValidationError, Message: fmt.Sprintf("%s: %v", label, err), Cause: err}
	}

	if err := schema.Validate(normalized); err != nil {
		return &ScriptError{Kind: errs.KindValidationError, Message: fmt.Sprintf("%s: %v", label, err), Cause: err}
	}
	return nil
}

func normalizeForValidation(data map[string]any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", data, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return normalized, nil
}
