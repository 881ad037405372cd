// Package schema validates a JSON payload against a JSON Schema document,
// grounded on the pack's _examples/goadesign-goa-ai/registry/service.go
// validatePayloadJSONAgainstSchema helper: compile the schema as an
// in-memory resource, then validate the decoded payload against it.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks payload against schemaBytes, a JSON Schema document. A nil
// or empty schema is treated as "no constraint" and always passes; an empty
// payload against a non-empty schema is also treated as "nothing to check
// yet" so callers that validate before a value is ever produced (e.g. an
// optional run output) don't fail spuriously.
func Validate(schemaBytes, payload json.RawMessage) error {
	if len(schemaBytes) == 0 || len(payload) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(payloadDoc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
