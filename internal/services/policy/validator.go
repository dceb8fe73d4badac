package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
)

// DocumentSchema is the JSON Schema (draft 7) of a policy document.
const DocumentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "allowed_operations": {
      "type": "array",
      "uniqueItems": true,
      "items": {"type": "string", "minLength": 1}
    },
    "allowed_categories": {
      "type": "array",
      "uniqueItems": true,
      "items": {"type": "string", "enum": ["read", "write"]}
    }
  }
}`

// Validator checks submitted policy documents before they are stored. It is
// safe for concurrent use.
type Validator struct {
	registry *Registry
	schema   *jsonschema.Schema
}

// NewValidator compiles DocumentSchema once for the lifetime of the validator.
func NewValidator(registry *Registry) (*Validator, error) {
	schema, err := compileSchema(DocumentSchema)
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &Validator{registry: registry, schema: schema}, nil
}

// Validate parses raw against the document schema and rejects operation keys
// that are not registered. Errors are InvalidRequest.
func (v *Validator) Validate(raw []byte) (*Document, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, auth.InvalidRequest("Policy must be valid JSON", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, auth.InvalidRequest(formatValidationError(err), err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, auth.InvalidRequest("Policy must be valid JSON", err)
	}
	if doc.AllowedOperations == nil {
		doc.AllowedOperations = NewSet()
	}
	if doc.AllowedCategories == nil {
		doc.AllowedCategories = NewSet()
	}

	var unknown []string
	for key := range doc.AllowedOperations {
		if _, ok := v.registry.Lookup(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, auth.InvalidRequest(fmt.Sprintf("Unknown operations: %s", strings.Join(unknown, ", ")), nil)
	}
	return &doc, nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)

	const schemaURL = "policy.json"
	if err := compiler.AddResource(schemaURL, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// formatValidationError renders the failing location, e.g.
// "invalid policy at '$.allowed_categories.0': value must be one of ...".
func formatValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	// Report the deepest cause, it names the offending value.
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	path := "$"
	var parts []string
	for _, part := range leaf.InstanceLocation {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		path = "$." + strings.Join(parts, ".")
	}

	msg := leaf.Error()
	if len(msg) > 200 {
		msg = msg[:200] + "... (truncated)"
	}
	return fmt.Sprintf("invalid policy at '%s': %s", path, msg)
}
