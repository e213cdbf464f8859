// file: internal/wire/validator.go
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema describes only the JSON-RPC 2.0 envelope shape — the
// `jsonrpc` field and the legal combinations of id/method/result/error.
// Method parameter shapes are deliberately not modeled: schema validation
// beyond envelope shape is out of scope (spec.md §1 Non-goals).
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "jsonrpc": { "const": "2.0" },
    "id": { "type": "integer" },
    "method": { "type": "string" },
    "params": {},
    "result": {},
    "error": {
      "type": "object",
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" },
        "data": {}
      },
      "required": ["code", "message"]
    }
  },
  "required": ["jsonrpc"]
}`

// EnvelopeValidator validates raw messages against the envelope schema
// above. Decode runs it first, ahead of its own struct-shape classification;
// either one rejecting an envelope is sufficient to close the connection per
// spec.md §4.2.
type EnvelopeValidator struct {
	once   sync.Once
	schema *jsonschema.Schema
	initErr error
}

// NewEnvelopeValidator compiles the envelope schema. Compilation happens
// lazily on first Validate call so construction can never fail.
func NewEnvelopeValidator() *EnvelopeValidator {
	return &EnvelopeValidator{}
}

func (v *EnvelopeValidator) ensureCompiled() error {
	v.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("envelope.json", bytes.NewReader([]byte(envelopeSchema))); err != nil {
			v.initErr = fmt.Errorf("wire: failed to add envelope schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("envelope.json")
		if err != nil {
			v.initErr = fmt.Errorf("wire: failed to compile envelope schema: %w", err)
			return
		}
		v.schema = schema
	})
	return v.initErr
}

// Validate checks raw against the envelope schema. Decode calls it before
// doing its own stricter structural classification; the schema is
// deliberately looser (it only requires the `jsonrpc` field) so Decode's own
// checks still own rejecting malformed id/method/result/error combinations.
func (v *EnvelopeValidator) Validate(raw []byte) error {
	if err := v.ensureCompiled(); err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("wire: malformed JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("wire: envelope failed schema validation: %w", err)
	}
	return nil
}
