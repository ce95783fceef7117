package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

// inferenceSchema is the strict shape of one submission body. Unknown keys
// are rejected so client typos ("priorty") fail loudly instead of silently
// falling back to defaults.
const inferenceSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["prompt"],
	"properties": {
		"prompt":      { "type": "string", "minLength": 1, "maxLength": %d },
		"priority":    { "type": "string", "enum": ["high", "normal", "low"] },
		"max_tokens":  { "type": "integer", "minimum": %d, "maximum": %d },
		"temperature": { "type": "number", "minimum": %g, "maximum": %g },
		"model":       { "type": "string", "minLength": 1 }
	}
}`

// requestValidator holds the compiled submission schemas.
type requestValidator struct {
	single *gojsonschema.Schema
	batch  *gojsonschema.Schema
}

// newRequestValidator compiles the schemas once with the configured bounds.
func newRequestValidator(maxPromptLen, maxBatchSubmit int) (*requestValidator, error) {
	if maxPromptLen <= 0 {
		maxPromptLen = 8192
	}
	if maxBatchSubmit <= 0 {
		maxBatchSubmit = 100
	}

	item := fmt.Sprintf(inferenceSchema,
		maxPromptLen,
		models.MinMaxTokens, models.MaxMaxTokens,
		models.MinTemperature, models.MaxTemperature)

	single, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(item))
	if err != nil {
		return nil, fmt.Errorf("compile inference schema: %w", err)
	}

	batchDoc := fmt.Sprintf(`{"type": "array", "minItems": 1, "maxItems": %d, "items": %s}`,
		maxBatchSubmit, item)
	batch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(batchDoc))
	if err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}

	return &requestValidator{single: single, batch: batch}, nil
}

// ValidateSingle checks one submission body against the strict schema.
func (v *requestValidator) ValidateSingle(body []byte) error {
	return validate(v.single, body)
}

// ValidateBatch checks a batch submission body. All items must pass; a batch
// with any invalid item is rejected whole.
func (v *requestValidator) ValidateBatch(body []byte) error {
	return validate(v.batch, body)
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
