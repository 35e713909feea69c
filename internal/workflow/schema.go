package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/genflow/internal/estimator"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

const imageParamsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"provider": {"type": "string", "enum": ["openai", "gemini"]},
		"quality":  {"type": "string", "enum": ["standard", "hd"]},
		"size":     {"type": "string", "enum": ["1024x1024", "1536x1024", "1024x1536", "1792x1024", "1024x1792"]}
	}
}`

const videoParamsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["duration_seconds"],
	"properties": {
		"provider":         {"type": "string", "enum": ["veo"]},
		"duration_seconds": {"type": "integer", "enum": [4, 6, 8]},
		"resolution":       {"type": "string", "enum": ["720p", "1080p"]},
		"audio":            {"type": "boolean"}
	}
}`

var configSchemas = map[models.WorkflowType]string{
	models.WorkflowImageOnly: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"style":  {"type": "string"},
			"image":  ` + imageParamsSchema + `
		}
	}`,
	models.WorkflowComplete: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["prompt", "video"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"style":  {"type": "string"},
			"image":  ` + imageParamsSchema + `,
			"video":  ` + videoParamsSchema + `
		}
	}`,
	models.WorkflowVideoFromImage: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["prompt", "video"],
		"properties": {
			"prompt":             {"type": "string", "minLength": 1},
			"source_image_url":   {"type": "string"},
			"source_workflow_id": {"type": "string", "pattern": "^[0-9a-fA-F-]{36}$"},
			"video":              ` + videoParamsSchema + `
		}
	}`,
}

// Validator checks, defaults and prices workflow configs. It needs no
// services, so configs can be priced offline.
type Validator struct {
	schemas schemaSet
}

func NewValidator() (*Validator, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: schemas}, nil
}

// Decode validates raw against the schema of t, applies defaults and runs
// the typed checks.
func (v *Validator) Decode(t models.WorkflowType, raw json.RawMessage) (models.WorkflowConfig, error) {
	if !t.Valid() {
		return nil, invalid("workflow_type", fmt.Sprintf("must be one of %s, %s, %s",
			models.WorkflowImageOnly, models.WorkflowComplete, models.WorkflowVideoFromImage))
	}
	if err := v.schemas.validate(t, raw); err != nil {
		return nil, err
	}
	cfg, err := models.DecodeConfig(t, raw)
	if err != nil {
		return nil, invalid("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		var fe models.FieldError
		if errors.As(err, &fe) {
			return nil, &ValidationError{Fields: []models.FieldError{fe}}
		}
		return nil, invalid("config", err.Error())
	}
	return cfg, nil
}

// Estimate decodes raw and prices every step of t.
func (v *Validator) Estimate(t models.WorkflowType, raw json.RawMessage) (estimator.Estimate, error) {
	cfg, err := v.Decode(t, raw)
	if err != nil {
		return estimator.Estimate{}, err
	}
	est, err := estimator.EstimateWorkflow(t, cfg)
	if err != nil {
		return estimator.Estimate{}, invalid("config", err.Error())
	}
	return est, nil
}

// schemaSet holds the compiled config schema of every workflow type.
type schemaSet map[models.WorkflowType]*gojsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(configSchemas))
	for t, src := range configSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t, err)
		}
		set[t] = s
	}
	return set, nil
}

// validate checks the shape of raw against the schema of t. Range checks
// that need defaults applied are left to the typed Validate.
func (s schemaSet) validate(t models.WorkflowType, raw []byte) error {
	schema, ok := s[t]
	if !ok {
		return invalid("workflow_type", fmt.Sprintf("unsupported workflow type %q", t))
	}
	if len(raw) == 0 {
		return invalid("config", "is required")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return invalid("config", "must be a JSON object")
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if prop, ok := desc.Details()["property"].(string); ok && desc.Type() == "required" {
			if field == "(root)" {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
		if field == "(root)" {
			field = "config"
		}
		verr.Fields = append(verr.Fields, models.FieldError{Field: field, Message: desc.Description()})
	}
	sort.Slice(verr.Fields, func(i, j int) bool { return verr.Fields[i].Field < verr.Fields[j].Field })
	return verr
}
