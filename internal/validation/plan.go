package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dagtrail/dagtrail/pkg/schema"
)

// planSchemaJSON is the JSON Schema for planner output. Embedded as a
// constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dagtrail.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "objective": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["index", "title"],
      "properties": {
        "index": {
          "type": "integer",
          "minimum": 1
        },
        "title": {
          "type": "string",
          "minLength": 1
        },
        "agent": { "type": "string" },
        "instructions": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator validates planner output against the plan JSON Schema before
// the tracker materializes nodes from it. Safe for concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator creates a PlanValidator with the plan schema pre-compiled.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://dagtrail.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://dagtrail.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &PlanValidator{planSchema: compiled}, nil
}

// ValidateRaw validates raw planner output bytes and unmarshals them into a
// PlanOutput. Malformed or schema-violating output is rejected with a typed
// invalid_output_format style validation error.
func (v *PlanValidator) ValidateRaw(raw []byte) (*schema.PlanOutput, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "planner output is not valid JSON").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return nil, toTrailError(err)
	}

	var plan schema.PlanOutput
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode planner output").WithCause(err)
	}
	return &plan, v.Validate(&plan)
}

// Validate applies the structural checks layered on top of the JSON Schema.
func (v *PlanValidator) Validate(plan *schema.PlanOutput) error {
	return plan.Validate()
}

// toTrailError converts a jsonschema.ValidationError into a TrailError with
// one detail line per violation.
func toTrailError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	return schema.NewError(schema.ErrCodeValidation, "planner output failed schema validation").
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	var out []string
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		out = append(out, fmt.Sprintf("%s: %s", loc, verr.Error()))
		return out
	}
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
