package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagtrail/dagtrail/pkg/schema"
)

func newValidator(t *testing.T) *PlanValidator {
	t.Helper()
	v, err := NewPlanValidator()
	require.NoError(t, err)
	return v
}

func TestValidateRawAcceptsWellFormedPlan(t *testing.T) {
	v := newValidator(t)

	plan, err := v.ValidateRaw([]byte(`{
		"objective": "survey recent LLM eval work",
		"steps": [
			{"index": 1, "title": "gather sources", "agent": "researcher"},
			{"index": 2, "title": "draft report", "agent": "writer", "instructions": "cite everything"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "step-1", plan.Steps[0].Key())
	assert.Equal(t, "writer", plan.Steps[1].Agent)
}

func TestValidateRawRejectsInvalidJSON(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateRaw([]byte(`{"steps": [`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidateRawSchemaViolations(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name string
		raw  string
	}{
		{"missing steps", `{"objective": "x"}`},
		{"empty steps", `{"steps": []}`},
		{"step missing title", `{"steps": [{"index": 1}]}`},
		{"zero index", `{"steps": [{"index": 0, "title": "t"}]}`},
		{"unknown field", `{"steps": [{"index": 1, "title": "t", "tool": "bash"}]}`},
		{"wrong index type", `{"steps": [{"index": "1", "title": "t"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateRaw([]byte(tc.raw))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestValidateRawReportsViolationPaths(t *testing.T) {
	v := newValidator(t)

	_, err := v.ValidateRaw([]byte(`{"steps": [{"index": 0, "title": ""}]}`))
	require.Error(t, err)
	var terr *schema.TrailError
	require.ErrorAs(t, err, &terr)
	violations, ok := terr.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}

func TestValidateStructuralChecks(t *testing.T) {
	v := newValidator(t)

	// Schema passes but indices are not contiguous.
	_, err := v.ValidateRaw([]byte(`{"steps": [
		{"index": 1, "title": "a"},
		{"index": 3, "title": "b"}
	]}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	// Duplicate indices.
	err = v.Validate(&schema.PlanOutput{Steps: []schema.PlanStep{
		{Index: 1, Title: "a"},
		{Index: 1, Title: "b"},
	}})
	require.Error(t, err)

	// Nil plan.
	err = v.Validate(nil)
	require.Error(t, err)
}
