package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/domain"
)

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		expected, actual any
		want             bool
	}{
		{50000, 50000.0, true},
		{json.Number("75"), 75, true},
		{"75", 75.0, true},
		{"proposal", "proposal", true},
		{"proposal", "Proposal", false},
		{true, true, true},
		{true, "true", true},
		{nil, nil, true},
		{nil, "x", false},
		{10, 11, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ValuesEqual(c.expected, c.actual), "%v vs %v", c.expected, c.actual)
	}
}

func TestMatchesRequiresEveryKey(t *testing.T) {
	lookup := func(key string) (any, bool) {
		v, ok := map[string]any{"to_stage": "won", "value": 10.0}[key]
		return v, ok
	}
	assert.True(t, Matches(nil, lookup))
	assert.True(t, Matches(map[string]any{"to_stage": "won", "value": 10}, lookup))
	assert.False(t, Matches(map[string]any{"to_stage": "won", "owner": "bob"}, lookup))
}

func TestNullConditionMatchesMissingField(t *testing.T) {
	lookup := func(key string) (any, bool) {
		v, ok := map[string]any{"to_stage": "won", "value": 10.0}[key]
		return v, ok
	}
	assert.True(t, Matches(map[string]any{"assignee_id": nil}, lookup))
	assert.True(t, Matches(map[string]any{"to_stage": "won", "assignee_id": nil}, lookup))
	assert.False(t, Matches(map[string]any{"to_stage": nil}, lookup))
}

func TestRender(t *testing.T) {
	lookup := func(key string) (any, bool) {
		v, ok := map[string]any{"name": "Acme", "value": 100.0}[key]
		return v, ok
	}
	out, err := Render("{{ name }} is worth {{value}}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "Acme is worth 100", out)

	_, err = Render("hello {{email}}", lookup)
	assert.ErrorContains(t, err, "unresolved reference email")
}

func TestValidateWorkflow(t *testing.T) {
	valid := domain.Workflow{
		Name:        "Proposal follow-up",
		TriggerType: domain.TriggerStageChanged,
		Actions: []domain.Action{
			{Type: domain.ActionSendEmail, Config: domain.SendEmailConfig{To: "{{contact_email}}", Subject: "Proposal"}},
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "probability", Value: 60.0}},
		},
	}
	require.NoError(t, Validate(valid))

	cases := map[string]domain.Workflow{
		"missing name": {TriggerType: domain.TriggerLeadCreated},
		"bad trigger":  {Name: "x", TriggerType: "deal_closed"},
		"bad email": {Name: "x", TriggerType: domain.TriggerLeadCreated, Actions: []domain.Action{
			{Type: domain.ActionSendEmail, Config: domain.SendEmailConfig{To: "not-an-email", Subject: "s"}},
		}},
		"field not updatable": {Name: "x", TriggerType: domain.TriggerContactCreated, Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "stage", Value: "won"}},
		}},
		"probability not a number": {Name: "x", TriggerType: domain.TriggerStageChanged, Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "probability", Value: "abc"}},
		}},
		"probability out of range": {Name: "x", TriggerType: domain.TriggerStageChanged, Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "probability", Value: 150}},
		}},
		"unknown status": {Name: "x", TriggerType: domain.TriggerStageChanged, Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "status", Value: "bogus"}},
		}},
		"bad due date": {Name: "x", TriggerType: domain.TriggerTaskCompleted, Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: domain.UpdateFieldConfig{Field: "due_date", Value: "next week"}},
		}},
		"missing tag": {Name: "x", TriggerType: domain.TriggerLeadCreated, Actions: []domain.Action{
			{Type: domain.ActionAddTag, Config: domain.AddTagConfig{}},
		}},
		"mismatched config": {Name: "x", TriggerType: domain.TriggerLeadCreated, Actions: []domain.Action{
			{Type: domain.ActionAddTag, Config: domain.AssignToUserConfig{UserID: "u"}},
		}},
	}
	for name, wf := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(wf)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestNormalizeDefaultsNotificationChannel(t *testing.T) {
	wf := Normalize(domain.Workflow{Name: " x ", Actions: []domain.Action{
		{Type: domain.ActionSendNotification, Config: domain.SendNotificationConfig{Message: "m"}},
	}})
	assert.Equal(t, "x", wf.Name)
	assert.NotNil(t, wf.TriggerConditions)
	assert.Equal(t, domain.DefaultNotificationChannel, wf.Actions[0].Config.(domain.SendNotificationConfig).Channel)
}
