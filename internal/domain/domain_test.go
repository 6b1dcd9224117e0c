package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeActionBuildsTypedConfig(t *testing.T) {
	act, err := DecodeAction(ActionCreateTask, json.RawMessage(`{"title":"Call {{name}}","due_in_days":3}`))
	require.NoError(t, err)
	assert.Equal(t, ActionCreateTask, act.Type)
	cfg, ok := act.Config.(CreateTaskConfig)
	require.True(t, ok, "config should be a value, not a pointer")
	assert.Equal(t, "Call {{name}}", cfg.Title)
	assert.Equal(t, 3, cfg.DueInDays)
}

func TestDecodeActionRejectsUnknownType(t *testing.T) {
	_, err := DecodeAction("send_fax", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)
}

func TestDecodeActionRejectsMistypedConfig(t *testing.T) {
	_, err := DecodeAction(ActionCreateTask, json.RawMessage(`{"due_in_days":"soon"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestActionJSONKeepsTypeTag(t *testing.T) {
	in := Action{Type: ActionAddTag, Config: AddTagConfig{Tag: "hot"}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"add_tag","config":{"tag":"hot"}}`, string(b))

	var out Action
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, map[string]any{"tag": "hot"}, out.ConfigMap())
}

func TestActionFromMapAcceptsGenericNumbers(t *testing.T) {
	act, err := ActionFromMap(ActionUpdateField, map[string]any{"field": "probability", "value": 80})
	require.NoError(t, err)
	cfg := act.Config.(UpdateFieldConfig)
	assert.Equal(t, "probability", cfg.Field)
	assert.EqualValues(t, 80, cfg.Value)
}

func TestValidateStructUsesJSONNames(t *testing.T) {
	errs := ValidateStruct("actions[0].config.", AddTagConfig{})
	require.Len(t, errs, 1)
	assert.Equal(t, "actions[0].config.tag", errs[0].Field)
	assert.Equal(t, "required", errs[0].Reason)

	errs = ValidateStruct("", Opportunity{PipelineID: "p", Name: "Deal", Stage: "Lead", Status: "pending", Probability: 120})
	fields := map[string]string{}
	for _, e := range errs {
		fields[e.Field] = e.Reason
	}
	assert.Equal(t, "oneof=open won lost", fields["status"])
	assert.Equal(t, "max=100", fields["probability"])
	assert.Nil(t, ValidateStruct("", Contact{Name: "Ada", Email: "ada@example.com"}).Err())
}

func TestTriggerTypeEntityKind(t *testing.T) {
	assert.Equal(t, KindOpportunity, TriggerStageChanged.EntityKind())
	assert.Equal(t, KindTask, TriggerTaskCompleted.EntityKind())
	assert.False(t, TriggerType("deal_closed").Valid())
	for _, tt := range TriggerTypes {
		assert.True(t, tt.Valid(), tt)
	}
}

func TestErrorSentinels(t *testing.T) {
	assert.ErrorIs(t, NotFound(KindStage, "s1"), ErrNotFound)
	assert.ErrorIs(t, &TransitionError{Target: "Won"}, ErrInvalidTransition)
	assert.ErrorIs(t, &StageNotEmptyError{StageKey: "Lead", Opportunities: 2}, ErrStageNotEmpty)
	assert.ErrorIs(t, &ConflictError{Kind: KindOpportunity, Expected: 1, Actual: 2}, ErrConflict)

	cause := errors.New("smtp down")
	err := &ActionExecutionError{WorkflowID: "w1", Index: 2, Type: ActionSendEmail, Err: cause}
	assert.ErrorIs(t, err, ErrActionExecution)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "action 2 (send_email)")
}

func TestUpdatableFields(t *testing.T) {
	assert.True(t, IsUpdatableField(KindOpportunity, "stage"))
	assert.False(t, IsUpdatableField(KindOpportunity, "id"))
	assert.False(t, IsUpdatableField(KindPipeline, "name"))
}

func TestCheckFieldValue(t *testing.T) {
	assert.NoError(t, CheckFieldValue(KindOpportunity, "probability", 80))
	assert.NoError(t, CheckFieldValue(KindOpportunity, "probability", "80"))
	assert.ErrorContains(t, CheckFieldValue(KindOpportunity, "probability", "abc"), "not a number")
	assert.ErrorContains(t, CheckFieldValue(KindOpportunity, "probability", 150), "max=100")
	assert.Error(t, CheckFieldValue(KindOpportunity, "value", -1))
	assert.Error(t, CheckFieldValue(KindOpportunity, "status", "bogus"))
	assert.NoError(t, CheckFieldValue(KindOpportunity, "status", OpportunityWon))
	assert.NoError(t, CheckFieldValue(KindOpportunity, "stage", "anything"))
	assert.Error(t, CheckFieldValue(KindLead, "status", "open"))
	assert.Error(t, CheckFieldValue(KindContact, "email", "nope"))
	assert.NoError(t, CheckFieldValue(KindTask, "due_date", "2024-02-01"))
	assert.Error(t, CheckFieldValue(KindTask, "due_date", "02/01/2024"))
}

func TestSetFieldReopensTask(t *testing.T) {
	done := "2024-01-02T00:00:00Z"
	task := Task{Status: TaskCompleted, CompletedAt: &done}
	require.NoError(t, SetField(&task, "status", TaskOpen))
	assert.Nil(t, task.CompletedAt)
	assert.Error(t, SetField(&task, "entity_id", "x"))
}
