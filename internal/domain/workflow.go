package domain

import (
	"encoding/json"
	"fmt"
)

type TriggerType string

const (
	TriggerContactCreated     TriggerType = "contact_created"
	TriggerLeadCreated        TriggerType = "lead_created"
	TriggerOpportunityCreated TriggerType = "opportunity_created"
	TriggerTaskCompleted      TriggerType = "task_completed"
	TriggerStageChanged       TriggerType = "stage_changed"
)

var TriggerTypes = []TriggerType{
	TriggerContactCreated,
	TriggerLeadCreated,
	TriggerOpportunityCreated,
	TriggerTaskCompleted,
	TriggerStageChanged,
}

func (t TriggerType) Valid() bool {
	return t.EntityKind() != ""
}

// EntityKind is the kind of record an event of this type refers to.
func (t TriggerType) EntityKind() string {
	switch t {
	case TriggerContactCreated:
		return KindContact
	case TriggerLeadCreated:
		return KindLead
	case TriggerOpportunityCreated, TriggerStageChanged:
		return KindOpportunity
	case TriggerTaskCompleted:
		return KindTask
	}
	return ""
}

type Workflow struct {
	ID                string         `json:"id"`
	Name              string         `json:"name" validate:"required,max=200"`
	Description       string         `json:"description,omitempty"`
	TriggerType       TriggerType    `json:"trigger_type" validate:"required,oneof=contact_created lead_created opportunity_created task_completed stage_changed"`
	TriggerConditions map[string]any `json:"trigger_conditions"`
	Actions           []Action       `json:"actions"`
	IsActive          bool           `json:"is_active"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionAssignToUser     ActionType = "assign_to_user"
	ActionAddTag           ActionType = "add_tag"
	ActionSendNotification ActionType = "send_notification"
)

// ActionConfig is implemented by the per-type config structs below.
type ActionConfig interface {
	ActionType() ActionType
}

type SendEmailConfig struct {
	To      string `json:"to" validate:"required"`
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body,omitempty"`
}

type CreateTaskConfig struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty" validate:"min=0"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

type UpdateFieldConfig struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

type AssignToUserConfig struct {
	UserID string `json:"user_id" validate:"required"`
}

type AddTagConfig struct {
	Tag string `json:"tag" validate:"required,max=64"`
}

type SendNotificationConfig struct {
	Message string `json:"message" validate:"required"`
	Channel string `json:"channel,omitempty"`
}

func (SendEmailConfig) ActionType() ActionType        { return ActionSendEmail }
func (CreateTaskConfig) ActionType() ActionType       { return ActionCreateTask }
func (UpdateFieldConfig) ActionType() ActionType      { return ActionUpdateField }
func (AssignToUserConfig) ActionType() ActionType     { return ActionAssignToUser }
func (AddTagConfig) ActionType() ActionType           { return ActionAddTag }
func (SendNotificationConfig) ActionType() ActionType { return ActionSendNotification }

// Action is a workflow step. Config always holds the struct matching Type.
type Action struct {
	Type   ActionType
	Config ActionConfig
}

type actionJSON struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionJSON{Type: a.Type, Config: cfg})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := DecodeAction(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func newActionConfig(t ActionType) (ActionConfig, error) {
	switch t {
	case ActionSendEmail:
		return &SendEmailConfig{}, nil
	case ActionCreateTask:
		return &CreateTaskConfig{}, nil
	case ActionUpdateField:
		return &UpdateFieldConfig{}, nil
	case ActionAssignToUser:
		return &AssignToUserConfig{}, nil
	case ActionAddTag:
		return &AddTagConfig{}, nil
	case ActionSendNotification:
		return &SendNotificationConfig{}, nil
	}
	return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action type %q", t)}
}

// DecodeAction builds a typed Action from a type tag and its raw JSON config.
func DecodeAction(t ActionType, config json.RawMessage) (Action, error) {
	ptr, err := newActionConfig(t)
	if err != nil {
		return Action{}, err
	}
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, ptr); err != nil {
			return Action{}, &ValidationError{Field: "config", Reason: fmt.Sprintf("%s config: %v", t, err)}
		}
	}
	return Action{Type: t, Config: deref(ptr)}, nil
}

// ActionFromMap is DecodeAction for configs that arrive as generic maps (HTTP, YAML).
func ActionFromMap(t ActionType, config map[string]any) (Action, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return Action{}, err
	}
	return DecodeAction(t, raw)
}

func deref(c ActionConfig) ActionConfig {
	switch v := c.(type) {
	case *SendEmailConfig:
		return *v
	case *CreateTaskConfig:
		return *v
	case *UpdateFieldConfig:
		return *v
	case *AssignToUserConfig:
		return *v
	case *AddTagConfig:
		return *v
	case *SendNotificationConfig:
		return *v
	}
	return c
}

// ConfigMap renders the typed config as a generic map for API responses.
func (a Action) ConfigMap() map[string]any {
	out := map[string]any{}
	b, err := json.Marshal(a.Config)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// ActiveActionCount is the number of actions a workflow contributes to the automation load.
func (w Workflow) ActiveActionCount() int {
	if !w.IsActive {
		return 0
	}
	return len(w.Actions)
}
