package server

import (
	"crmflow/internal/domain"
	"crmflow/internal/engine"
)

// Request payloads

type StageRequest struct {
	Key         string `json:"key,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order,omitempty" minimum:"0"`
	Probability int    `json:"probability,omitempty" minimum:"0" maximum:"100"`
}

type CreatePipelineRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stages      []StageRequest `json:"stages,omitempty"`
}

type UpdatePipelineRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

type UpdateStageRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Probability *int    `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Order       *int    `json:"order,omitempty" minimum:"1"`
	IfVersion   *int64  `json:"if_version,omitempty"`
}

type ReorderStagesRequest struct {
	StageIDs []string `json:"stage_ids"`
}

type CreateOpportunityRequest struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name"`
	Value             float64  `json:"value,omitempty" minimum:"0"`
	Probability       *int     `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Stage             string   `json:"stage,omitempty"`
	Status            string   `json:"status,omitempty" enum:"open,won,lost"`
	ExpectedCloseDate string   `json:"expected_close_date,omitempty"`
	ContactID         string   `json:"contact_id,omitempty"`
	LeadID            string   `json:"lead_id,omitempty"`
	AssigneeID        string   `json:"assignee_id,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

type UpdateOpportunityRequest struct {
	Name              *string   `json:"name,omitempty"`
	Value             *float64  `json:"value,omitempty" minimum:"0"`
	Probability       *int      `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Stage             *string   `json:"stage,omitempty"`
	Status            *string   `json:"status,omitempty" enum:"open,won,lost"`
	ExpectedCloseDate *string   `json:"expected_close_date,omitempty"`
	ContactID         *string   `json:"contact_id,omitempty"`
	AssigneeID        *string   `json:"assignee_id,omitempty"`
	Tags              *[]string `json:"tags,omitempty"`
	IfVersion         *int64    `json:"if_version,omitempty"`
}

type MoveOpportunityRequest struct {
	Stage string `json:"stage"`
}

type CreateContactRequest struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Company    string   `json:"company,omitempty"`
	AssigneeID string   `json:"assignee_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type UpdateContactRequest struct {
	Name       *string   `json:"name,omitempty"`
	Email      *string   `json:"email,omitempty"`
	Phone      *string   `json:"phone,omitempty"`
	Company    *string   `json:"company,omitempty"`
	AssigneeID *string   `json:"assignee_id,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	IfVersion  *int64    `json:"if_version,omitempty"`
}

type CreateLeadRequest struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name"`
	Email      string   `json:"email,omitempty"`
	Company    string   `json:"company,omitempty"`
	Source     string   `json:"source,omitempty"`
	Status     string   `json:"status,omitempty" enum:"new,qualified,converted,lost"`
	AssigneeID string   `json:"assignee_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type UpdateLeadRequest struct {
	Name       *string   `json:"name,omitempty"`
	Email      *string   `json:"email,omitempty"`
	Company    *string   `json:"company,omitempty"`
	Source     *string   `json:"source,omitempty"`
	Status     *string   `json:"status,omitempty" enum:"new,qualified,converted,lost"`
	AssigneeID *string   `json:"assignee_id,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	IfVersion  *int64    `json:"if_version,omitempty"`
}

type ConvertLeadRequest struct {
	PipelineID string  `json:"pipeline_id"`
	Name       string  `json:"name,omitempty"`
	Value      float64 `json:"value,omitempty" minimum:"0"`
	Stage      string  `json:"stage,omitempty"`
	ContactID  string  `json:"contact_id,omitempty"`
}

type CreateTaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	EntityKind  string   `json:"entity_kind,omitempty" enum:"opportunity,contact,lead"`
	EntityID    string   `json:"entity_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	IfVersion   *int64    `json:"if_version,omitempty"`
}

// ActionBody is the wire form of a workflow action; Config is decoded by type.
type ActionBody struct {
	Type   string         `json:"type" enum:"send_email,create_task,update_field,assign_to_user,add_tag,send_notification"`
	Config map[string]any `json:"config,omitempty"`
}

type CreateWorkflowRequest struct {
	ID                string         `json:"id,omitempty"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TriggerType       string         `json:"trigger_type" enum:"contact_created,lead_created,opportunity_created,task_completed,stage_changed"`
	TriggerConditions map[string]any `json:"trigger_conditions,omitempty"`
	Actions           []ActionBody   `json:"actions,omitempty"`
	IsActive          *bool          `json:"is_active,omitempty"`
}

type UpdateWorkflowRequest struct {
	Name              *string         `json:"name,omitempty"`
	Description       *string         `json:"description,omitempty"`
	TriggerType       *string         `json:"trigger_type,omitempty" enum:"contact_created,lead_created,opportunity_created,task_completed,stage_changed"`
	TriggerConditions *map[string]any `json:"trigger_conditions,omitempty"`
	Actions           *[]ActionBody   `json:"actions,omitempty"`
	IsActive          *bool           `json:"is_active,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TriggerType       string         `json:"trigger_type"`
	TriggerConditions map[string]any `json:"trigger_conditions"`
	Actions           []ActionBody   `json:"actions"`
	IsActive          bool           `json:"is_active"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type OpportunityResult struct {
	Opportunity domain.Opportunity               `json:"opportunity"`
	Workflows   []domain.WorkflowExecutionResult `json:"workflows"`
}

type ContactResult struct {
	Contact   domain.Contact                   `json:"contact"`
	Workflows []domain.WorkflowExecutionResult `json:"workflows"`
}

type LeadResult struct {
	Lead      domain.Lead                      `json:"lead"`
	Workflows []domain.WorkflowExecutionResult `json:"workflows"`
}

type TaskResult struct {
	Task      domain.Task                      `json:"task"`
	Workflows []domain.WorkflowExecutionResult `json:"workflows"`
}

type ReplayResult struct {
	Event     domain.DomainEvent               `json:"event"`
	Workflows []domain.WorkflowExecutionResult `json:"workflows"`
}

type WorkflowsResult struct {
	Workflows []domain.WorkflowExecutionResult `json:"workflows"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func stageInputs(in []StageRequest) []engine.StageInput {
	out := make([]engine.StageInput, 0, len(in))
	for _, s := range in {
		out = append(out, engine.StageInput{
			Key:         s.Key,
			Name:        s.Name,
			Description: s.Description,
			Order:       s.Order,
			Probability: s.Probability,
		})
	}
	return out
}

// decodeActions converts wire actions into typed ones, reporting the failing
// index in the field path.
func decodeActions(in []ActionBody) ([]domain.Action, error) {
	out := make([]domain.Action, 0, len(in))
	var errs domain.ValidationErrors
	for i, a := range in {
		act, err := domain.ActionFromMap(domain.ActionType(a.Type), a.Config)
		if err != nil {
			errs = append(errs, &domain.ValidationError{Field: indexedField("actions", i), Reason: err.Error()})
			continue
		}
		out = append(out, act)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	actions := make([]ActionBody, 0, len(w.Actions))
	for _, a := range w.Actions {
		actions = append(actions, ActionBody{Type: string(a.Type), Config: a.ConfigMap()})
	}
	conds := w.TriggerConditions
	if conds == nil {
		conds = map[string]any{}
	}
	return WorkflowResponse{
		ID:                w.ID,
		Name:              w.Name,
		Description:       w.Description,
		TriggerType:       string(w.TriggerType),
		TriggerConditions: conds,
		Actions:           actions,
		IsActive:          w.IsActive,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w))
	}
	return out
}

func results(in []domain.WorkflowExecutionResult) []domain.WorkflowExecutionResult {
	if in == nil {
		return []domain.WorkflowExecutionResult{}
	}
	return in
}
