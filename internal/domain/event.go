package domain

// DomainEvent is the only input the workflow rule engine accepts.
type DomainEvent struct {
	ID         string         `json:"id"`
	Type       TriggerType    `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	// Depth counts how many action-induced dispatch levels separate this
	// event from the operator command that started the chain.
	Depth int `json:"depth"`
}

// EventEntityKind returns the entity kind carried by e, falling back to the
// kind implied by the trigger type.
func (e DomainEvent) EventEntityKind() string {
	if e.EntityKind != "" {
		return e.EntityKind
	}
	return e.Type.EntityKind()
}

type ExecutionStatus string

const (
	ExecutionSuccess        ExecutionStatus = "success"
	ExecutionPartialFailure ExecutionStatus = "partial_failure"
	ExecutionSkipped        ExecutionStatus = "skipped"
)

type WorkflowExecutionResult struct {
	WorkflowID        string          `json:"workflow_id"`
	WorkflowName      string          `json:"workflow_name,omitempty"`
	Status            ExecutionStatus `json:"status"`
	FailedActionIndex *int            `json:"failed_action_index,omitempty"`
	ExecutedActions   int             `json:"executed_actions"`
	Error             string          `json:"error,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	// Cascade holds results of events emitted by this workflow's actions.
	Cascade []WorkflowExecutionResult `json:"cascade,omitempty"`
}

// Stage moves emit this payload shape.
const (
	PayloadOpportunityID = "opportunity_id"
	PayloadFromStage     = "from_stage"
	PayloadToStage       = "to_stage"
)
