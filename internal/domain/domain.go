package domain

type Pipeline struct {
	ID          string  `json:"id"`
	Name        string  `json:"name" validate:"required,max=120"`
	Description string  `json:"description,omitempty"`
	IsActive    bool    `json:"is_active"`
	Stages      []Stage `json:"stages,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Stage struct {
	ID          string `json:"id"`
	PipelineID  string `json:"pipeline_id"`
	Key         string `json:"key" validate:"required,max=120"`
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order" validate:"min=1"`
	Probability int    `json:"probability" validate:"min=0,max=100"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

const (
	OpportunityOpen = "open"
	OpportunityWon  = "won"
	OpportunityLost = "lost"
)

type Opportunity struct {
	ID                string   `json:"id"`
	PipelineID        string   `json:"pipeline_id" validate:"required"`
	Name              string   `json:"name" validate:"required,max=200"`
	Value             float64  `json:"value" validate:"min=0"`
	Probability       int      `json:"probability" validate:"min=0,max=100"`
	Stage             string   `json:"stage" validate:"required"`
	Status            string   `json:"status" enum:"open,won,lost" validate:"oneof=open won lost"`
	ExpectedCloseDate *string  `json:"expected_close_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ContactID         *string  `json:"contact_id,omitempty"`
	LeadID            *string  `json:"lead_id,omitempty"`
	AssigneeID        *string  `json:"assignee_id,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Version           int64    `json:"version"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type Contact struct {
	ID         string   `json:"id"`
	Name       string   `json:"name" validate:"required,max=200"`
	Email      string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string   `json:"phone,omitempty"`
	Company    string   `json:"company,omitempty"`
	AssigneeID *string  `json:"assignee_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Version    int64    `json:"version"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

const (
	LeadNew       = "new"
	LeadQualified = "qualified"
	LeadConverted = "converted"
	LeadLost      = "lost"
)

type Lead struct {
	ID         string   `json:"id"`
	Name       string   `json:"name" validate:"required,max=200"`
	Email      string   `json:"email,omitempty" validate:"omitempty,email"`
	Company    string   `json:"company,omitempty"`
	Source     string   `json:"source,omitempty"`
	Status     string   `json:"status" enum:"new,qualified,converted,lost" validate:"oneof=new qualified converted lost"`
	AssigneeID *string  `json:"assignee_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Version    int64    `json:"version"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

const (
	TaskOpen      = "open"
	TaskCompleted = "completed"
)

type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"open,completed" validate:"oneof=open completed"`
	DueDate     *string  `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	EntityKind  string   `json:"entity_kind,omitempty"`
	EntityID    string   `json:"entity_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Event is a row of the durable event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// WorkflowRun records one workflow's outcome for one dispatched event.
type WorkflowRun struct {
	ID                int64  `json:"id"`
	EventID           string `json:"event_id"`
	EventType         string `json:"event_type"`
	WorkflowID        string `json:"workflow_id"`
	Status            string `json:"status"`
	FailedActionIndex *int   `json:"failed_action_index,omitempty"`
	Error             string `json:"error,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// Entity kinds referenced by events, tasks and workflow actions.
const (
	KindPipeline    = "pipeline"
	KindStage       = "stage"
	KindOpportunity = "opportunity"
	KindContact     = "contact"
	KindLead        = "lead"
	KindTask        = "task"
	KindWorkflow    = "workflow"
)

var updatableFields = map[string][]string{
	KindOpportunity: {"name", "value", "probability", "status", "expected_close_date", "stage", "assignee_id"},
	KindContact:     {"name", "email", "phone", "company", "assignee_id"},
	KindLead:        {"name", "email", "company", "source", "status", "assignee_id"},
	KindTask:        {"title", "description", "status", "due_date", "assignee_id"},
}

// UpdatableFields lists the fields an update_field action may write on kind.
func UpdatableFields(kind string) []string {
	return updatableFields[kind]
}

func IsUpdatableField(kind, field string) bool {
	for _, f := range updatableFields[kind] {
		if f == field {
			return true
		}
	}
	return false
}
