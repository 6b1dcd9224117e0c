package domain

const (
	NotificationEmail   = "email"
	NotificationMessage = "notification"

	DefaultNotificationChannel = "crm"
)

// Notification is what send_email and send_notification actions hand to the
// external channels. Email fields are empty for plain notifications.
type Notification struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Channel    string `json:"channel"`
	To         string `json:"to,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	EntityKind string `json:"entity_kind,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
