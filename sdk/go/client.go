package crmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal crmflow HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Stage represents a pipeline stage.
type Stage struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Order       int    `json:"order"`
	Probability int    `json:"probability"`
	Version     int64  `json:"version"`
}

// Pipeline represents the API pipeline model (partial).
type Pipeline struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	IsActive bool    `json:"is_active"`
	Stages   []Stage `json:"stages"`
}

// Opportunity represents the API opportunity model (partial).
type Opportunity struct {
	ID          string   `json:"id"`
	PipelineID  string   `json:"pipeline_id"`
	Name        string   `json:"name"`
	Value       float64  `json:"value"`
	Probability int      `json:"probability"`
	Stage       string   `json:"stage"`
	Status      string   `json:"status"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     int64    `json:"version"`
}

// Contact represents the API contact model (partial).
type Contact struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Email   string   `json:"email,omitempty"`
	Company string   `json:"company,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Action is one workflow step.
type Action struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Workflow represents a workflow automation.
type Workflow struct {
	ID                string         `json:"id,omitempty"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TriggerType       string         `json:"trigger_type"`
	TriggerConditions map[string]any `json:"trigger_conditions,omitempty"`
	Actions           []Action       `json:"actions"`
	IsActive          *bool          `json:"is_active,omitempty"`
}

// ExecutionResult reports one workflow's outcome for a dispatched event.
type ExecutionResult struct {
	WorkflowID        string            `json:"workflow_id"`
	WorkflowName      string            `json:"workflow_name,omitempty"`
	Status            string            `json:"status"`
	FailedActionIndex *int              `json:"failed_action_index,omitempty"`
	ExecutedActions   int               `json:"executed_actions"`
	Error             string            `json:"error,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Cascade           []ExecutionResult `json:"cascade,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	PipelineID string `json:"pipeline_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type opportunityResult struct {
	Opportunity Opportunity       `json:"opportunity"`
	Workflows   []ExecutionResult `json:"workflows"`
}

// CreatePipeline creates a pipeline with the given stages in order.
func (c *Client) CreatePipeline(ctx context.Context, name string, stages []Stage) (Pipeline, error) {
	type stageBody struct {
		Name        string `json:"name"`
		Key         string `json:"key,omitempty"`
		Probability int    `json:"probability,omitempty"`
	}
	body := struct {
		Name   string      `json:"name"`
		Stages []stageBody `json:"stages"`
	}{Name: name}
	for _, s := range stages {
		body.Stages = append(body.Stages, stageBody{Name: s.Name, Key: s.Key, Probability: s.Probability})
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, "pipelines", body, &resp)
	return resp, err
}

// GetPipeline fetches a pipeline with its stages.
func (c *Client) GetPipeline(ctx context.Context, id string) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, "pipelines/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateOpportunity creates an opportunity in the pipeline's first stage.
func (c *Client) CreateOpportunity(ctx context.Context, pipelineID, name string, value float64) (Opportunity, []ExecutionResult, error) {
	body := map[string]any{"name": name, "value": value}
	var resp opportunityResult
	endpoint := fmt.Sprintf("pipelines/%s/opportunities", url.PathEscape(pipelineID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Opportunity, resp.Workflows, err
}

// MoveOpportunity moves an opportunity to stage, identified by key or id.
func (c *Client) MoveOpportunity(ctx context.Context, pipelineID, opportunityID, stage string) (Opportunity, []ExecutionResult, error) {
	var resp opportunityResult
	endpoint := fmt.Sprintf("pipelines/%s/opportunities/%s/move", url.PathEscape(pipelineID), url.PathEscape(opportunityID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"stage": stage}, &resp)
	return resp.Opportunity, resp.Workflows, err
}

// CreateContact creates a contact.
func (c *Client) CreateContact(ctx context.Context, name, email string) (Contact, []ExecutionResult, error) {
	var resp struct {
		Contact   Contact           `json:"contact"`
		Workflows []ExecutionResult `json:"workflows"`
	}
	err := c.do(ctx, http.MethodPost, "contacts", map[string]any{"name": name, "email": email}, &resp)
	return resp.Contact, resp.Workflows, err
}

// CreateWorkflow registers a workflow automation.
func (c *Client) CreateWorkflow(ctx context.Context, w Workflow) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", w, &resp)
	return resp, err
}

// ToggleWorkflow flips a workflow's active flag.
func (c *Client) ToggleWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%s/toggle", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
