package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/repo"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder tails the event log and posts matching events to webhooks that
// list event types. Each webhook keeps its own cursor, starting at the log
// head when the forwarder starts.
type Forwarder struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

type forwardedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Enabled reports whether any webhook asks for event forwarding.
func (f *Forwarder) Enabled() bool {
	for _, hook := range f.Webhooks {
		if hook.IsEnabled() && len(hook.Events) > 0 {
			return true
		}
	}
	return false
}

// Run forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	interval := f.Interval
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.ForwardOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ForwardOnce delivers one batch per webhook.
func (f *Forwarder) ForwardOnce(ctx context.Context) {
	for i, hook := range f.Webhooks {
		if !hook.IsEnabled() || len(hook.Events) == 0 || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.forward(ctx, i, hook)
	}
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func (f *Forwarder) client() *http.Client {
	if f.Client == nil {
		return &http.Client{Timeout: defaultWebhookTimeout}
	}
	return f.Client
}

func (f *Forwarder) forward(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := f.cursorFor(ctx, idx)
	events, err := f.Repo.EventsAfter(ctx, nil, defaultForwardBatch, cursor)
	if err != nil {
		f.logger().Warn("fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.post(ctx, hook, evt); err != nil {
			f.logger().Warn("event forward failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

func (f *Forwarder) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(forwardedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		PipelineID: evt.PipelineID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	return post(ctx, f.client(), hook, evt.Type, strconv.FormatInt(evt.ID, 10), body)
}

func (f *Forwarder) cursorFor(ctx context.Context, idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = map[int]int64{}
	}
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.Repo.LatestEventID(ctx, nil)
	if err != nil {
		f.logger().Warn("init forward cursor failed", "error", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "*" {
			return eventFilter{all: true}
		}
		if key != "" {
			set[key] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
