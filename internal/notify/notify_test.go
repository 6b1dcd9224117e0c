package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/logging"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
)

type fakeSink struct {
	name     string
	channels []string
	err      error
	got      []domain.Notification
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Accepts(n domain.Notification) bool { return acceptsChannel(f.channels, n.Channel) }

func (f *fakeSink) Send(_ context.Context, n domain.Notification) error {
	f.got = append(f.got, n)
	return f.err
}

func TestHubRoutesByChannel(t *testing.T) {
	slack := &fakeSink{name: "slack", channels: []string{"sales"}}
	mail := &fakeSink{name: "mail", channels: []string{"email"}}
	hub := &Hub{Sinks: []Sink{slack, mail}, Logger: logging.Discard()}

	require.NoError(t, hub.Send(t.Context(), domain.Notification{ID: "n1", Channel: "sales"}))
	assert.Len(t, slack.got, 1)
	assert.Empty(t, mail.got)

	err := hub.Send(t.Context(), domain.Notification{ID: "n2", Channel: "ops"})
	assert.ErrorContains(t, err, `no notification sink accepts channel "ops"`)
}

func TestHubReportsSinkFailure(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", err: errors.New("down")}
	hub := &Hub{Sinks: []Sink{ok, bad}, Logger: logging.Discard()}

	err := hub.Send(t.Context(), domain.Notification{ID: "n1", Channel: "crm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, ok.got, 1)
}

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookSinkSigns(t *testing.T) {
	var c captured
	srv := c.server(t, http.StatusNoContent)
	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Channels: []string{"email"}}, nil)

	n := domain.Notification{ID: "n1", Kind: domain.NotificationEmail, Channel: "email", To: "a@example.com", Subject: "hi"}
	require.True(t, sink.Accepts(n))
	require.False(t, sink.Accepts(domain.Notification{Channel: "crm"}))
	require.NoError(t, sink.Send(t.Context(), n))

	require.Len(t, c.bodies, 1)
	assert.Equal(t, "notification.email", c.headers[0].Get(headerEvent))
	assert.Equal(t, "n1", c.headers[0].Get(headerDelivery))
	assert.True(t, Verify("s3cret", c.bodies[0], c.headers[0].Get(headerSignature)))
	assert.False(t, Verify("other", c.bodies[0], c.headers[0].Get(headerSignature)))

	var got domain.Notification
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "hi", got.Subject)
}

func TestWebhookSinkNon2xxFails(t *testing.T) {
	var c captured
	srv := c.server(t, http.StatusBadGateway)
	disabled := false
	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL}, nil)
	err := sink.Send(t.Context(), domain.Notification{ID: "n1", Channel: "crm"})
	assert.ErrorContains(t, err, "status 502")

	off := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Enabled: &disabled}, nil)
	assert.False(t, off.Accepts(domain.Notification{Channel: "crm"}))
}

func TestBusBroadcasts(t *testing.T) {
	bus := NewBus("", logging.Discard())
	defer bus.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	notes, err := bus.Subscribe(ctx, DefaultNotificationTopic)
	require.NoError(t, err)
	evts, err := bus.Subscribe(ctx, EventsTopic)
	require.NoError(t, err)

	require.NoError(t, bus.Send(ctx, domain.Notification{ID: "n1", Message: "moved"}))
	require.NoError(t, bus.PublishEvent(ctx, domain.DomainEvent{ID: "e1", Type: domain.TriggerStageChanged}))

	select {
	case msg := <-notes:
		var n domain.Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		assert.Equal(t, "moved", n.Message)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	select {
	case msg := <-evts:
		assert.Equal(t, "e1", msg.UUID)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestTailLogsNotificationsAndEvents(t *testing.T) {
	bus := NewBus("", logging.Discard())
	defer bus.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	out := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	require.NoError(t, bus.Tail(ctx, logger))

	require.NoError(t, bus.Send(ctx, domain.Notification{ID: "n1", Message: "moved"}))
	require.NoError(t, bus.PublishEvent(ctx, domain.DomainEvent{ID: "e1", Type: domain.TriggerStageChanged, EntityID: "opp-1"}))

	assert.Eventually(t, func() bool {
		logged := out.String()
		return strings.Contains(logged, `"message":"moved"`) && strings.Contains(logged, `"event_id":"e1"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisSinkRejectsBadURL(t *testing.T) {
	_, err := NewRedisSink("http://nope", "crm")
	assert.Error(t, err)
	_, err = NewRedisSink("redis://localhost:6379/0", "")
	assert.Error(t, err)
}

func TestForwarderPostsMatchingEvents(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	var c captured
	srv := c.server(t, http.StatusOK)
	f := &Forwarder{
		Repo:     repo.Repo{DB: conn},
		Webhooks: []config.WebhookConfig{{URL: srv.URL, Events: []string{"stage_changed"}}, {URL: srv.URL}},
		Logger:   logging.Discard(),
	}
	require.True(t, f.Enabled())
	f.ForwardOnce(t.Context())

	tx, err := conn.BeginTx(t.Context(), nil)
	require.NoError(t, err)
	w := events.Writer{}
	_, err = w.Append(t.Context(), tx, "pipeline.create", domain.KindPipeline, "p1", "p1", "", nil)
	require.NoError(t, err)
	evt := domain.DomainEvent{Type: domain.TriggerStageChanged, EntityID: "o1", Payload: map[string]any{"to_stage": "won"}}
	_, err = w.AppendDomain(t.Context(), tx, &evt, "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	f.ForwardOnce(t.Context())
	require.Len(t, c.bodies, 1)
	var got forwardedEvent
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "stage_changed", got.Type)
	assert.Equal(t, "system", got.ActorID)
	assert.JSONEq(t, `{"to_stage":"won"}`, string(got.Payload))

	f.ForwardOnce(t.Context())
	assert.Len(t, c.bodies, 1)
}
