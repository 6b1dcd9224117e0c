package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/app"
	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/logging"
	"crmflow/internal/telemetry"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Seed = nil
	ws, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Logger:    logging.Discard(),
		Metrics:   telemetry.NewMetrics(),
	})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{Engine: ws.Engine, BasePath: "/v1", Metrics: ws.Metrics})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error
}

func createPipeline(t *testing.T, srv *testServer) domain.Pipeline {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{
		"name": "Sales",
		"stages": []map[string]any{
			{"name": "Prospecting", "probability": 10},
			{"name": "Proposal", "probability": 50},
			{"name": "Closed Won", "probability": 100},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pipeline status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal pipeline: %v", err)
	}
	return p
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"status":"ok"`)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "go_goroutines")
}

func TestMoveRunsWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPipeline(t, srv)
	require.Len(t, p.Stages, 3)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows", map[string]any{
		"name":               "tag proposals",
		"trigger_type":       "stage_changed",
		"trigger_conditions": map[string]any{"to_stage": "Proposal"},
		"actions": []map[string]any{
			{"type": "add_tag", "config": map[string]any{"tag": "hot"}},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var wf WorkflowResponse
	require.NoError(t, json.Unmarshal(data, &wf))
	assert.True(t, wf.IsActive)
	require.Len(t, wf.Actions, 1)
	assert.Equal(t, "hot", wf.Actions[0].Config["tag"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.ID+"/opportunities", map[string]any{
		"name":  "Acme Deal",
		"value": 10000,
	}, map[string]string{headerActor: "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created OpportunityResult
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, "Prospecting", created.Opportunity.Stage)
	assert.Equal(t, 10, created.Opportunity.Probability)

	oppID := created.Opportunity.ID
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.ID+"/opportunities/"+oppID+"/move", map[string]any{
		"stage": "Proposal",
	}, map[string]string{headerActor: "alice"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved OpportunityResult
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, "Proposal", moved.Opportunity.Stage)
	require.Len(t, moved.Workflows, 1)
	assert.Equal(t, domain.ExecutionSuccess, moved.Workflows[0].Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/opportunities/"+oppID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var fetched domain.Opportunity
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, []string{"hot"}, fetched.Tags)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=stage_changed", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, "alice", events.Items[0].ActorID)
	assert.Contains(t, events.Items[0].Payload, `"to_stage":"Proposal"`)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines/"+p.ID+"/aggregate", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"weighted_value":5000`)
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPipeline(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/opportunities/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.ID+"/opportunities", map[string]any{"name": "Deal"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created OpportunityResult
	require.NoError(t, json.Unmarshal(data, &created))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/"+p.ID+"/opportunities/"+created.Opportunity.ID+"/move", map[string]any{
		"stage": "Negotiation",
	}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, "Negotiation", body.Details["target"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows", map[string]any{
		"name":         "broken",
		"trigger_type": "lead_created",
		"actions":      []map[string]any{{"type": "add_tag", "config": map[string]any{}}},
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "validation_failed", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{"description": "no name"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/pipelines/"+p.ID, nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
}

func TestImportWorkflowsFromYAML(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	doc := `
workflows:
  - name: qualify leads
    trigger_type: lead_created
    actions:
      - type: create_task
        config:
          title: "Qualify {{name}}"
          due_in_days: 2
  - name: welcome
    trigger_type: contact_created
    actions:
      - type: send_notification
        config:
          message: "New contact {{name}}"
`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/workflows/import", strings.NewReader(doc))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/yaml")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var imported []WorkflowResponse
	require.NoError(t, json.Unmarshal(data, &imported))
	require.Len(t, imported, 2)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/leads", map[string]any{"name": "Globex"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Qualify Globex", tasks[0].Title)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/workflows/schema", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "trigger_type")
}

func TestEventPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, name := range []string{"Ada", "Grace", "Linus"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contacts", map[string]any{"name": name}, nil)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=contact_created&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=contact_created&limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.Contains(t, next.Items[0].Payload, "Ada")
}
