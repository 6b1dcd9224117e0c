package crmsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveOpportunitySendsActorAndDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/pipelines/p1/opportunities/o1/move", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Actor"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Proposal", body["stage"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"opportunity":{"id":"o1","stage":"Proposal","probability":50},"workflows":[{"workflow_id":"w1","status":"success","executed_actions":1}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	opp, results, err := c.MoveOpportunity(context.Background(), "p1", "o1", "Proposal")
	require.NoError(t, err)
	assert.Equal(t, "Proposal", opp.Stage)
	require.Len(t, results, 1)
	assert.Equal(t, "success", results[0].Status)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"stage not found in pipeline","details":{"target":"Nope"}}}`))
	}))
	defer srv.Close()

	_, _, err := New(srv.URL).MoveOpportunity(context.Background(), "p1", "o1", "Nope")
	require.Error(t, err)
	assert.True(t, IsCode(err, "invalid_transition"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "Nope", apiErr.Details["target"])
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/events", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "17", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"id":16,"type":"contact_created"}],"next_cursor":"16"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "api"
	page, err := c.EventsPage(context.Background(), 2, "17")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "16", page.NextCursor)
}
