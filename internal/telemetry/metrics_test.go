package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.StageMoved("p1", "proposal")
	m.StageMoved("p1", "proposal")
	m.WorkflowRun("stage_changed", "success")
	m.NotificationSent("webhook", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageMoves.WithLabelValues("p1", "proposal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowRuns.WithLabelValues("stage_changed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsSent.WithLabelValues("webhook", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "crmflow_pipeline_stage_moves_total"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StageMoved("p", "s")
	m.EventDispatched("stage_changed", 0.1)
	m.WorkflowRun("stage_changed", "skipped")
	m.NotificationSent("redis", nil)
	assert.Nil(t, m.Registry())
}
