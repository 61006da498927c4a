package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.IncWorkResponse(protocol.WorkTypeBuild)
	m.IncJobTransition(protocol.JobAssigned)
	m.ObserveJobDuration(protocol.ResultPassed, time.Second)
	m.IncStaleReport("report_completed")
	m.IncCookieReissue()
	m.IncAssignmentRetry()
	m.IncIdentityRejection()
	m.AddConsoleLines(3)
	m.IncMaterialUpdate("ok")
	m.RegisterDrainState(func() bool { return true }, func() int { return 1 })
	m.RegisterAgentCounts(nil)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := NewMetrics()

	m.IncWorkResponse(protocol.WorkTypeBuild)
	m.IncWorkResponse(protocol.WorkTypeBuild)
	m.IncWorkResponse(protocol.WorkTypeNone)
	m.IncStaleReport("report_completed")
	m.AddConsoleLines(5)
	m.AddConsoleLines(0)

	body := scrape(t, m)
	assert.Contains(t, body, `silo_dispatch_work_responses_total{type="build"} 2`)
	assert.Contains(t, body, `silo_dispatch_work_responses_total{type="no_work"} 1`)
	assert.Contains(t, body, `silo_dispatch_job_stale_reports_total{call="report_completed"} 1`)
	assert.Contains(t, body, "silo_dispatch_console_lines_total 5")
}

func TestHandlerExportsRegisteredGauges(t *testing.T) {
	m := NewMetrics()
	m.RegisterDrainState(func() bool { return true }, func() int { return 2 })
	m.RegisterAgentCounts(func() map[protocol.AgentRuntimeStatus]int {
		return map[protocol.AgentRuntimeStatus]int{protocol.RuntimeIdle: 3}
	})

	body := scrape(t, m)
	assert.Contains(t, body, "silo_dispatch_drain_mode 1")
	assert.Contains(t, body, "silo_dispatch_material_updates_in_flight 2")
	assert.True(t, strings.Contains(body, `silo_dispatch_agent_runtime_status{status="Idle"} 3`))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
