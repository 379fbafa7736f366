package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Counters(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordJob("nmap", "completed", 3*time.Second)
	pm.RecordJob("nmap", "completed", time.Second)
	pm.RecordJob("nikto", "timeout", 1200*time.Second)
	pm.RecordJobError("nikto", "TIMEOUT")
	pm.RecordPlannerDecision("assisted", "fallback")
	pm.RecordParse("gobuster", true)
	pm.RecordParse("gobuster", false)
	pm.RecordProbe("unreachable")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("nmap", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("nikto", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobErrors.WithLabelValues("nikto", "TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.plannerDecisions.WithLabelValues("assisted", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.parseResults.WithLabelValues("gobuster", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.parseResults.WithLabelValues("gobuster", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.probes.WithLabelValues("unreachable")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.jobDuration))
}

func TestPrometheusMetrics_ActiveGauge(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.JobStarted()
	pm.JobStarted()
	pm.JobFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.activeJobs))
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordProbe("reachable")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `scanpilot_probe_total{result="reachable"} 1`)
}

func TestPrometheusMetrics_WriteTextfile(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordJob("sqlmap", "failed", time.Second)

	path := filepath.Join(t.TempDir(), "scanpilot.prom")
	require.NoError(t, pm.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `scanpilot_job_total{status="failed",tool="sqlmap"} 1`)
}

func TestGetGlobalMetrics(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))

	pm := NewPrometheusMetrics()
	assert.Same(t, pm, OrNop(pm))

	assert.NotPanics(t, func() {
		r := OrNop(nil)
		r.RecordJob("nmap", "completed", time.Second)
		r.JobStarted()
		r.JobFinished()
	})
}
