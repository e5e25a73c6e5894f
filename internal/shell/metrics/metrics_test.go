package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordDeployment("running")
	m.RecordDeployment("running")
	m.RecordHook("pre_deployment", false)
	m.SetPortsAllocated(3)
	m.RecordWorkflowRun("succeeded")
	m.RecordUnitHealth("shop", true)
	m.RecordStage("cloning", true, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deployments.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookExecutions.WithLabelValues("pre_deployment", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PortsAllocated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowRuns.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitHealth.WithLabelValues("shop")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))

	m.ForgetUnit("shop")
	assert.Equal(t, 0, testutil.CollectAndCount(m.UnitHealth))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDeployment("failed")
		m.RecordHook("post_deployment", true)
		m.SetPortsAllocated(1)
		m.RecordWorkflowRun("failed")
		m.RecordUnitHealth("x", false)
		m.ForgetUnit("x")
		m.RecordStage("building", false, time.Second)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetPortsAllocated(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hostd_ports_allocated 7")
}
