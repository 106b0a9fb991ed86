package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObservePipeline("retriever", "success", 3*time.Second)
	m.ObserveAttempt("retriever", "local", "failed", "script_failure", time.Second)
	m.ObserveRetry("retriever", "script_failure")
	m.JobStarted("local")
	m.JobStarted("local")
	m.JobFinished("local")
	m.ObserveCache("retriever", "hit")
	m.ObservePruned("artifacts", 2)
	m.ObservePruned("caches", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("retriever", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRetries.WithLabelValues("retriever", "script_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunningJobs.WithLabelValues("local")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Pruned.WithLabelValues("artifacts")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Pruned), "zero prunes add no series")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObservePipeline("p", "failed", time.Second)
	m.ObserveAttempt("p", "a", "success", "", time.Second)
	m.JobStarted("a")
	m.ObserveWebhook("gh", "202")
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveWebhook("github", "202")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `conduit_webhook_requests_total{code="202",endpoint="github"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
