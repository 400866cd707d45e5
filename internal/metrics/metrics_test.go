package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_SetsServerInfo(t *testing.T) {
	Init("1.2.3", "local")

	if got := testutil.ToFloat64(serverInfo.WithLabelValues("1.2.3", "local")); got != 1 {
		t.Errorf("server_info = %v, want 1", got)
	}
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(PopulationRuns.WithLabelValues("cron", "completed"))
	PopulationRuns.WithLabelValues("cron", "completed").Inc()
	if got := testutil.ToFloat64(PopulationRuns.WithLabelValues("cron", "completed")); got != before+1 {
		t.Errorf("population_runs_total = %v, want %v", got, before+1)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	LockContention.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "populator_job_lock_contention_total") {
		t.Error("metrics output missing populator_job_lock_contention_total")
	}
}
