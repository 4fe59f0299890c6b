package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExposesCollectors(t *testing.T) {
	r := New()
	r.TransfersSeen.Inc()
	r.Deliveries.WithLabelValues("ok").Add(2)
	r.TasksRunning.Set(2)

	body := scrape(t, r)
	for _, name := range []string{
		"zapd_watcher_transfers_seen_total 1",
		`zapd_webhook_deliveries_total{result="ok"} 2`,
		"zapd_supervisor_tasks_running 2",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in exposition, got:\n%s", name, body)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.TransfersMatched.Inc()
	if strings.Contains(scrape(t, b), "zapd_watcher_transfers_matched_total 1") {
		t.Fatal("expected isolated registries")
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(body)
}
