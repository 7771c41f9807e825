package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/eraops/internal/coordinator"
	"github.com/rewired-gh/eraops/internal/retention"
)

var (
	_ coordinator.Recorder = (*Metrics)(nil)
	_ retention.Recorder   = (*Metrics)(nil)
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.SourceFetch("ok", 120*time.Millisecond)
	m.SourceFetch("ok", 80*time.Millisecond)
	m.SourceFetch("timeout", time.Second)
	m.SourceRetry()
	m.RecordRejected("era_out_of_range")
	m.TeamSkipped()
	m.SnapshotCommitted(30)
	m.PassFailed("storage")
	m.RetentionDeleted("duplicates", 4)
	m.RetentionDeleted("thinned", 0)
	m.StoredSnapshots(1234)
	m.MaintenanceRun("normal", 2*time.Second, nil)
	m.MaintenanceRun("emergency", time.Second, errors.New("boom"))

	body := scrape(t, m)
	want := []string{
		`eraops_source_fetches_total{outcome="ok"} 2`,
		`eraops_source_fetches_total{outcome="timeout"} 1`,
		`eraops_source_fetch_duration_seconds_count 3`,
		`eraops_source_retries_total 1`,
		`eraops_records_rejected_total{reason="era_out_of_range"} 1`,
		`eraops_teams_skipped_total 1`,
		`eraops_snapshots_committed_total 1`,
		`eraops_last_snapshot_teams 30`,
		`eraops_update_passes_failed_total{kind="storage"} 1`,
		`eraops_retention_deleted_total{step="duplicates"} 4`,
		`eraops_stored_snapshots 1234`,
		`eraops_maintenance_runs_total{result="ok",urgency="normal"} 1`,
		`eraops_maintenance_runs_total{result="error",urgency="emergency"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("exposition missing %q", w)
		}
	}
	if strings.Contains(body, `step="thinned"`) {
		t.Errorf("zero deletions should not create a series")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SourceFetch("ok", time.Millisecond)
	m.SourceRetry()
	m.RecordRejected("x")
	m.TeamSkipped()
	m.SnapshotCommitted(1)
	m.PassFailed("x")
	m.RetentionDeleted("x", 1)
	m.StoredSnapshots(1)
	m.MaintenanceRun("none", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}
