package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rewired-gh/eraops/internal/fingerprint"
	"github.com/rewired-gh/eraops/internal/models"
)

func mustStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "snapshots.db"), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func teams(n int, era float64) []models.TeamRecord {
	out := make([]models.TeamRecord, n)
	for i := range out {
		out[i] = models.TeamRecord{
			ID:              100 + i,
			Name:            fmt.Sprintf("Team %d", 100+i),
			ERA:             era,
			OPS:             0.700,
			Wins:            10,
			Losses:          5,
			RunsScored:      models.IntPtr(50),
			RunsAllowed:     models.IntPtr(40),
			RunDifferential: models.IntPtr(10),
		}
	}
	return out
}

// insertRaw writes a row exactly as given, the way older schemas left them.
func insertRaw(t *testing.T, s *Storage, ts time.Time, season sql.NullInt64, teamCount int, hash sql.NullString, data string) int64 {
	t.Helper()
	res, err := s.db.Exec(
		`INSERT INTO snapshots (captured_at, season, team_count, data_hash, data) VALUES (?, ?, ?, ?, ?)`,
		ts.UnixMicro(), season, teamCount, hash, data)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("LastInsertId failed: %v", err)
	}
	return id
}

func TestStorage_NewAppliesMigrations(t *testing.T) {
	s := mustStorage(t)
	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if dirty {
		t.Error("schema is dirty after migration")
	}
	if version != 2 {
		t.Errorf("Expected schema version 2, got %d", version)
	}
}

func TestStorage_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.CreateSnapshot(ctx, teams(30, 3.5), 2025); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	_ = s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	n, err := s.CountSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("CountSnapshots failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 snapshot after reopen, got %d", n)
	}
}

func TestStorage_InMemory(t *testing.T) {
	s, err := New(MemoryPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.CreateSnapshot(ctx, teams(3, 3.5), 0); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if n, _ := s.CountSnapshots(ctx, 0); n != 1 {
		t.Errorf("Expected 1 snapshot, got %d", n)
	}
}

func TestStorage_CreateSnapshot(t *testing.T) {
	captured := time.Date(2025, 6, 10, 18, 30, 0, 123456789, time.UTC)
	s := mustStorage(t, WithClock(func() time.Time { return captured }))
	ctx := context.Background()

	recs := teams(30, 3.5)
	snap, err := s.CreateSnapshot(ctx, recs, 0)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	if snap.ID <= 0 {
		t.Errorf("Expected store-assigned id, got %d", snap.ID)
	}
	if snap.Season != 2025 {
		t.Errorf("Expected derived season 2025, got %d", snap.Season)
	}
	if snap.TeamCount != 30 {
		t.Errorf("Expected team count 30, got %d", snap.TeamCount)
	}
	if snap.DataHash != fingerprint.Fingerprint(recs) {
		t.Error("data hash does not match fingerprint of records")
	}
	if !snap.Timestamp.Equal(captured.Truncate(time.Microsecond)) {
		t.Errorf("Expected timestamp %v, got %v", captured, snap.Timestamp)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("created snapshot is invalid: %v", err)
	}

	got, err := s.SnapshotByID(ctx, snap.ID)
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if !got.Timestamp.Equal(snap.Timestamp) || got.DataHash != snap.DataHash || len(got.Teams) != 30 {
		t.Errorf("round trip mismatch: %+v", got.SnapshotMeta)
	}
	if *got.Teams[0].RunDifferential != 10 {
		t.Errorf("Expected run differential 10, got %d", *got.Teams[0].RunDifferential)
	}
}

func TestStorage_CreateSnapshotExplicitSeason(t *testing.T) {
	s := mustStorage(t)
	snap, err := s.CreateSnapshotAt(context.Background(), teams(2, 3.5), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), 2025)
	if err != nil {
		t.Fatalf("CreateSnapshotAt failed: %v", err)
	}
	if snap.Season != 2025 {
		t.Errorf("Expected explicit season 2025, got %d", snap.Season)
	}
}

func TestStorage_CreateSnapshotRejectsEmpty(t *testing.T) {
	s := mustStorage(t)
	if _, err := s.CreateSnapshot(context.Background(), nil, 0); !errors.Is(err, ErrEmptySnapshot) {
		t.Errorf("Expected ErrEmptySnapshot, got %v", err)
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	recs := teams(2, 3.5)
	snap, err := s.CreateSnapshot(ctx, recs, 0)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	recs[0].ERA = 6.9
	snap.Teams[0].ERA = 6.8

	first, _ := s.SnapshotByID(ctx, snap.ID)
	first.Teams[0].ERA = 6.7
	*first.Teams[0].RunDifferential = 99

	second, err := s.SnapshotByID(ctx, snap.ID)
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if second.Teams[0].ERA != 3.5 || *second.Teams[0].RunDifferential != 10 {
		t.Errorf("stored records were mutated through a returned copy: %+v", second.Teams[0])
	}
}

func TestStorage_NotFound(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	if _, err := s.SnapshotByID(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("SnapshotByID: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LatestSnapshot(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestSnapshot: expected ErrNotFound, got %v", err)
	}
}

func TestStorage_LatestSnapshotBySeason(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	old, _ := s.CreateSnapshotAt(ctx, teams(2, 3.1), base, 0)
	mid, _ := s.CreateSnapshotAt(ctx, teams(2, 3.2), base.Add(24*time.Hour), 0)
	cur, _ := s.CreateSnapshotAt(ctx, teams(2, 3.3), base.AddDate(1, 0, 0), 0)

	latest, err := s.LatestSnapshot(ctx, 0)
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if latest.ID != cur.ID {
		t.Errorf("Expected latest %d, got %d", cur.ID, latest.ID)
	}

	latest2024, err := s.LatestSnapshot(ctx, 2024)
	if err != nil {
		t.Fatalf("LatestSnapshot(2024) failed: %v", err)
	}
	if latest2024.ID != mid.ID {
		t.Errorf("Expected latest 2024 snapshot %d, got %d (old=%d)", mid.ID, latest2024.ID, old.ID)
	}

	if _, err := s.LatestSnapshot(ctx, 2019); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty season, got %v", err)
	}
}

func TestStorage_ListAndCount(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := s.CreateSnapshotAt(ctx, teams(2, 3.0+float64(i)/10), base.Add(time.Duration(i)*time.Hour), 0); err != nil {
			t.Fatalf("CreateSnapshotAt failed: %v", err)
		}
	}
	if _, err := s.CreateSnapshotAt(ctx, teams(2, 4.0), base.AddDate(-1, 0, 0), 0); err != nil {
		t.Fatalf("CreateSnapshotAt failed: %v", err)
	}

	list, err := s.ListSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(list) != 6 {
		t.Fatalf("Expected 6 snapshots, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Timestamp.After(list[i-1].Timestamp) {
			t.Errorf("ListSnapshots not newest first at %d", i)
		}
	}

	metas, err := s.SnapshotMetas(ctx)
	if err != nil {
		t.Fatalf("SnapshotMetas failed: %v", err)
	}
	for i := 1; i < len(metas); i++ {
		if metas[i].Timestamp.Before(metas[i-1].Timestamp) {
			t.Errorf("SnapshotMetas not oldest first at %d", i)
		}
	}

	if n, _ := s.CountSnapshots(ctx, 2025); n != 5 {
		t.Errorf("Expected 5 snapshots in 2025, got %d", n)
	}
	if n, _ := s.CountSnapshots(ctx, 2024); n != 1 {
		t.Errorf("Expected 1 snapshot in 2024, got %d", n)
	}
	if n, _ := s.CountSnapshots(ctx, 0); n != 6 {
		t.Errorf("Expected 6 snapshots total, got %d", n)
	}
}

func TestStorage_HistorySkipsMissingTeam(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		recs := []models.TeamRecord{
			{ID: 111, ERA: 4.0, OPS: 0.7},
			{ID: 147, ERA: 3.0 + float64(i)/100, OPS: 0.750, RunsScored: models.IntPtr(300 + i), RunsAllowed: models.IntPtr(300), RunDifferential: models.IntPtr(i)},
		}
		if i == 3 || i == 7 {
			recs = recs[:1]
		}
		if _, err := s.CreateSnapshotAt(ctx, recs, base.Add(time.Duration(i)*time.Hour), 0); err != nil {
			t.Fatalf("CreateSnapshotAt failed: %v", err)
		}
	}

	points, err := s.History(ctx, 147, 10, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(points) != 8 {
		t.Fatalf("Expected 8 points, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if !points[i].Timestamp.After(points[i-1].Timestamp) {
			t.Errorf("history not ascending at %d", i)
		}
	}
	last := 9
	if points[0].ERA != 3.0 || points[len(points)-1].ERA != 3.0+float64(last)/100 {
		t.Errorf("unexpected endpoints: %v .. %v", points[0].ERA, points[len(points)-1].ERA)
	}
}

func TestStorage_HistoryLimitAndSeason(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if _, err := s.CreateSnapshotAt(ctx, []models.TeamRecord{{ID: 147, ERA: 3.0 + float64(i)/2, OPS: 0.7}}, base.Add(time.Duration(i)*time.Hour), 0); err != nil {
			t.Fatalf("CreateSnapshotAt failed: %v", err)
		}
	}

	points, err := s.History(ctx, 147, 3, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(points) != 3 || points[0].ERA != 4.5 || points[2].ERA != 5.5 {
		t.Errorf("Expected the 3 most recent points ascending, got %+v", points)
	}

	if points, _ := s.History(ctx, 147, 0, 0); len(points) != 0 {
		t.Errorf("Expected no points for zero limit, got %d", len(points))
	}
	if points, _ := s.History(ctx, 147, 10, 2019); len(points) != 0 {
		t.Errorf("Expected no points for empty season, got %d", len(points))
	}
	if points, _ := s.History(ctx, 999, 10, 0); len(points) != 0 {
		t.Errorf("Expected no points for unknown team, got %d", len(points))
	}
}

func TestStorage_DeleteSnapshotsInBatches(t *testing.T) {
	s := mustStorage(t, WithCacheSize(4))
	ctx := context.Background()

	var ids []int64
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		snap, err := s.CreateSnapshotAt(ctx, teams(1, 3.5), base.Add(time.Duration(i)*time.Minute), 0)
		if err != nil {
			t.Fatalf("CreateSnapshotAt failed: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	// Includes an id that does not exist.
	n, err := s.DeleteSnapshots(ctx, append(ids[:20:20], 9999), 7)
	if err != nil {
		t.Fatalf("DeleteSnapshots failed: %v", err)
	}
	if n != 20 {
		t.Errorf("Expected 20 deleted, got %d", n)
	}
	if remaining, _ := s.CountSnapshots(ctx, 0); remaining != 5 {
		t.Errorf("Expected 5 remaining, got %d", remaining)
	}
	if _, err := s.SnapshotByID(ctx, ids[19]); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleted snapshot to read as not found, got %v", err)
	}
	if _, err := s.SnapshotByID(ctx, ids[20]); err != nil {
		t.Errorf("surviving snapshot unreadable: %v", err)
	}

	if n, err := s.DeleteSnapshots(ctx, nil, 0); err != nil || n != 0 {
		t.Errorf("empty delete: n=%d err=%v", n, err)
	}
}

func TestStorage_DeleteHonoursCancelledContext(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()
	snap, _ := s.CreateSnapshot(ctx, teams(1, 3.5), 0)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.DeleteSnapshots(cancelled, []int64{snap.ID}, 0); err == nil {
		t.Error("Expected error with cancelled context")
	}
	if n, _ := s.CountSnapshots(ctx, 0); n != 1 {
		t.Errorf("Expected snapshot to survive a failed delete, got count %d", n)
	}
}

func TestStorage_Backfill(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	legacy := `[{"id":147,"name":"Yankees","era":"3.45","ops":".780","wins":"90","losses":60},
	            {"id":111,"name":"Red Sox","era":4.1,"ops":0.72}]`
	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertRaw(t, s, ts.Add(time.Duration(i)*time.Hour), sql.NullInt64{}, 0, sql.NullString{}, legacy))
	}
	modern, err := s.CreateSnapshot(ctx, teams(2, 3.5), 0)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	n, err := s.Backfill(ctx, 2)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 rows backfilled, got %d", n)
	}

	snap, err := s.SnapshotByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if snap.Season != 2023 {
		t.Errorf("Expected season 2023 derived from March capture, got %d", snap.Season)
	}
	if snap.TeamCount != 2 {
		t.Errorf("Expected team_count 2, got %d", snap.TeamCount)
	}
	if snap.DataHash != fingerprint.Fingerprint(snap.Teams) {
		t.Error("backfilled hash does not match content")
	}
	if snap.Teams[0].ERA != 3.45 || snap.Teams[0].Wins != 90 {
		t.Errorf("legacy record not normalized: %+v", snap.Teams[0])
	}

	st, err := s.Stats(ctx, 28)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.MissingSeason != 0 || st.MissingHash != 0 {
		t.Errorf("Expected no missing metadata after backfill, got %+v", st)
	}

	if again, err := s.Backfill(ctx, 2); err != nil || again != 0 {
		t.Errorf("second backfill: n=%d err=%v", again, err)
	}
	if after, _ := s.SnapshotByID(ctx, modern.ID); after.DataHash != modern.DataHash {
		t.Error("backfill touched a complete row")
	}
}

func TestStorage_LegacyRowsAreRevalidated(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	legacy := `[{"id":147,"name":"Yankees","era":3.5,"ops":0.75,"runs_scored":300,"runs_allowed":200,"run_differential":999},
	            {"id":111,"name":"Red Sox","era":12.5,"ops":0.40},
	            {"id":147,"name":"Yankees","era":4.0,"ops":0.70}]`
	id := insertRaw(t, s, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), sql.NullInt64{}, 0, sql.NullString{}, legacy)

	pending, err := s.PendingBackfill(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBackfill failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].TeamCount != 1 || pending[0].Season != 2025 {
		t.Fatalf("unexpected pending backfill: %+v", pending)
	}

	if _, err := s.Backfill(ctx, 10); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	snap, err := s.SnapshotByID(ctx, id)
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if snap.TeamCount != 1 || len(snap.Teams) != 1 {
		t.Fatalf("Expected one valid team, got count=%d teams=%+v", snap.TeamCount, snap.Teams)
	}
	rec := snap.Teams[0]
	if rec.ID != 147 || rec.ERA != 3.5 {
		t.Errorf("Expected the first Yankees record, got %+v", rec)
	}
	if rec.RunDifferential == nil || *rec.RunDifferential != 100 {
		t.Errorf("Expected recomputed run differential 100, got %v", rec.RunDifferential)
	}
	if snap.DataHash != fingerprint.Fingerprint(snap.Teams) || snap.DataHash != pending[0].DataHash {
		t.Error("backfilled hash does not match validated content")
	}
}

func TestStorage_StoredRecordsSurviveRevalidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	recs := []models.TeamRecord{
		{ID: 147, Name: "Yankees", ERA: 3.5, OPS: 0.75, Wins: 40, Losses: 30,
			RunsScored: models.IntPtr(375), RunsAllowed: models.IntPtr(350), RunDifferential: models.IntPtr(25), RunsEstimated: true},
		{ID: 110, Name: "Orioles", ERA: 4.0, OPS: 0.70, RunsScored: models.IntPtr(310)},
	}
	created, err := s.CreateSnapshot(ctx, recs, 0)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	snap, err := s.SnapshotByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if !reflect.DeepEqual(snap.Teams, recs) {
		t.Errorf("records changed on read:\n got %+v\nwant %+v", snap.Teams, recs)
	}
	if fingerprint.Fingerprint(snap.Teams) != created.DataHash {
		t.Error("decoded content no longer matches its hash")
	}
}

func TestStorage_Stats(t *testing.T) {
	s := mustStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	_, _ = s.CreateSnapshotAt(ctx, teams(30, 3.5), base, 0)
	_, _ = s.CreateSnapshotAt(ctx, teams(30, 3.5), base.Add(time.Hour), 0)
	_, _ = s.CreateSnapshotAt(ctx, teams(27, 3.6), base.Add(2*time.Hour), 0)
	_, _ = s.CreateSnapshotAt(ctx, teams(30, 3.7), base.AddDate(-1, 0, 0), 0)
	insertRaw(t, s, base.Add(3*time.Hour), sql.NullInt64{}, 0, sql.NullString{}, `[]`)

	st, err := s.Stats(ctx, 28)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Total != 5 {
		t.Errorf("Expected total 5, got %d", st.Total)
	}
	if st.BySeason[2025] != 3 || st.BySeason[2024] != 1 {
		t.Errorf("unexpected season counts: %v", st.BySeason)
	}
	if st.DuplicateSets != 1 {
		t.Errorf("Expected 1 duplicate set, got %d", st.DuplicateSets)
	}
	if st.Incomplete != 2 {
		t.Errorf("Expected 2 incomplete, got %d", st.Incomplete)
	}
	if st.MissingSeason != 1 || st.MissingHash != 1 {
		t.Errorf("Expected 1 missing season and hash, got %d/%d", st.MissingSeason, st.MissingHash)
	}
	if !st.Oldest.Equal(base.AddDate(-1, 0, 0)) || !st.Newest.Equal(base.Add(3*time.Hour)) {
		t.Errorf("unexpected range %v .. %v", st.Oldest, st.Newest)
	}

	if err := s.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}
