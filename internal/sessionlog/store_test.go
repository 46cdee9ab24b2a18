package sessionlog

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

var (
	t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCloseAndList(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "usage_log.db"))
	ctx := context.Background()

	id, err := store.OpenSession(ctx, "A", "7", 1000, t0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero session id")
	}

	open, err := store.CurrentOpen(ctx)
	if err != nil {
		t.Fatalf("current open: %v", err)
	}
	if open == nil || open.ID != id || open.StopTS != nil {
		t.Fatalf("unexpected open session %+v", open)
	}

	if err := store.CloseSession(ctx, id, 4500, t1, "EVDisconnected"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	sessions, err := store.ListSessions(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.BackendID != "A" || s.StartMeterWh != 1000 || s.StopMeterWh == nil || *s.StopMeterWh != 4500 {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.EnergyWh() != 3500 {
		t.Fatalf("expected 3500 Wh, got %d", s.EnergyWh())
	}
	if !s.StartTS.Equal(t0) || s.StopTS == nil || !s.StopTS.Equal(t1) {
		t.Fatalf("timestamps mangled: %+v", s)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "usage_log.db"))
	err := store.CloseSession(context.Background(), 99, 0, t1, "Local")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// A session written before a restart is recovered exactly after reopen.
func TestSessionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage_log.db")
	ctx := context.Background()

	store, err := Open(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := store.OpenSession(ctx, "A", "7", 1000, t0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.CloseSession(ctx, id, 2000, t1, "Remote"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened := openStore(t, path)
	sessions, err := reopened.ListSessions(ctx, Filter{})
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after reopen, got %d", len(sessions))
	}
	s := sessions[0]
	if s.ID != id || s.BackendID != "A" || s.TransactionID != "7" || s.EnergyWh() != 1000 || s.Reason != "Remote" {
		t.Fatalf("session not recovered exactly: %+v", s)
	}
}

// Opening a new session while one is open supersedes the stale one, so
// at most one open session exists at any time.
func TestSingleOpenSessionInvariant(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "usage_log.db"))
	ctx := context.Background()

	first, err := store.OpenSession(ctx, "A", "7", 1000, t0)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := store.OpenSession(ctx, "B", "8", 2000, t1)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}

	open, err := store.CurrentOpen(ctx)
	if err != nil {
		t.Fatalf("current open: %v", err)
	}
	if open == nil || open.ID != second {
		t.Fatalf("expected second session open, got %+v", open)
	}

	sessions, err := store.ListSessions(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, s := range sessions {
		if s.ID == first {
			if s.StopTS == nil || s.Reason != ReasonSuperseded {
				t.Fatalf("stale session not superseded: %+v", s)
			}
		}
	}
}

func TestListFilters(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "usage_log.db"))
	ctx := context.Background()

	id1, _ := store.OpenSession(ctx, "A", "1", 0, t0)
	_ = store.CloseSession(ctx, id1, 100, t0.Add(30*time.Minute), "Local")
	id2, _ := store.OpenSession(ctx, "B", "2", 0, t1)
	_ = store.CloseSession(ctx, id2, 100, t1.Add(30*time.Minute), "Local")

	byBackend, err := store.ListSessions(ctx, Filter{BackendID: "A"})
	if err != nil {
		t.Fatalf("filter backend: %v", err)
	}
	if len(byBackend) != 1 || byBackend[0].BackendID != "A" {
		t.Fatalf("backend filter wrong: %+v", byBackend)
	}

	from := t0.Add(30 * time.Minute)
	byTime, err := store.ListSessions(ctx, Filter{From: &from})
	if err != nil {
		t.Fatalf("filter from: %v", err)
	}
	if len(byTime) != 1 || byTime[0].BackendID != "B" {
		t.Fatalf("time filter wrong: %+v", byTime)
	}
}

func TestCSVExportShape(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "usage_log.db"))
	ctx := context.Background()

	id1, _ := store.OpenSession(ctx, "A", "1", 1000, t0)
	_ = store.CloseSession(ctx, id1, 4500, t1, "EVDisconnected")
	id2, _ := store.OpenSession(ctx, "B", "2", 5000, t1)
	_ = store.CloseSession(ctx, id2, 6000, t1.Add(time.Hour), "Remote")

	var buf bytes.Buffer
	if err := store.ExportCSV(ctx, &buf, Filter{BackendID: "A"}); err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}

	wantHeader := []string{"session_id", "backend_id", "start_ts", "stop_ts", "start_meter_wh", "stop_meter_wh", "energy_wh", "reason"}
	for i, column := range wantHeader {
		if records[0][i] != column {
			t.Fatalf("column %d: expected %s, got %s", i, column, records[0][i])
		}
	}

	row := records[1]
	if row[1] != "A" || row[4] != "1000" || row[5] != "4500" || row[6] != "3500" || row[7] != "EVDisconnected" {
		t.Fatalf("unexpected row %v", row)
	}
	if row[2] != "2025-03-01T12:00:00Z" || row[3] != "2025-03-01T13:00:00Z" {
		t.Fatalf("timestamps not ISO-8601 UTC seconds: %v", row)
	}
}
