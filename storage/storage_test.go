package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"otp-notifier/pkg/otp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "state.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func record(id string, ingested time.Time) *otp.Record {
	return &otp.Record{
		ID:         id,
		Timestamp:  "2026-01-01 10:00:00",
		Sender:     "Acme",
		Body:       "Your code is 123456",
		Service:    "acme",
		IngestedAt: ingested,
	}
}

func TestSaveRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	for range 3 {
		if err := s.SaveRecord(ctx, record("a", now)); err != nil {
			t.Fatalf("SaveRecord() error = %v", err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	ok, err := s.Exists(ctx, "a")
	if err != nil || !ok {
		t.Errorf("Exists(a) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Exists(ctx, "b")
	if err != nil || ok {
		t.Errorf("Exists(b) = %v, %v; want false, nil", ok, err)
	}
}

func TestMarkNotified(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	if err := s.SaveRecord(ctx, record("a", now)); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.NotifiedAt != nil {
		t.Fatalf("NotifiedAt = %v before dispatch, want nil", got.NotifiedAt)
	}

	at := now.Add(time.Second)
	if err := s.MarkNotified(ctx, "a", at); err != nil {
		t.Fatalf("MarkNotified() error = %v", err)
	}
	got, err = s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.NotifiedAt == nil || !got.NotifiedAt.Equal(at) {
		t.Errorf("NotifiedAt = %v, want %v", got.NotifiedAt, at)
	}
	if !got.IngestedAt.Equal(now) {
		t.Errorf("IngestedAt = %v, want %v", got.IngestedAt, now)
	}

	if err := s.MarkNotified(ctx, "missing", at); !IsNotFound(err) {
		t.Errorf("MarkNotified(missing) error = %v, want not found", err)
	}
}

func TestRecentAndLast(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Last(ctx); !IsNotFound(err) {
		t.Errorf("Last() on empty store error = %v, want not found", err)
	}

	base := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		if err := s.SaveRecord(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveRecord(%s) error = %v", id, err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "third" || recent[1].ID != "second" {
		t.Errorf("Recent(2) = %v, want [third second]", ids(recent))
	}

	last, err := s.Last(ctx)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if last.ID != "third" {
		t.Errorf("Last().ID = %q, want third", last.ID)
	}

	between, err := s.Between(ctx, base.Add(30*time.Second), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Between() error = %v", err)
	}
	if len(between) != 2 {
		t.Errorf("Between() = %v, want [third second]", ids(between))
	}
}

func ids(records []*otp.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestDeleteOlderThanKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	if err := s.SaveRecord(ctx, record("old", now.Add(-40*24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(ctx, record("new", now)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWatermark(ctx, "old"); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", n)
	}
	if ok, _ := s.Exists(ctx, "old"); ok {
		t.Error("old record survived retention")
	}
	if ok, _ := s.Exists(ctx, "new"); !ok {
		t.Error("new record was deleted")
	}

	wm, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() error = %v", err)
	}
	if wm != "old" {
		t.Errorf("Watermark() = %q, want old", wm)
	}
}

func TestStateOperations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.State(ctx, "missing"); err != nil || ok {
		t.Errorf("State(missing) = _, %v, %v; want false, nil", ok, err)
	}

	if err := s.SetState(ctx, "k1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(ctx, "k1", "v2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(ctx, "k2", "x"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := s.State(ctx, "k1")
	if err != nil || !ok || v != "v2" {
		t.Errorf("State(k1) = %q, %v, %v; want v2, true, nil", v, ok, err)
	}

	all, err := s.AllStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("AllStates() = %v, want 2 entries", all)
	}

	removed, err := s.ClearState(ctx, "k1")
	if err != nil || !removed {
		t.Errorf("ClearState(k1) = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.ClearState(ctx, "k1")
	if err != nil || removed {
		t.Errorf("second ClearState(k1) = %v, %v; want false, nil", removed, err)
	}

	n, err := s.ClearAllStates(ctx)
	if err != nil || n != 1 {
		t.Errorf("ClearAllStates() = %d, %v; want 1, nil", n, err)
	}
}

func TestWatermarkDefaultsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	wm, err := s.Watermark(ctx)
	if err != nil || wm != "" {
		t.Errorf("Watermark() = %q, %v; want empty, nil", wm, err)
	}
	if err := s.SetWatermark(ctx, "2026-01-01_10:00:00_Acme"); err != nil {
		t.Fatal(err)
	}
	wm, _ = s.Watermark(ctx)
	if wm != "2026-01-01_10:00:00_Acme" {
		t.Errorf("Watermark() = %q after set", wm)
	}
}

func TestInfoAndHealth(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.OTPCount != 0 || !info.Oldest.IsZero() {
		t.Errorf("Info() on empty store = %+v", info)
	}

	if err := s.SaveRecord(ctx, record("a", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(ctx, record("b", now)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWatermark(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	info, err = s.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.OTPCount != 2 || info.StateCount != 1 {
		t.Errorf("Info() counts = %d otps, %d states; want 2, 1", info.OTPCount, info.StateCount)
	}
	if !info.Oldest.Equal(now.Add(-time.Hour)) || !info.Newest.Equal(now) {
		t.Errorf("Info() range = %v..%v", info.Oldest, info.Newest)
	}
	if info.SizeBytes <= 0 {
		t.Errorf("Info().SizeBytes = %d, want > 0", info.SizeBytes)
	}

	if h := s.Health(ctx); h.Status != otp.Healthy {
		t.Errorf("Health() = %+v, want healthy", h)
	}
}

func TestBackupProducesReadableCopy(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SaveRecord(ctx, record("a", time.Now())); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "backups", BackupName(time.Now()))
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	// A second backup to the same path replaces the first.
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("second Backup() error = %v", err)
	}

	copied, err := Open(dest, testLogger())
	if err != nil {
		t.Fatalf("Open(backup) error = %v", err)
	}
	defer func() {
		if err := copied.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()
	if ok, err := copied.Exists(ctx, "a"); err != nil || !ok {
		t.Errorf("backup Exists(a) = %v, %v; want true, nil", ok, err)
	}
}

func TestPruneLocal(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	for i := range 10 {
		name := BackupName(base.AddDate(0, 0, i))
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	removed, err := PruneLocal(dir, 7, testLogger())
	if err != nil {
		t.Fatalf("PruneLocal() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("PruneLocal() removed %d, want 3", removed)
	}

	for i := range 10 {
		_, err := os.Stat(filepath.Join(dir, BackupName(base.AddDate(0, 0, i))))
		if exists := err == nil; exists != (i >= 3) {
			t.Errorf("backup day %d exists = %v", i, exists)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.txt")); err != nil {
		t.Error("PruneLocal removed an unrelated file")
	}
}
