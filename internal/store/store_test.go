package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcaje/marcaje/internal/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func testRecord(t *testing.T, cedula string, at time.Time, typ record.ClockType) *record.AttendanceRecord {
	t.Helper()
	return record.New(record.Identity{
		UserID:   "user-1",
		Cedula:   cedula,
		TenantID: "tenant-1",
	}, record.Evidence{}, typ, at)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "attendance.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

func TestCreateEnqueuesSyncItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != record.StatusPending {
		t.Errorf("SyncStatus = %q, want pending", got.SyncStatus)
	}
	if got.Cedula != "100" || got.Timestamp != rec.Timestamp {
		t.Errorf("round-trip mismatch: got %+v", got)
	}

	items, err := s.QueueItemsForRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("QueueItemsForRecord() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d queue items, want 1", len(items))
	}
	if items[0].Status != record.QueuePending {
		t.Errorf("queue status = %q, want pending", items[0].Status)
	}
	if items[0].Action != record.ActionUpsert {
		t.Errorf("queue action = %q, want upsert", items[0].Action)
	}
}

func TestCreateRejectsDuplicateNaturalKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Now()
	first := testRecord(t, "100", at, record.ClockIn)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Same (cedula, day, ts) under a different id violates the natural key.
	dup := testRecord(t, "100", at, record.ClockIn)
	if err := s.Create(ctx, dup); err == nil {
		t.Fatal("Create() with duplicate natural key should fail")
	}

	// The failed creation must not leave a queue item behind.
	items, err := s.PendingQueueItems(ctx)
	if err != nil {
		t.Fatalf("PendingQueueItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("got %d pending queue items, want 1", len(items))
	}
}

func TestCreateSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.CreateSynced(ctx, rec); err != nil {
		t.Fatalf("CreateSynced() failed: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}

	items, err := s.QueueItemsForRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("QueueItemsForRecord() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("remote-sourced record should not enqueue: got %d items", len(items))
	}
}

func TestTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// pending -> syncing -> synced is the happy path.
	if err := s.Transition(ctx, rec.ID, record.StatusSyncing, false, Patch{}); err != nil {
		t.Fatalf("pending->syncing failed: %v", err)
	}
	now := time.Now()
	if err := s.Transition(ctx, rec.ID, record.StatusSynced, false, Patch{SyncedAt: &now}); err != nil {
		t.Fatalf("syncing->synced failed: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
	if got.SyncedAt == nil {
		t.Error("SyncedAt should be set")
	}

	// synced is terminal without the repair flag.
	err := s.Transition(ctx, rec.ID, record.StatusError, false, Patch{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("synced->error = %v, want ErrInvalidTransition", err)
	}
	err = s.Transition(ctx, rec.ID, record.StatusPending, false, Patch{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("synced->pending without repair = %v, want ErrInvalidTransition", err)
	}

	// Verifier repair is the only way back.
	if err := s.Transition(ctx, rec.ID, record.StatusPending, true, Patch{}); err != nil {
		t.Fatalf("synced->pending with repair failed: %v", err)
	}
	got, _ = s.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusPending {
		t.Errorf("after repair SyncStatus = %q, want pending", got.SyncStatus)
	}
}

func TestTransitionErrorPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := s.Transition(ctx, rec.ID, record.StatusSyncing, false, Patch{}); err != nil {
		t.Fatalf("pending->syncing failed: %v", err)
	}

	msg := "remote write failed"
	attempts := 1
	if err := s.Transition(ctx, rec.ID, record.StatusError, false, Patch{
		SyncError:    &msg,
		SyncAttempts: &attempts,
	}); err != nil {
		t.Fatalf("syncing->error failed: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.SyncError != msg {
		t.Errorf("SyncError = %q, want %q", got.SyncError, msg)
	}
	if got.SyncAttempts != 1 {
		t.Errorf("SyncAttempts = %d, want 1", got.SyncAttempts)
	}

	// error records are retryable.
	if err := s.Transition(ctx, rec.ID, record.StatusSyncing, false, Patch{}); err != nil {
		t.Errorf("error->syncing failed: %v", err)
	}
}

func TestNeedsSyncOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := testRecord(t, "100", base.Add(time.Duration(i)*time.Minute), record.ClockIn)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	// A synced record is excluded from the needs-sync set.
	synced := testRecord(t, "200", base, record.ClockIn)
	if err := s.CreateSynced(ctx, synced); err != nil {
		t.Fatalf("CreateSynced() failed: %v", err)
	}

	got, err := s.NeedsSync(ctx)
	if err != nil {
		t.Fatalf("NeedsSync() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.ID != ids[i] {
			t.Errorf("position %d: got %s, want %s (oldest first)", i, r.ID, ids[i])
		}
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("PendingCount = %d, want 3", n)
	}
}

func TestNaturalKeyLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 10, 8, 0, 0, 0, time.Local)
	rec := testRecord(t, "100", at, record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := s.GetByNaturalKey(ctx, rec.NaturalKey())
	if err != nil {
		t.Fatalf("GetByNaturalKey() failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("got id %s, want %s", got.ID, rec.ID)
	}

	_, err = s.GetByNaturalKey(ctx, record.NaturalKey{Cedula: "999", Date: "2024-01-10", Timestamp: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key = %v, want ErrNotFound", err)
	}

	keys, err := s.NaturalKeyTimestamps(ctx, "100", "2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("NaturalKeyTimestamps() failed: %v", err)
	}
	if !keys[rec.Timestamp] {
		t.Errorf("timestamp %d missing from key set", rec.Timestamp)
	}

	if err := s.DeleteByNaturalKey(ctx, rec.NaturalKey()); err != nil {
		t.Fatalf("DeleteByNaturalKey() failed: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete Get() = %v, want ErrNotFound", err)
	}

	// Tombstone application is idempotent.
	if err := s.DeleteByNaturalKey(ctx, rec.NaturalKey()); err != nil {
		t.Errorf("second DeleteByNaturalKey() = %v, want nil", err)
	}
}

func TestDeleteCascadesQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := s.DeleteByNaturalKey(ctx, rec.NaturalKey()); err != nil {
		t.Fatalf("DeleteByNaturalKey() failed: %v", err)
	}

	items, err := s.QueueItemsForRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("QueueItemsForRecord() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("queue items should cascade on delete: got %d", len(items))
	}
}

func TestLatestForCedula(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.Local)
	in := testRecord(t, "100", day.Add(8*time.Hour), record.ClockIn)
	out := testRecord(t, "100", day.Add(17*time.Hour), record.ClockOut)
	for _, r := range []*record.AttendanceRecord{in, out} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	got, err := s.LatestForCedula(ctx, "100", "2024-01-10")
	if err != nil {
		t.Fatalf("LatestForCedula() failed: %v", err)
	}
	if got.Type != record.ClockOut {
		t.Errorf("latest type = %q, want clock_out", got.Type)
	}

	_, err = s.LatestForCedula(ctx, "100", "2024-01-11")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("empty day = %v, want ErrNotFound", err)
	}
}

func TestByCedulaWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	days := []string{"2024-01-08", "2024-01-10", "2024-01-12"}
	for _, d := range days {
		at, _ := time.ParseInLocation("2006-01-02 15:04", d+" 08:00", time.Local)
		if err := s.Create(ctx, testRecord(t, "100", at, record.ClockIn)); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	got, err := s.ByCedula(ctx, "100", "2024-01-09", "2024-01-11")
	if err != nil {
		t.Fatalf("ByCedula() failed: %v", err)
	}
	if len(got) != 1 || got[0].Date != "2024-01-10" {
		t.Errorf("window query returned %d records, want the single 2024-01-10 record", len(got))
	}

	all, err := s.ByCedula(ctx, "100", "", "")
	if err != nil {
		t.Fatalf("ByCedula() open bounds failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("open bounds returned %d records, want 3", len(all))
	}

	cedulas, err := s.Cedulas(ctx)
	if err != nil {
		t.Fatalf("Cedulas() failed: %v", err)
	}
	if len(cedulas) != 1 || cedulas[0] != "100" {
		t.Errorf("Cedulas() = %v, want [100]", cedulas)
	}
}

func TestUpdatePatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "100", time.Now(), record.ClockIn)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	b64 := "aGVsbG8="
	uri := "file:///spool/p.jpg"
	if err := s.Update(ctx, rec.ID, Patch{PhotoBase64: &b64, PhotoURI: &uri}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.PhotoBase64 != b64 || got.PhotoURI != uri {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.SyncStatus != record.StatusPending {
		t.Errorf("patch must not touch sync status: got %q", got.SyncStatus)
	}

	// Empty patch is a no-op, not an error.
	if err := s.Update(ctx, rec.ID, Patch{}); err != nil {
		t.Errorf("empty patch = %v, want nil", err)
	}

	if err := s.Update(ctx, "missing", Patch{PhotoURL: &uri}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing record = %v, want ErrNotFound", err)
	}
}
