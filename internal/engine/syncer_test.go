package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marcaje/marcaje/internal/record"
)

func TestProcessRecordInsertsNew(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	rec := createSyncing(t, st, testRecord(t, "100", time.Now(), record.ClockIn))
	res := syncer.ProcessRecord(ctx, rec)

	if !res.Synced {
		t.Fatalf("expected synced, got %+v", res)
	}
	if rm.inserts != 1 || rm.updates != 0 {
		t.Errorf("inserts=%d updates=%d, want 1/0", rm.inserts, rm.updates)
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
	if got.SyncedAt == nil {
		t.Error("SyncedAt should be set")
	}
	if got.SyncError != "" {
		t.Errorf("SyncError should be cleared, got %q", got.SyncError)
	}
}

func TestProcessRecordUpdatesExisting(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	rec := createSyncing(t, st, testRecord(t, "100", time.Now(), record.ClockIn))

	// The same event already exists remotely under its natural key.
	rm.put(recordToRow(rec))

	res := syncer.ProcessRecord(ctx, rec)
	if !res.Synced {
		t.Fatalf("expected synced, got %+v", res)
	}
	if rm.updates != 1 || rm.inserts != 0 {
		t.Errorf("inserts=%d updates=%d, want 0/1 (update in place)", rm.inserts, rm.updates)
	}
}

func TestProcessRecordDuplicateKeyIsSuccess(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	rec := createSyncing(t, st, testRecord(t, "100", time.Now(), record.ClockIn))

	// A concurrent pass wrote the row between our lookup and our insert.
	rm.put(recordToRow(rec))
	rm.hideFromFind = true

	res := syncer.ProcessRecord(ctx, rec)
	if !res.Synced {
		t.Fatalf("duplicate-key insert should resolve as success, got %+v", res)
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
}

func TestProcessRecordMissingTenant(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	raw := record.New(record.Identity{UserID: "user-1", Cedula: "100"},
		record.Evidence{}, record.ClockIn, time.Now())
	rec := createSyncing(t, st, raw)

	res := syncer.ProcessRecord(ctx, rec)
	if res.Synced || res.Skipped {
		t.Fatalf("tenant-less record must fail, got %+v", res)
	}
	if !strings.Contains(res.Err, "tenant") {
		t.Errorf("error %q should name the tenant gate", res.Err)
	}
	if rm.inserts != 0 || rm.updates != 0 {
		t.Error("tenant-less record must never reach the remote store")
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusError {
		t.Errorf("SyncStatus = %q, want error (never dropped)", got.SyncStatus)
	}
	if got.SyncAttempts != 1 {
		t.Errorf("SyncAttempts = %d, want 1", got.SyncAttempts)
	}
}

func TestProcessRecordOfflineSkips(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	rm.online = false
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	rec := createSyncing(t, st, testRecord(t, "100", time.Now(), record.ClockIn))

	res := syncer.ProcessRecord(ctx, rec)
	if !res.Skipped {
		t.Fatalf("offline attempt should be skipped, got %+v", res)
	}
	if rm.inserts != 0 {
		t.Error("no remote writes expected while offline")
	}

	// The syncer leaves the record as-is; requeueing is the coordinator's.
	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusSyncing {
		t.Errorf("SyncStatus = %q, want syncing untouched", got.SyncStatus)
	}
}

func TestProcessRecordRemoteFailure(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	rm.insertErr = errors.New("boom")
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	rec := createSyncing(t, st, testRecord(t, "100", time.Now(), record.ClockIn))

	res := syncer.ProcessRecord(ctx, rec)
	if res.Synced {
		t.Fatal("expected failure")
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusError {
		t.Errorf("SyncStatus = %q, want error", got.SyncStatus)
	}
	if !strings.Contains(got.SyncError, "boom") {
		t.Errorf("SyncError = %q, should carry the cause", got.SyncError)
	}
	if got.SyncAttempts != 1 {
		t.Errorf("SyncAttempts = %d, want 1", got.SyncAttempts)
	}
}

func TestProcessRecordUploadsKioskPhoto(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	raw := record.New(record.Identity{
		UserID:   "user-1",
		Cedula:   "100",
		TenantID: "tenant-1",
		KioskPIN: "4321",
	}, record.Evidence{PhotoBase64: "aGVsbG8="}, record.ClockIn, time.Now())
	rec := createSyncing(t, st, raw)

	res := syncer.ProcessRecord(ctx, rec)
	if !res.Synced {
		t.Fatalf("expected synced, got %+v", res)
	}
	if len(rm.pins) != 1 || rm.pins[0] != "4321" {
		t.Errorf("kiosk upload should carry the PIN, got %v", rm.pins)
	}
	if len(rm.uploads) != 0 {
		t.Error("kiosk record must not use the session upload path")
	}

	got, _ := st.Get(ctx, rec.ID)
	if !got.PhotoUploaded || got.PhotoURL == "" {
		t.Errorf("photo bookkeeping not persisted: %+v", got)
	}
	if got.PhotoBase64 != "" {
		t.Error("evidence bytes should be cleared after upload")
	}
}

func TestProcessRecordUploadsSessionPhoto(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	raw := testRecord(t, "100", time.Now(), record.ClockIn)
	raw.PhotoBase64 = "aGVsbG8="
	rec := createSyncing(t, st, raw)

	res := syncer.ProcessRecord(ctx, rec)
	if !res.Synced {
		t.Fatalf("expected synced, got %+v", res)
	}
	if len(rm.uploads) != 1 {
		t.Fatalf("expected one session upload, got %v", rm.uploads)
	}
	want := "tenant-1/100/"
	if !strings.HasPrefix(rm.uploads[0], want) {
		t.Errorf("object = %q, want prefix %q", rm.uploads[0], want)
	}
}

func TestProcessRecordPhotoUploadFailure(t *testing.T) {
	st := newTestStore(t)
	rm := newFakeRemote()
	rm.uploadErr = errors.New("storage unavailable")
	syncer := NewSyncer(st, rm, quietLogger())
	ctx := context.Background()

	raw := testRecord(t, "100", time.Now(), record.ClockIn)
	raw.PhotoBase64 = "aGVsbG8="
	rec := createSyncing(t, st, raw)

	res := syncer.ProcessRecord(ctx, rec)
	if res.Synced {
		t.Fatal("upload failure must fail the record")
	}
	if rm.inserts != 0 {
		t.Error("row must not be written when its evidence upload failed")
	}

	got, _ := st.Get(ctx, rec.ID)
	if got.SyncStatus != record.StatusError {
		t.Errorf("SyncStatus = %q, want error", got.SyncStatus)
	}
	if got.PhotoBase64 == "" {
		t.Error("evidence bytes must survive a failed upload for retry")
	}
}
