package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/remote"
	"github.com/marcaje/marcaje/internal/store"
)

// RecordResult is the outcome of one record's sync attempt.
type RecordResult struct {
	RecordID string
	Key      record.NaturalKey
	Synced   bool
	// Skipped is set when the attempt could not run at all (no network);
	// the record is left for the next pass rather than marked error.
	Skipped bool
	Err     string
}

// Syncer pushes a single record to the remote store: evidence upload
// first, then an idempotent upsert keyed by (cedula, date, timestamp).
type Syncer struct {
	store  *store.Store
	remote Remote
	logger *log.Logger
}

// NewSyncer builds a Syncer. If logger is nil a stderr logger is used.
func NewSyncer(st *store.Store, rm Remote, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Syncer{store: st, remote: rm, logger: logger}
}

// ProcessRecord syncs one record already transitioned to syncing by the
// coordinator. Failures are recorded on the record (status error, message,
// attempt count) and isolated: the error is captured in the result, never
// propagated as a batch abort.
func (s *Syncer) ProcessRecord(ctx context.Context, rec *record.AttendanceRecord) RecordResult {
	res := RecordResult{RecordID: rec.ID, Key: rec.NaturalKey()}

	if !s.remote.Online(ctx) {
		res.Skipped = true
		res.Err = ErrNoNetwork.Error()
		return res
	}

	// Tenant gate: a record without a tenant must never reach the remote
	// store, and must never be silently dropped.
	if err := rec.ValidateForSync(); err != nil {
		s.fail(ctx, rec, err)
		res.Err = err.Error()
		return res
	}

	if rec.NeedsPhotoUpload() {
		url, err := s.uploadPhoto(ctx, rec)
		if err != nil {
			s.fail(ctx, rec, fmt.Errorf("photo upload: %w", err))
			res.Err = err.Error()
			return res
		}
		rec.PhotoURL = url
		rec.PhotoUploaded = true
	}

	if err := s.upsert(ctx, rec); err != nil {
		s.fail(ctx, rec, err)
		res.Err = err.Error()
		return res
	}

	now := time.Now()
	uploaded := rec.PhotoUploaded
	empty := ""
	if err := s.store.Transition(ctx, rec.ID, record.StatusSynced, false, store.Patch{
		SyncedAt:      &now,
		PhotoURL:      &rec.PhotoURL,
		PhotoUploaded: &uploaded,
		SyncError:     &empty,
		// Evidence bytes are spent once the upload succeeded.
		PhotoBase64: &empty,
	}); err != nil {
		s.logger.Printf("failed to mark record %s synced: %v", rec.ID, err)
		res.Err = err.Error()
		return res
	}

	res.Synced = true
	s.logger.Printf("synced record %s (%s)", rec.ID, res.Key)
	return res
}

// uploadPhoto picks the upload path from the record's authentication
// mode: kiosk records exchange their PIN for an ephemeral upload
// authorization, session records upload directly to blob storage.
func (s *Syncer) uploadPhoto(ctx context.Context, rec *record.AttendanceRecord) (string, error) {
	if rec.IsKiosk() {
		return s.remote.KioskUploadPhoto(ctx, rec.KioskPIN, rec.UserID, rec.ID, rec.PhotoBase64)
	}
	object := fmt.Sprintf("%s/%s/%d.jpg", rec.TenantID, rec.Cedula, rec.Timestamp)
	return s.remote.UploadPhoto(ctx, object, rec.PhotoBase64)
}

// upsert writes the record remotely using the natural key: update in place
// when a row already exists, insert otherwise. A duplicate-key conflict on
// insert means a concurrent pass already wrote the same event; the data is
// present, so the race resolves as success.
func (s *Syncer) upsert(ctx context.Context, rec *record.AttendanceRecord) error {
	existing, err := s.remote.FindByNaturalKey(ctx, rec.Cedula, rec.Date, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("natural-key lookup: %w", err)
	}

	row := recordToRow(rec)
	if existing != nil {
		if err := s.remote.Update(ctx, existing.ID, row); err != nil {
			return fmt.Errorf("remote update: %w", err)
		}
		return nil
	}

	if err := s.remote.Insert(ctx, row); err != nil {
		if errors.Is(err, remote.ErrDuplicateKey) {
			s.logger.Printf("record %s raced a concurrent insert; treating as synced", rec.ID)
			return nil
		}
		return fmt.Errorf("remote insert: %w", err)
	}
	return nil
}

// fail transitions the record to error, keeping the message and attempt
// count. No attempt cap is enforced here; retries are bounded only by the
// scheduler's cadence.
func (s *Syncer) fail(ctx context.Context, rec *record.AttendanceRecord, cause error) {
	msg := cause.Error()
	attempts := rec.SyncAttempts + 1
	if err := s.store.Transition(ctx, rec.ID, record.StatusError, false, store.Patch{
		SyncError:    &msg,
		SyncAttempts: &attempts,
	}); err != nil {
		s.logger.Printf("failed to mark record %s errored: %v", rec.ID, err)
	}
	s.logger.Printf("record %s failed (attempt %d): %v", rec.ID, attempts, cause)
}
