package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/remote"
)

func newRecordID() string { return uuid.NewString() }

// ErrNoNetwork marks a sync attempt skipped because the remote store was
// unreachable. Not an error condition: the record stays pending and is
// retried on the next scheduler tick.
var ErrNoNetwork = errors.New("network unavailable")

// ErrTimeDrift marks a clock action rejected because the device clock
// drifted beyond tolerance from validated server time.
var ErrTimeDrift = errors.New("device clock drift exceeds tolerance")

// Remote is the slice of the remote store contract the engine consumes.
// *remote.Client satisfies it; tests substitute an in-memory fake.
type Remote interface {
	Online(ctx context.Context) bool
	FindByNaturalKey(ctx context.Context, cedula, date string, timestamp int64) (*remote.Row, error)
	Insert(ctx context.Context, row remote.Row) error
	Update(ctx context.Context, id string, row remote.Row) error
	ListWindow(ctx context.Context, cedula, from, to string, deleted bool) ([]remote.Row, error)
	ExistingTimestamps(ctx context.Context, cedula string, timestamps []int64) (map[int64]bool, error)
	Latest(ctx context.Context, cedula, date string) (*remote.Row, error)
	UploadPhoto(ctx context.Context, object, photoBase64 string) (string, error)
	KioskUploadPhoto(ctx context.Context, pin, userID, recordID, photoBase64 string) (string, error)
}

// recordToRow maps a local record onto the remote row shape.
func recordToRow(r *record.AttendanceRecord) remote.Row {
	return remote.Row{
		Cedula:      r.Cedula,
		TenantID:    r.TenantID,
		Date:        r.Date,
		Timestamp:   r.Timestamp,
		Type:        string(r.Type),
		TimeDecimal: r.TimeDecimal,
		PhotoURL:    r.PhotoURL,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Source:      r.Source,
		EditedAt:    time.Now().UTC(),
	}
}

// rowToRecord materializes a remote row as a local record. Rows arriving
// through reconciliation are already authoritative, so they come back
// synced with no evidence payload to upload.
func rowToRecord(row remote.Row, now time.Time) *record.AttendanceRecord {
	ts := time.UnixMilli(row.Timestamp)
	src := row.Source
	if src == "" {
		src = record.SourceDevice
	}
	syncedAt := now
	edited := row.EditedAt
	return &record.AttendanceRecord{
		ID:             newRecordID(),
		Cedula:         row.Cedula,
		TenantID:       row.TenantID,
		Type:           record.ClockType(row.Type),
		Timestamp:      row.Timestamp,
		Date:           row.Date,
		Time:           ts.Format("15:04:05"),
		TimeDecimal:    row.TimeDecimal,
		PhotoURL:       row.PhotoURL,
		PhotoUploaded:  row.PhotoURL != "",
		Latitude:       row.Latitude,
		Longitude:      row.Longitude,
		SyncStatus:     record.StatusSynced,
		SyncedAt:       &syncedAt,
		Source:         src,
		RemoteEditedAt: &edited,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
