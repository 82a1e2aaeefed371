// Package record defines the attendance record model shared by the local
// store, the sync engine, and the remote client.
//
// Records are keyed two ways: a device-generated id for local storage, and
// the natural key (cedula, date, timestamp) used for idempotent upserts
// against the remote store. The natural key is what makes the same physical
// clock event recognizable across devices and across retries.
package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClockType is the kind of attendance event.
type ClockType string

const (
	ClockIn  ClockType = "clock_in"
	ClockOut ClockType = "clock_out"
)

// Valid reports whether the clock type is one of the known variants.
func (c ClockType) Valid() bool {
	return c == ClockIn || c == ClockOut
}

// SyncStatus is the synchronization state of a record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Valid reports whether the status is one of the known variants.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal status
// transition. Transitions are monotonic: pending→syncing→{synced|error} and
// error→syncing for retries. The single exception is verifier-initiated
// repair, which moves synced back to pending and must set repair=true.
func (s SyncStatus) CanTransition(next SyncStatus, repair bool) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusSynced || next == StatusError
	case StatusError:
		return next == StatusSyncing
	case StatusSynced:
		return repair && next == StatusPending
	}
	return false
}

// Source tags who last authored the record's content.
const (
	SourceDevice = "device"
	SourceAdmin  = "admin"
)

// ErrMissingTenant marks a record that reached the sync path without a
// tenant identifier. This is a fatal per-record configuration error: the
// record is never written remotely and never silently dropped.
var ErrMissingTenant = errors.New("record has no tenant id")

// NaturalKey is the business key (cedula, date, timestamp) that identifies
// a clock event independently of the local record id.
type NaturalKey struct {
	Cedula    string
	Date      string // YYYY-MM-DD
	Timestamp int64  // epoch milliseconds
}

// String renders the key for log lines.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Cedula, k.Date, k.Timestamp)
}

// AttendanceRecord is a single clock-in or clock-out event recorded on this
// device or pulled from the remote store.
type AttendanceRecord struct {
	// Identity
	ID       string `json:"id"`
	Cedula   string `json:"cedula"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// Event facts
	Type        ClockType `json:"type"`
	Timestamp   int64     `json:"timestamp"` // epoch ms, natural-key discriminator
	Date        string    `json:"date"`      // YYYY-MM-DD
	Time        string    `json:"time"`      // HH:MM:SS
	TimeDecimal float64   `json:"time_decimal"`

	// Evidence
	PhotoURI      string   `json:"photo_uri,omitempty"`
	PhotoBase64   string   `json:"photo_base64,omitempty"`
	PhotoUploaded bool     `json:"photo_uploaded"`
	PhotoURL      string   `json:"photo_url,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`

	// Sync bookkeeping
	SyncStatus   SyncStatus `json:"sync_status"`
	SyncError    string     `json:"sync_error,omitempty"`
	SyncAttempts int        `json:"sync_attempts"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`

	// KioskPIN is present only when the record was created under
	// shared-device PIN authentication. It authorizes the photo upload for
	// this record and is never sent as part of the row itself.
	KioskPIN string `json:"kiosk_pin,omitempty"`

	// Source and remote edit tracking for reconciliation.
	Source         string     `json:"source"`
	RemoteEditedAt *time.Time `json:"remote_edited_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the caller-supplied identity context for a clock action.
// It is threaded explicitly into every core call; the engine never reads
// identity from ambient state.
type Identity struct {
	UserID   string
	Cedula   string
	TenantID string
	KioskPIN string // set only in kiosk mode
}

// Evidence is the caller-supplied capture payload for a clock action.
type Evidence struct {
	PhotoURI    string
	PhotoBase64 string
	Latitude    *float64
	Longitude   *float64
}

// New builds a fresh record for a clock action at the given instant.
// The record starts with status pending and device source.
func New(id Identity, ev Evidence, typ ClockType, now time.Time) *AttendanceRecord {
	return &AttendanceRecord{
		ID:          uuid.NewString(),
		Cedula:      id.Cedula,
		TenantID:    id.TenantID,
		UserID:      id.UserID,
		Type:        typ,
		Timestamp:   now.UnixMilli(),
		Date:        now.Format("2006-01-02"),
		Time:        now.Format("15:04:05"),
		TimeDecimal: TimeDecimal(now),
		PhotoURI:    ev.PhotoURI,
		PhotoBase64: ev.PhotoBase64,
		Latitude:    ev.Latitude,
		Longitude:   ev.Longitude,
		SyncStatus:  StatusPending,
		KioskPIN:    id.KioskPIN,
		Source:      SourceDevice,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TimeDecimal converts a wall-clock instant to decimal hours (8:30 → 8.5).
func TimeDecimal(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

// NaturalKey returns the record's business key.
func (r *AttendanceRecord) NaturalKey() NaturalKey {
	return NaturalKey{Cedula: r.Cedula, Date: r.Date, Timestamp: r.Timestamp}
}

// IsKiosk reports whether the record was created under shared-device PIN
// authentication.
func (r *AttendanceRecord) IsKiosk() bool {
	return r.KioskPIN != ""
}

// NeedsPhotoUpload reports whether the record still carries evidence bytes
// that have not been uploaded.
func (r *AttendanceRecord) NeedsPhotoUpload() bool {
	return r.PhotoBase64 != "" && !r.PhotoUploaded
}

// Validate checks structural validity of the record. It does not check the
// tenant gate; that is enforced separately by ValidateForSync because a
// record without a tenant is still storable locally.
func (r *AttendanceRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Cedula == "" {
		return fmt.Errorf("cedula is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid clock type %q", r.Type)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", r.Timestamp)
	}
	if _, err := time.Parse("2006-01-02", r.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", r.Date, err)
	}
	if !r.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", r.SyncStatus)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// ValidateForSync checks everything Validate does plus the invariants that
// must hold before any remote mutation.
func (r *AttendanceRecord) ValidateForSync() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.TenantID == "" {
		return fmt.Errorf("record %s: %w", r.ID, ErrMissingTenant)
	}
	return nil
}
