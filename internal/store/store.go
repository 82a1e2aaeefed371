// Package store provides the local durable attendance store backed by
// embedded SQLite (WAL mode).
//
// The store is the single source of truth for what this device has
// recorded. It holds two tables:
//   - attendance: one row per clock event, unique on the natural key
//     (cedula, day, ts)
//   - sync_queue: outbound operation bookkeeping, one item per created
//     record, pruned after completion
//
// All mutations are atomic per record. The only multi-statement transaction
// is record creation, which inserts the record and its queue item together.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/marcaje/marcaje/internal/record"
)

// ErrNotFound is returned when a record or queue item does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a status change violates the
// monotonic transition rules.
var ErrInvalidTransition = errors.New("invalid sync status transition")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the attendance database at path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller must call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY,
		cedula TEXT NOT NULL,
		tenant_id TEXT,
		user_id TEXT,
		clock_type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		day TEXT NOT NULL,
		clock_time TEXT NOT NULL,
		time_decimal REAL NOT NULL,

		photo_uri TEXT NOT NULL DEFAULT '',
		photo_base64 TEXT NOT NULL DEFAULT '',
		photo_uploaded INTEGER NOT NULL DEFAULT 0,
		photo_url TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,

		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_error TEXT NOT NULL DEFAULT '',
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		synced_at TEXT,
		kiosk_pin TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'device',
		remote_edited_at TEXT,

		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		UNIQUE(cedula, day, ts)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 10,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (record_id) REFERENCES attendance(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_status ON attendance(sync_status);
	CREATE INDEX IF NOT EXISTS idx_attendance_cedula ON attendance(cedula);
	CREATE INDEX IF NOT EXISTS idx_attendance_day ON attendance(day);
	CREATE INDEX IF NOT EXISTS idx_attendance_cedula_day ON attendance(cedula, day);
	CREATE INDEX IF NOT EXISTS idx_attendance_needs_sync
	    ON attendance(sync_status, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(record_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const recordColumns = `id, cedula, tenant_id, user_id, clock_type, ts, day,
	clock_time, time_decimal, photo_uri, photo_base64, photo_uploaded,
	photo_url, latitude, longitude, sync_status, sync_error, sync_attempts,
	synced_at, kiosk_pin, source, remote_edited_at, created_at, updated_at`

// Create inserts a new record (status pending) together with its sync
// queue item in one transaction.
func (s *Store) Create(ctx context.Context, r *record.AttendanceRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	item, err := record.NewQueueItem(r, r.CreatedAt)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, r); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, record_id, record_type, action, payload,
			status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		item.ID, item.RecordID, item.RecordType, string(item.Action),
		string(item.Payload), string(item.Status), item.MaxRetries,
		item.CreatedAt.Format(time.RFC3339), item.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync item for %s: %w", r.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record %s: %w", r.ID, err)
	}
	return nil
}

// CreateSynced materializes a record pulled from the remote store. The
// record is already authoritative, so it is stored with status synced and
// no queue item is created.
func (s *Store) CreateSynced(ctx context.Context, r *record.AttendanceRecord) error {
	r.SyncStatus = record.StatusSynced
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record %s: %w", r.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r *record.AttendanceRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO attendance (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Cedula, r.TenantID, r.UserID, string(r.Type), r.Timestamp,
		r.Date, r.Time, r.TimeDecimal,
		r.PhotoURI, r.PhotoBase64, boolToInt(r.PhotoUploaded), r.PhotoURL,
		r.Latitude, r.Longitude,
		string(r.SyncStatus), r.SyncError, r.SyncAttempts,
		timeToNullString(r.SyncedAt), r.KioskPIN, r.Source,
		timeToNullString(r.RemoteEditedAt),
		r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
	}
	return nil
}

// Patch is a partial update of a record. Nil fields are left unchanged.
type Patch struct {
	TimeDecimal    *float64
	PhotoURI       *string
	PhotoBase64    *string
	PhotoUploaded  *bool
	PhotoURL       *string
	SyncError      *string
	SyncAttempts   *int
	SyncedAt       *time.Time
	Source         *string
	RemoteEditedAt *time.Time
}

// Update applies a partial update to a record by id.
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.TimeDecimal != nil {
		add("time_decimal", *p.TimeDecimal)
	}
	if p.PhotoURI != nil {
		add("photo_uri", *p.PhotoURI)
	}
	if p.PhotoBase64 != nil {
		add("photo_base64", *p.PhotoBase64)
	}
	if p.PhotoUploaded != nil {
		add("photo_uploaded", boolToInt(*p.PhotoUploaded))
	}
	if p.PhotoURL != nil {
		add("photo_url", *p.PhotoURL)
	}
	if p.SyncError != nil {
		add("sync_error", *p.SyncError)
	}
	if p.SyncAttempts != nil {
		add("sync_attempts", *p.SyncAttempts)
	}
	if p.SyncedAt != nil {
		add("synced_at", p.SyncedAt.Format(time.RFC3339))
	}
	if p.Source != nil {
		add("source", *p.Source)
	}
	if p.RemoteEditedAt != nil {
		add("remote_edited_at", p.RemoteEditedAt.Format(time.RFC3339))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().Format(time.RFC3339))

	query := "UPDATE attendance SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Transition changes a record's sync status, enforcing the monotonic
// transition rules. Repair must be true for the verifier-initiated
// synced→pending reset. The patch is applied in the same statement.
func (s *Store) Transition(ctx context.Context, id string, next record.SyncStatus, repair bool, p Patch) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cur.SyncStatus.CanTransition(next, repair) {
		return fmt.Errorf("record %s: %s -> %s: %w", id, cur.SyncStatus, next, ErrInvalidTransition)
	}

	sets := []string{"sync_status = ?", "updated_at = ?"}
	args := []any{string(next), time.Now().Format(time.RFC3339)}

	if p.SyncError != nil {
		sets = append(sets, "sync_error = ?")
		args = append(args, *p.SyncError)
	}
	if p.SyncAttempts != nil {
		sets = append(sets, "sync_attempts = ?")
		args = append(args, *p.SyncAttempts)
	}
	if p.SyncedAt != nil {
		sets = append(sets, "synced_at = ?")
		args = append(args, p.SyncedAt.Format(time.RFC3339))
	}
	if p.PhotoURL != nil {
		sets = append(sets, "photo_url = ?")
		args = append(args, *p.PhotoURL)
	}
	if p.PhotoUploaded != nil {
		sets = append(sets, "photo_uploaded = ?")
		args = append(args, boolToInt(*p.PhotoUploaded))
	}
	if p.PhotoBase64 != nil {
		sets = append(sets, "photo_base64 = ?")
		args = append(args, *p.PhotoBase64)
	}

	// Guard the WHERE on the observed status so a concurrent transition
	// cannot be silently overwritten.
	query := "UPDATE attendance SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND sync_status = ?"
	args = append(args, id, string(cur.SyncStatus))

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition record %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Get retrieves a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*record.AttendanceRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return r, err
}

// NeedsSync returns records awaiting sync (pending, syncing or error) in
// ascending creation order. Oldest-first is a best-effort ordering aid; the
// natural-key upsert tolerates arbitrary completion order.
func (s *Store) NeedsSync(ctx context.Context) ([]*record.AttendanceRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+` FROM attendance
		 WHERE sync_status IN (?, ?, ?) ORDER BY created_at ASC, ts ASC`,
		string(record.StatusPending), string(record.StatusSyncing), string(record.StatusError))
}

// PendingCount returns how many records are awaiting sync.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE sync_status IN (?, ?, ?)`,
		string(record.StatusPending), string(record.StatusSyncing), string(record.StatusError)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

// Synced returns all records currently marked synced.
func (s *Store) Synced(ctx context.Context) ([]*record.AttendanceRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE sync_status = ? ORDER BY ts ASC",
		string(record.StatusSynced))
}

// ByCedula returns records for a cedula within [from, to] (dates
// inclusive, YYYY-MM-DD), oldest first. Empty bounds are open.
func (s *Store) ByCedula(ctx context.Context, cedula, from, to string) ([]*record.AttendanceRecord, error) {
	query := "SELECT " + recordColumns + " FROM attendance WHERE cedula = ?"
	args := []any{cedula}
	if from != "" {
		query += " AND day >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND day <= ?"
		args = append(args, to)
	}
	query += " ORDER BY ts ASC"
	return s.queryRecords(ctx, query, args...)
}

// ByUser returns records created locally for a user id, oldest first.
func (s *Store) ByUser(ctx context.Context, userID string) ([]*record.AttendanceRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE user_id = ? ORDER BY ts ASC", userID)
}

// ByDateRange returns all records within [from, to] dates inclusive.
func (s *Store) ByDateRange(ctx context.Context, from, to string) ([]*record.AttendanceRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE day >= ? AND day <= ? ORDER BY ts ASC",
		from, to)
}

// NaturalKeyTimestamps returns the set of natural-key timestamps known
// locally for a cedula within the date window. Used by reconciliation to
// diff against the remote set.
func (s *Store) NaturalKeyTimestamps(ctx context.Context, cedula, from, to string) (map[int64]bool, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT ts FROM attendance WHERE cedula = ? AND day >= ? AND day <= ?",
		cedula, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps for %s: %w", cedula, err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		out[ts] = true
	}
	return out, rows.Err()
}

// GetByNaturalKey retrieves a record by its business key.
func (s *Store) GetByNaturalKey(ctx context.Context, key record.NaturalKey) (*record.AttendanceRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE cedula = ? AND day = ? AND ts = ?",
		key.Cedula, key.Date, key.Timestamp)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", key, ErrNotFound)
	}
	return r, err
}

// DeleteByNaturalKey removes a record in response to a remote tombstone.
// This is the only hard-delete path in the core. Idempotent.
func (s *Store) DeleteByNaturalKey(ctx context.Context, key record.NaturalKey) error {
	_, err := s.conn.ExecContext(ctx,
		"DELETE FROM attendance WHERE cedula = ? AND day = ? AND ts = ?",
		key.Cedula, key.Date, key.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// LatestForCedula returns the most recent record for a cedula on the given
// date, or ErrNotFound. This is the local fallback for the presence query
// when no remote read is possible.
func (s *Store) LatestForCedula(ctx context.Context, cedula, date string) (*record.AttendanceRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+` FROM attendance
		 WHERE cedula = ? AND day = ? ORDER BY ts DESC LIMIT 1`, cedula, date)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest for %s on %s: %w", cedula, date, ErrNotFound)
	}
	return r, err
}

// Cedulas returns the distinct cedulas present locally.
func (s *Store) Cedulas(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT DISTINCT cedula FROM attendance ORDER BY cedula")
	if err != nil {
		return nil, fmt.Errorf("failed to query cedulas: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan cedula: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*record.AttendanceRecord, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*record.AttendanceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.AttendanceRecord, error) {
	var r record.AttendanceRecord
	var clockType, status, createdAt, updatedAt string
	var photoUploaded int
	var syncedAt, remoteEditedAt sql.NullString
	var lat, lng sql.NullFloat64
	var tenantID, userID sql.NullString

	err := row.Scan(
		&r.ID, &r.Cedula, &tenantID, &userID, &clockType, &r.Timestamp,
		&r.Date, &r.Time, &r.TimeDecimal,
		&r.PhotoURI, &r.PhotoBase64, &photoUploaded, &r.PhotoURL,
		&lat, &lng,
		&status, &r.SyncError, &r.SyncAttempts,
		&syncedAt, &r.KioskPIN, &r.Source, &remoteEditedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	r.TenantID = tenantID.String
	r.UserID = userID.String
	r.Type = record.ClockType(clockType)
	r.SyncStatus = record.SyncStatus(status)
	r.PhotoUploaded = photoUploaded != 0
	if lat.Valid {
		r.Latitude = &lat.Float64
	}
	if lng.Valid {
		r.Longitude = &lng.Float64
	}
	r.SyncedAt = nullStringToTime(syncedAt)
	r.RemoteEditedAt = nullStringToTime(remoteEditedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
