package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/remote"
	"github.com/marcaje/marcaje/internal/store"
)

// fakeRemote is an in-memory stand-in for the remote store, keyed by the
// natural key like the real one.
type fakeRemote struct {
	mu     sync.Mutex
	online bool
	rows   map[string]remote.Row
	nextID int

	// hideFromFind makes FindByNaturalKey return nil even for rows that
	// exist, simulating a concurrent insert racing the lookup.
	hideFromFind bool

	findErr   error
	insertErr error
	updateErr error
	listErr   error
	existsErr error
	latestErr error
	uploadErr error

	inserts int
	updates int
	uploads []string
	pins    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{online: true, rows: make(map[string]remote.Row)}
}

func rkey(cedula, date string, ts int64) string {
	return fmt.Sprintf("%s/%s/%d", cedula, date, ts)
}

func (f *fakeRemote) put(row remote.Row) remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		f.nextID++
		row.ID = fmt.Sprintf("remote-%d", f.nextID)
	}
	f.rows[rkey(row.Cedula, row.Date, row.Timestamp)] = row
	return row
}

func (f *fakeRemote) Online(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeRemote) FindByNaturalKey(ctx context.Context, cedula, date string, timestamp int64) (*remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.hideFromFind {
		return nil, nil
	}
	row, ok := f.rows[rkey(cedula, date, timestamp)]
	if !ok || row.Deleted {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeRemote) Insert(ctx context.Context, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	key := rkey(row.Cedula, row.Date, row.Timestamp)
	if _, ok := f.rows[key]; ok {
		return remote.ErrDuplicateKey
	}
	f.nextID++
	row.ID = fmt.Sprintf("remote-%d", f.nextID)
	f.rows[key] = row
	f.inserts++
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, id string, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for key, existing := range f.rows {
		if existing.ID == id {
			row.ID = id
			f.rows[key] = row
			f.updates++
			return nil
		}
	}
	return fmt.Errorf("remote row %s not found", id)
}

func (f *fakeRemote) ListWindow(ctx context.Context, cedula, from, to string, deleted bool) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []remote.Row
	for _, row := range f.rows {
		if row.Cedula != cedula || row.Deleted != deleted {
			continue
		}
		if row.Date < from || row.Date > to {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeRemote) ExistingTimestamps(ctx context.Context, cedula string, timestamps []int64) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return nil, f.existsErr
	}
	present := make(map[int64]bool)
	for _, row := range f.rows {
		if row.Cedula == cedula && !row.Deleted {
			present[row.Timestamp] = true
		}
	}
	out := make(map[int64]bool)
	for _, ts := range timestamps {
		if present[ts] {
			out[ts] = true
		}
	}
	return out, nil
}

func (f *fakeRemote) Latest(ctx context.Context, cedula, date string) (*remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	var latest *remote.Row
	for _, row := range f.rows {
		if row.Cedula != cedula || row.Date != date || row.Deleted {
			continue
		}
		row := row
		if latest == nil || row.Timestamp > latest.Timestamp {
			latest = &row
		}
	}
	return latest, nil
}

func (f *fakeRemote) UploadPhoto(ctx context.Context, object, photoBase64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, object)
	return "https://blob.test/" + object, nil
}

func (f *fakeRemote) KioskUploadPhoto(ctx context.Context, pin, userID, recordID, photoBase64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.pins = append(f.pins, pin)
	return "https://blob.test/kiosk/" + recordID + ".jpg", nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
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

// createSyncing inserts a record and walks it to syncing, the state the
// coordinator hands records to the syncer in.
func createSyncing(t *testing.T, st *store.Store, rec *record.AttendanceRecord) *record.AttendanceRecord {
	t.Helper()
	ctx := context.Background()
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := st.Transition(ctx, rec.ID, record.StatusSyncing, false, store.Patch{}); err != nil {
		t.Fatalf("Transition() failed: %v", err)
	}
	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	return got
}
