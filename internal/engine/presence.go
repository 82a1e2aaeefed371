package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/store"
)

// Presence answers "can this cedula clock in/out now" from the most
// recent record for the cedula today, regardless of which device wrote it.
type Presence struct {
	Cedula      string
	CanClockIn  bool
	CanClockOut bool
	// Latest is the record the answer derives from; nil when none exists
	// today.
	Latest *record.AttendanceRecord
	// Source is "remote" when the answer came from the authoritative
	// store, "local" when the device was offline and only its own view
	// was available.
	Source string
}

// PresenceQuery derives clock eligibility across devices. When the remote
// store is reachable it is always preferred; the local store cannot see
// other devices' writes that have not been pulled yet. The remote read
// goes through the elevated identity-scoped path so kiosk devices without
// a session get the same answer.
type PresenceQuery struct {
	store  *store.Store
	remote Remote
	logger *log.Logger
	now    func() time.Time
}

// NewPresenceQuery builds the cross-device presence query.
func NewPresenceQuery(st *store.Store, rm Remote, logger *log.Logger) *PresenceQuery {
	if logger == nil {
		logger = log.New(os.Stderr, "[presence] ", log.LstdFlags)
	}
	return &PresenceQuery{store: st, remote: rm, logger: logger, now: time.Now}
}

// CanClock answers the presence question for a cedula today.
func (q *PresenceQuery) CanClock(ctx context.Context, cedula string) (Presence, error) {
	today := q.now().Format("2006-01-02")

	if q.remote.Online(ctx) {
		row, err := q.remote.Latest(ctx, cedula, today)
		if err == nil {
			var latest *record.AttendanceRecord
			if row != nil {
				latest = rowToRecord(*row, q.now())
			}
			return derivePresence(cedula, latest, "remote"), nil
		}
		// The remote answered nothing useful; fall back to the local view
		// rather than blocking attendance on a flaky link.
		q.logger.Printf("remote presence read failed for %s, using local view: %v", cedula, err)
	}

	local, err := q.store.LatestForCedula(ctx, cedula, today)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return derivePresence(cedula, nil, "local"), nil
		}
		return Presence{}, err
	}
	return derivePresence(cedula, local, "local"), nil
}

// derivePresence applies the eligibility rules: can clock in iff no record
// exists today or the latest is a clock_out; can clock out iff the latest
// is a clock_in.
func derivePresence(cedula string, latest *record.AttendanceRecord, source string) Presence {
	p := Presence{Cedula: cedula, Latest: latest, Source: source}
	if latest == nil {
		p.CanClockIn = true
		return p
	}
	switch latest.Type {
	case record.ClockIn:
		p.CanClockOut = true
	case record.ClockOut:
		p.CanClockIn = true
	}
	return p
}
