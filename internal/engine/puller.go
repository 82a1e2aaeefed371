package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/remote"
	"github.com/marcaje/marcaje/internal/store"
)

// DefaultPullWindow bounds reconciliation to a rolling window for cost
// control.
const DefaultPullWindow = 90 * 24 * time.Hour

// PullResult summarizes one reconciliation pass for a cedula.
type PullResult struct {
	Cedula  string
	Created int // remote records unknown locally, materialized as synced
	Updated int // administrative edits applied onto local copies
	Deleted int // local copies removed for remote tombstones
	Failed  int // per-record failures, logged and skipped
}

// Puller makes this device aware of attendance state created elsewhere:
// other devices' records, administrative edits, and administrative
// deletions, scoped per cedula.
type Puller struct {
	store  *store.Store
	remote Remote
	window time.Duration
	logger *log.Logger
	now    func() time.Time
}

// NewPuller builds a Puller with the default 90-day window.
func NewPuller(st *store.Store, rm Remote, logger *log.Logger) *Puller {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Puller{
		store:  st,
		remote: rm,
		window: DefaultPullWindow,
		logger: logger,
		now:    time.Now,
	}
}

// Pull reconciles remote state for one cedula into the local store. The
// three passes (new, updated, tombstones) are independently idempotent; a
// failure on one record is logged and skipped, never aborts the batch.
func (p *Puller) Pull(ctx context.Context, cedula string) (PullResult, error) {
	res := PullResult{Cedula: cedula}

	now := p.now()
	from := now.Add(-p.window).Format("2006-01-02")
	to := now.Format("2006-01-02")

	known, err := p.store.NaturalKeyTimestamps(ctx, cedula, from, to)
	if err != nil {
		return res, err
	}

	rows, err := p.remote.ListWindow(ctx, cedula, from, to, false)
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		if !known[row.Timestamp] {
			rec := rowToRecord(row, now)
			if err := p.store.CreateSynced(ctx, rec); err != nil {
				p.logger.Printf("cannot materialize remote record %s/%s/%d: %v",
					cedula, row.Date, row.Timestamp, err)
				res.Failed++
				continue
			}
			res.Created++
			continue
		}

		applied, err := p.applyEdit(ctx, row)
		if err != nil {
			p.logger.Printf("cannot apply remote edit %s/%s/%d: %v",
				cedula, row.Date, row.Timestamp, err)
			res.Failed++
			continue
		}
		if applied {
			res.Updated++
		}
	}

	// Tombstones are fetched separately so a deletion is never mistaken
	// for a row that simply fell out of the non-deleted query.
	tombstones, err := p.remote.ListWindow(ctx, cedula, from, to, true)
	if err != nil {
		p.logger.Printf("tombstone fetch failed for %s: %v", cedula, err)
		return res, nil
	}
	for _, row := range tombstones {
		if !row.Deleted || !known[row.Timestamp] {
			continue
		}
		key := record.NaturalKey{Cedula: cedula, Date: row.Date, Timestamp: row.Timestamp}
		if err := p.store.DeleteByNaturalKey(ctx, key); err != nil {
			p.logger.Printf("cannot delete tombstoned record %s: %v", key, err)
			res.Failed++
			continue
		}
		res.Deleted++
	}

	return res, nil
}

// PullAll reconciles every cedula known locally.
func (p *Puller) PullAll(ctx context.Context) ([]PullResult, error) {
	cedulas, err := p.store.Cedulas(ctx)
	if err != nil {
		return nil, err
	}
	var out []PullResult
	for _, c := range cedulas {
		res, err := p.Pull(ctx, c)
		if err != nil {
			p.logger.Printf("pull failed for cedula %s: %v", c, err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// applyEdit propagates an administrative edit onto the matching local
// record when the remote copy carries a later edit timestamp. Returns
// whether an update was applied.
func (p *Puller) applyEdit(ctx context.Context, row remote.Row) (bool, error) {
	key := record.NaturalKey{Cedula: row.Cedula, Date: row.Date, Timestamp: row.Timestamp}
	local, err := p.store.GetByNaturalKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if local.RemoteEditedAt != nil && !row.EditedAt.After(*local.RemoteEditedAt) {
		return false, nil
	}
	// A brand-new remote edit against a record we have never seen edited:
	// only apply when the remote actually differs, so a plain re-pull of
	// our own write is not counted as an update.
	if local.RemoteEditedAt == nil &&
		local.TimeDecimal == row.TimeDecimal && local.Source == sourceOf(row) {
		edited := row.EditedAt
		_ = p.store.Update(ctx, local.ID, store.Patch{RemoteEditedAt: &edited})
		return false, nil
	}

	src := sourceOf(row)
	edited := row.EditedAt
	err = p.store.Update(ctx, local.ID, store.Patch{
		TimeDecimal:    &row.TimeDecimal,
		Source:         &src,
		RemoteEditedAt: &edited,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func sourceOf(row remote.Row) string {
	if row.Source == "" {
		return record.SourceDevice
	}
	return row.Source
}
