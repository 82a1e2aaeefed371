package engine

import (
	"context"
	"log"
	"os"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/store"
)

// Orphan describes a record locally marked synced whose natural key is
// absent from the remote store.
type Orphan struct {
	RecordID string
	Key      record.NaturalKey
	Type     record.ClockType
}

// VerifyResult reports an integrity audit.
type VerifyResult struct {
	Checked  int
	Orphans  []Orphan
	Repaired int
}

// Verifier audits that everything locally marked synced truly exists
// remotely. Repair is never automatic: a repaired orphan means a prior
// sync claim was wrong, so the reset back to pending happens only on
// explicit request.
type Verifier struct {
	store  *store.Store
	remote Remote
	logger *log.Logger
}

// NewVerifier builds a Verifier.
func NewVerifier(st *store.Store, rm Remote, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[verify] ", log.LstdFlags)
	}
	return &Verifier{store: st, remote: rm, logger: logger}
}

// Verify collects all locally-synced records, batch-checks their
// natural-key timestamps against the remote store per cedula, and reports
// the orphans. With repair=true each orphan is additionally transitioned
// back to pending so the next sync pass re-uploads it.
func (v *Verifier) Verify(ctx context.Context, repair bool) (VerifyResult, error) {
	synced, err := v.store.Synced(ctx)
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{Checked: len(synced)}
	if len(synced) == 0 {
		return res, nil
	}

	byCedula := make(map[string][]*record.AttendanceRecord)
	for _, rec := range synced {
		byCedula[rec.Cedula] = append(byCedula[rec.Cedula], rec)
	}

	for cedula, recs := range byCedula {
		timestamps := make([]int64, 0, len(recs))
		for _, rec := range recs {
			timestamps = append(timestamps, rec.Timestamp)
		}

		present, err := v.remote.ExistingTimestamps(ctx, cedula, timestamps)
		if err != nil {
			// Unreachable remote proves nothing about integrity; surface
			// the failure instead of reporting false orphans.
			return VerifyResult{}, err
		}

		for _, rec := range recs {
			if present[rec.Timestamp] {
				continue
			}
			orphan := Orphan{RecordID: rec.ID, Key: rec.NaturalKey(), Type: rec.Type}
			res.Orphans = append(res.Orphans, orphan)
			v.logger.Printf("orphan: record %s (%s) marked synced but absent remotely",
				rec.ID, orphan.Key)

			if !repair {
				continue
			}
			if err := v.store.Transition(ctx, rec.ID, record.StatusPending, true, store.Patch{}); err != nil {
				v.logger.Printf("cannot repair orphan %s: %v", rec.ID, err)
				continue
			}
			res.Repaired++
		}
	}

	return res, nil
}
