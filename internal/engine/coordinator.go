package engine

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/store"
)

// DefaultInterRecordDelay spaces out sequential record syncs to respect
// remote rate limits.
const DefaultInterRecordDelay = 250 * time.Millisecond

// DefaultQueueRetention is how long completed sync-queue items are kept
// before pruning.
const DefaultQueueRetention = 7 * 24 * time.Hour

// BatchResult summarizes one sync pass.
type BatchResult struct {
	// Busy is set when another pass held the lock; nothing was attempted.
	Busy    bool
	Total   int
	Synced  int
	Failed  int
	Skipped int
	Results []RecordResult
}

// Coordinator drains the needs-sync set through the Syncer, one record at
// a time, with a process-wide guard so two passes never run concurrently.
// Concurrent passes are what used to cause duplicate-key races; the guard
// plus the idempotent upsert closes that hole from both ends.
type Coordinator struct {
	store     *store.Store
	syncer    *Syncer
	delay     time.Duration
	retention time.Duration
	logger    *log.Logger

	active atomic.Bool
}

// NewCoordinator builds a Coordinator with the default pacing.
func NewCoordinator(st *store.Store, syncer *Syncer, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		store:     st,
		syncer:    syncer,
		delay:     DefaultInterRecordDelay,
		retention: DefaultQueueRetention,
		logger:    logger,
	}
}

// Run executes one sync pass. If a pass is already active the call
// returns immediately with Busy set; requests are dropped, never queued.
// Once started, a pass runs to completion: records are not abandoned
// mid-batch, and the guard is always released on exit.
func (c *Coordinator) Run(ctx context.Context) (BatchResult, error) {
	if !c.active.CompareAndSwap(false, true) {
		return BatchResult{Busy: true}, nil
	}
	defer c.active.Store(false)

	pending, err := c.store.NeedsSync(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Total: len(pending)}
	if len(pending) == 0 {
		c.prune(ctx)
		return result, nil
	}

	c.logger.Printf("sync pass: %d record(s) pending", len(pending))
	for i, rec := range pending {
		rec := rec
		if rec.SyncStatus != record.StatusSyncing {
			if err := c.store.Transition(ctx, rec.ID, record.StatusSyncing, false, store.Patch{}); err != nil {
				c.logger.Printf("cannot transition record %s to syncing: %v", rec.ID, err)
				result.Failed++
				result.Results = append(result.Results, RecordResult{
					RecordID: rec.ID, Key: rec.NaturalKey(), Err: err.Error(),
				})
				continue
			}
			rec.SyncStatus = record.StatusSyncing
		}
		if err := c.store.MarkQueueProcessing(ctx, rec.ID); err != nil {
			c.logger.Printf("queue bookkeeping for %s: %v", rec.ID, err)
		}

		res := c.syncer.ProcessRecord(ctx, rec)
		result.Results = append(result.Results, res)
		switch {
		case res.Synced:
			result.Synced++
		case res.Skipped:
			result.Skipped++
			// Syncing → error would lie about the record; put it back in
			// line by failing the attempt without a remote error. The
			// record was never touched remotely, so error status with the
			// no-network marker keeps it in the needs-sync set.
			c.requeueSkipped(ctx, rec)
		default:
			result.Failed++
		}

		if err := c.store.AdvanceQueueForRecord(ctx, rec.ID, res.Synced); err != nil {
			c.logger.Printf("queue bookkeeping for %s: %v", rec.ID, err)
		}

		if i < len(pending)-1 && c.delay > 0 {
			time.Sleep(c.delay)
		}
	}

	c.prune(ctx)
	c.logger.Printf("sync pass done: %d synced, %d failed, %d skipped",
		result.Synced, result.Failed, result.Skipped)
	return result, nil
}

// Active reports whether a pass is currently running.
func (c *Coordinator) Active() bool {
	return c.active.Load()
}

func (c *Coordinator) requeueSkipped(ctx context.Context, rec *record.AttendanceRecord) {
	msg := ErrNoNetwork.Error()
	if err := c.store.Transition(ctx, rec.ID, record.StatusError, false, store.Patch{
		SyncError: &msg,
	}); err != nil {
		c.logger.Printf("cannot requeue skipped record %s: %v", rec.ID, err)
	}
}

func (c *Coordinator) prune(ctx context.Context) {
	n, err := c.store.PruneCompletedQueue(ctx, c.retention)
	if err != nil {
		c.logger.Printf("queue prune failed: %v", err)
		return
	}
	if n > 0 {
		c.logger.Printf("pruned %d completed queue item(s)", n)
	}
}
