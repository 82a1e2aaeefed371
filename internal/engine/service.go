package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/store"
	"github.com/marcaje/marcaje/internal/timeguard"
)

// ClockResult is the outcome of a clock action.
type ClockResult struct {
	Success bool
	Record  *record.AttendanceRecord
	// Error is the user-facing rejection reason when Success is false.
	Error string
}

// SyncStatus is the coarse state surfaced to collaborators.
type SyncStatus struct {
	PendingCount int
	HasNetwork   bool
	PassActive   bool
}

// Service is the interface the core exposes to its collaborators (UI,
// daemon, CLI). Identity and evidence are explicit inputs on every call;
// the engine holds no ambient session state.
type Service struct {
	store     *store.Store
	remote    Remote
	guard     *timeguard.Validator
	coord     *Coordinator
	scheduler *Scheduler
	puller    *Puller
	verifier  *Verifier
	presence  *PresenceQuery
	logger    *log.Logger
	now       func() time.Time
}

// ServiceConfig wires a Service together.
type ServiceConfig struct {
	Store     *store.Store
	Remote    Remote
	Guard     *timeguard.Validator
	Scheduler SchedulerConfig
	Logger    *log.Logger
}

// NewService assembles the full engine: syncer, coordinator, scheduler,
// puller, verifier and presence query over one store and remote client.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("time validator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	syncer := NewSyncer(cfg.Store, cfg.Remote, logger)
	coord := NewCoordinator(cfg.Store, syncer, logger)
	sched := NewScheduler(coord, cfg.Store, cfg.Remote, cfg.Scheduler)

	return &Service{
		store:     cfg.Store,
		remote:    cfg.Remote,
		guard:     cfg.Guard,
		coord:     coord,
		scheduler: sched,
		puller:    NewPuller(cfg.Store, cfg.Remote, logger),
		verifier:  NewVerifier(cfg.Store, cfg.Remote, logger),
		presence:  NewPresenceQuery(cfg.Store, cfg.Remote, logger),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Scheduler exposes the trigger hooks for collaborators (spool watcher,
// realtime feed, platform lifecycle events).
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Puller exposes reconciliation for the daemon's periodic pull.
func (s *Service) Puller() *Puller { return s.puller }

// Start launches the background scheduler. Stop releases it.
func (s *Service) Start(ctx context.Context) { s.scheduler.Start(ctx) }

// Stop halts background work.
func (s *Service) Stop() { s.scheduler.Stop() }

// ClockIn records a clock-in event for the identity.
func (s *Service) ClockIn(ctx context.Context, id record.Identity, ev record.Evidence) (ClockResult, error) {
	return s.clock(ctx, id, ev, record.ClockIn)
}

// ClockOut records a clock-out event for the identity.
func (s *Service) ClockOut(ctx context.Context, id record.Identity, ev record.Evidence) (ClockResult, error) {
	return s.clock(ctx, id, ev, record.ClockOut)
}

func (s *Service) clock(ctx context.Context, id record.Identity, ev record.Evidence, typ record.ClockType) (ClockResult, error) {
	if id.Cedula == "" {
		return ClockResult{Error: "cedula is required"}, nil
	}

	// Clock-integrity gate first: an event with an untrusted timestamp
	// must not be created at all.
	check := s.guard.Check(ctx)
	if !check.Valid {
		return ClockResult{Error: check.Message}, fmt.Errorf("%w: %s", ErrTimeDrift, check.Message)
	}

	// Cross-device eligibility. The remote view wins whenever reachable.
	presence, err := s.presence.CanClock(ctx, id.Cedula)
	if err != nil {
		return ClockResult{}, err
	}
	if typ == record.ClockIn && !presence.CanClockIn {
		return ClockResult{Error: "already clocked in today"}, nil
	}
	if typ == record.ClockOut && !presence.CanClockOut {
		return ClockResult{Error: "no open clock-in to close"}, nil
	}

	rec := record.New(id, ev, typ, s.now())
	if err := s.store.Create(ctx, rec); err != nil {
		return ClockResult{}, fmt.Errorf("failed to record %s: %w", typ, err)
	}

	s.scheduler.NotifyRecordCreated()
	s.logger.Printf("recorded %s for cedula %s (%s)", typ, id.Cedula, rec.NaturalKey())
	return ClockResult{Success: true, Record: rec}, nil
}

// SyncNow runs a sync pass immediately and returns its summary. If a pass
// is already active the result reports Busy and nothing else happens.
func (s *Service) SyncNow(ctx context.Context) (BatchResult, error) {
	return s.coord.Run(ctx)
}

// Status reports the queue depth and connectivity.
func (s *Service) Status(ctx context.Context) (SyncStatus, error) {
	n, err := s.store.PendingCount(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		PendingCount: n,
		HasNetwork:   s.remote.Online(ctx),
		PassActive:   s.coord.Active(),
	}, nil
}

// VerifyIntegrity audits synced records against the remote store,
// repairing orphans only when asked.
func (s *Service) VerifyIntegrity(ctx context.Context, repair bool) (VerifyResult, error) {
	res, err := s.verifier.Verify(ctx, repair)
	if err != nil {
		return res, err
	}
	if res.Repaired > 0 {
		// Repaired orphans are pending again; let the scheduler pick
		// them up without waiting for the next tick.
		s.scheduler.RequestSync()
	}
	return res, nil
}

// Pull reconciles remote state for one cedula.
func (s *Service) Pull(ctx context.Context, cedula string) (PullResult, error) {
	return s.puller.Pull(ctx, cedula)
}

// CanClock answers the cross-device presence question.
func (s *Service) CanClock(ctx context.Context, cedula string) (Presence, error) {
	return s.presence.CanClock(ctx, cedula)
}
