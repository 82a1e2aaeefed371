package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Trigger identifies what asked for a sync pass.
type Trigger string

const (
	TriggerTimer         Trigger = "timer"
	TriggerNetworkUp     Trigger = "network_up"
	TriggerForeground    Trigger = "foreground"
	TriggerRecordCreated Trigger = "record_created"
	TriggerManual        Trigger = "manual"
)

// SchedulerConfig tunes the adaptive cadence.
type SchedulerConfig struct {
	// BusyInterval applies while records are pending.
	BusyInterval time.Duration
	// IdleInterval applies while the pending count is zero; idle devices
	// should not poll aggressively.
	IdleInterval time.Duration
	// NetworkPollInterval is how often connectivity is sampled to detect
	// the unavailable→available transition.
	NetworkPollInterval time.Duration
	Logger              *log.Logger
}

// DefaultSchedulerConfig returns the standard cadence: 30s busy, 1h idle.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BusyInterval:        30 * time.Second,
		IdleInterval:        time.Hour,
		NetworkPollInterval: 15 * time.Second,
	}
}

// Scheduler decides when the coordinator runs. The adaptive timer and all
// ad hoc triggers funnel into one loop, and the coordinator's own guard
// drops anything that arrives while a pass is active, so triggers can
// never race each other destructively.
type Scheduler struct {
	coord  *Coordinator
	store  pendingCounter
	remote onlineChecker
	cfg    SchedulerConfig
	logger *log.Logger

	triggers chan Trigger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type pendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

type onlineChecker interface {
	Online(ctx context.Context) bool
}

// NewScheduler builds a Scheduler over the coordinator.
func NewScheduler(coord *Coordinator, store pendingCounter, rm onlineChecker, cfg SchedulerConfig) *Scheduler {
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = 30 * time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Hour
	}
	if cfg.NetworkPollInterval <= 0 {
		cfg.NetworkPollInterval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		coord:    coord,
		store:    store,
		remote:   rm,
		cfg:      cfg,
		logger:   logger,
		triggers: make(chan Trigger, 8),
	}
}

// Start launches the scheduling loop and the network transition watcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(2)
	go s.loop(ctx)
	go s.watchNetwork(ctx)
}

// Stop halts the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

// Fire requests an immediate pass for the given reason. Non-blocking: if
// the trigger buffer is full the request is dropped, matching the
// drop-not-queue contract.
func (s *Scheduler) Fire(t Trigger) {
	select {
	case s.triggers <- t:
	default:
	}
}

// NotifyRecordCreated is the record-created event hook.
func (s *Scheduler) NotifyRecordCreated() { s.Fire(TriggerRecordCreated) }

// NotifyForeground is the application-foreground hook.
func (s *Scheduler) NotifyForeground() { s.Fire(TriggerForeground) }

// RequestSync is the explicit manual-sync hook.
func (s *Scheduler) RequestSync() { s.Fire(TriggerManual) }

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.run(ctx, TriggerTimer)
		case t := <-s.triggers:
			s.run(ctx, t)
		}
		timer.Reset(s.interval(ctx))
	}
}

// interval picks the adaptive cadence from the pending count.
func (s *Scheduler) interval(ctx context.Context) time.Duration {
	n, err := s.store.PendingCount(ctx)
	if err != nil {
		s.logger.Printf("pending count failed: %v", err)
		return s.cfg.BusyInterval
	}
	if n > 0 {
		return s.cfg.BusyInterval
	}
	return s.cfg.IdleInterval
}

func (s *Scheduler) run(ctx context.Context, t Trigger) {
	res, err := s.coord.Run(ctx)
	if err != nil {
		s.logger.Printf("sync pass (%s) failed: %v", t, err)
		return
	}
	if res.Busy {
		s.logger.Printf("sync trigger %s dropped: pass already active", t)
		return
	}
	if res.Total > 0 {
		s.logger.Printf("sync pass (%s): %d synced, %d failed, %d skipped",
			t, res.Synced, res.Failed, res.Skipped)
	}
}

// watchNetwork samples connectivity and fires a trigger on the
// unavailable→available transition.
func (s *Scheduler) watchNetwork(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.NetworkPollInterval)
	defer ticker.Stop()

	wasOnline := s.remote.Online(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.remote.Online(ctx)
			if online && !wasOnline {
				s.logger.Printf("network restored, requesting sync")
				s.Fire(TriggerNetworkUp)
			}
			wasOnline = online
		}
	}
}
