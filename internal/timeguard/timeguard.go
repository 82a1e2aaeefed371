// Package timeguard decides whether the device clock is trustworthy
// enough to timestamp a legal attendance event.
//
// The validator estimates authoritative time from the remote store: a
// lightweight HEAD probe reading the Date header with round-trip
// compensation, falling back to a minimal data read when the probe is
// unavailable. When no network is reachable at all it fails open and
// treats device time as valid; blocking legitimate offline attendance
// would be worse than accepting an unverifiable clock. That tradeoff is
// deliberate and must not be tightened.
package timeguard

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"
)

// DefaultTolerance is the maximum accepted absolute device-clock drift.
const DefaultTolerance = 5 * time.Minute

// DefaultCacheTTL is how long a measured offset stays valid, so the
// validator does not probe the network on every clock action.
const DefaultCacheTTL = 60 * time.Second

// Prober estimates the remote store's clock.
type Prober interface {
	// ProbeServerTime is the accurate path: timestamp header with RTT/2
	// compensation.
	ProbeServerTime(ctx context.Context) (server time.Time, rtt time.Duration, err error)
	// CoarseServerTime is the fallback: a minimal data read whose
	// response timestamp only catches gross drift.
	CoarseServerTime(ctx context.Context) (server time.Time, err error)
}

// Source identifies which probe produced a validation result.
type Source string

const (
	SourceProbe   Source = "probe"
	SourceCoarse  Source = "coarse"
	SourceCached  Source = "cached"
	SourceOffline Source = "offline" // fail-open: no network reachable
)

// Result of a clock validation.
type Result struct {
	Valid  bool
	Diff   time.Duration // deviceTime - serverTime; zero when offline
	Source Source
	// Message is the human-readable rejection reason, set only when the
	// drift exceeds tolerance.
	Message string
}

// Validator gates record creation on device-clock integrity.
type Validator struct {
	prober    Prober
	tolerance time.Duration
	cacheTTL  time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu         sync.Mutex
	cachedDiff time.Duration
	cachedAt   time.Time
	haveCache  bool
}

// Option customizes a Validator.
type Option func(*Validator)

// WithTolerance overrides the accepted drift.
func WithTolerance(d time.Duration) Option {
	return func(v *Validator) { v.tolerance = d }
}

// WithCacheTTL overrides how long a measured offset is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(v *Validator) { v.cacheTTL = d }
}

// WithClock overrides the device clock source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New builds a Validator over the given prober.
func New(prober Prober, logger *log.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = log.New(os.Stderr, "[timeguard] ", log.LstdFlags)
	}
	v := &Validator{
		prober:    prober,
		tolerance: DefaultTolerance,
		cacheTTL:  DefaultCacheTTL,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check measures device-clock drift against the remote store and reports
// whether the clock is acceptable for timestamping an event.
func (v *Validator) Check(ctx context.Context) Result {
	now := v.now()

	v.mu.Lock()
	if v.haveCache && now.Sub(v.cachedAt) < v.cacheTTL {
		diff := v.cachedDiff
		v.mu.Unlock()
		return v.evaluate(diff, SourceCached)
	}
	v.mu.Unlock()

	if server, _, err := v.prober.ProbeServerTime(ctx); err == nil {
		diff := v.now().Sub(server)
		v.remember(diff)
		return v.evaluate(diff, SourceProbe)
	} else {
		v.logger.Printf("time probe failed, trying coarse read: %v", err)
	}

	if server, err := v.prober.CoarseServerTime(ctx); err == nil {
		diff := v.now().Sub(server)
		v.remember(diff)
		return v.evaluate(diff, SourceCoarse)
	} else {
		v.logger.Printf("coarse time read failed: %v", err)
	}

	// No network at all: fail open rather than block attendance.
	return Result{Valid: true, Source: SourceOffline}
}

func (v *Validator) remember(diff time.Duration) {
	v.mu.Lock()
	v.cachedDiff = diff
	v.cachedAt = v.now()
	v.haveCache = true
	v.mu.Unlock()
}

func (v *Validator) evaluate(diff time.Duration, src Source) Result {
	if absDuration(diff) <= v.tolerance {
		return Result{Valid: true, Diff: diff, Source: src}
	}
	minutes := int(math.Round(math.Abs(diff.Minutes())))
	direction := "ahead"
	if diff < 0 {
		direction = "behind"
	}
	return Result{
		Valid:  false,
		Diff:   diff,
		Source: src,
		Message: fmt.Sprintf(
			"device clock is %d minutes %s of server time; fix the device clock and try again",
			minutes, direction),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
