// Package circuitbreaker guards calls to an unreliable dependency.
//
// The breaker is CLOSED while calls succeed. Reaching FailureThreshold failures inside the
// trailing FailureWindow opens it, and while OPEN every call is rejected. Once OpenDuration
// has passed the next caller is admitted as the single HALF_OPEN trial: its success closes
// the breaker and its failure reopens it. Callers arriving while the trial is outstanding
// are rejected.
//
// Outcomes are reported against the Permit returned by Allow. A permit issued before the
// last transition is stale and its outcome is ignored, so only the trial decides a
// half-open breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
)

// ErrOpen is the reason recorded when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit breaker open")

const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 60 * time.Second
	DefaultOpenDuration     = 30 * time.Second
)

// State of the breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker thresholds
type Config struct {
	Name             string
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
}

// Transition describes a state change
type Transition struct {
	From         State
	To           State
	FailureCount int
	Reason       string
	At           time.Time
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	State        State
	FailureCount int
	// OldestFailure is the earliest failure still inside the window
	OldestFailure time.Time
	OpenedAt      time.Time
}

// Permit is an admission granted by Allow. The zero Permit is never current.
type Permit struct {
	generation uint64
	trial      bool
}

// Trial reports whether the permit is the half-open trial.
func (p Permit) Trial() bool {
	return p.trial
}

// Store shares the open state between processes.
type Store interface {
	MarkOpen(ctx context.Context, ttl time.Duration) error
	MarkClosed(ctx context.Context) error
	OpenFor(ctx context.Context) (time.Duration, error)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger ectologger.Logger
	store  Store
	now    func() time.Time

	mu    sync.Mutex
	state State
	// generation changes on every transition and every trial claim
	generation     uint64
	failures       []time.Time
	openedAt       time.Time
	trialInFlight  bool
	trialStartedAt time.Time

	observers []func(Transition)
}

// New creates a closed breaker
func New(cfg Config, logger ectologger.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}
	return &Breaker{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		state:      StateClosed,
		generation: 1,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithStore mirrors the open state into store.
func (b *Breaker) WithStore(store Store) *Breaker {
	b.store = store
	return b
}

// OnStateChange registers fn to be called after every transition.
func (b *Breaker) OnStateChange(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Allow reports whether a call may proceed. When the open period has elapsed the first
// caller becomes the half-open trial. An admitted caller reports the outcome with
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow(ctx context.Context) (Permit, bool) {
	b.mu.Lock()
	now := b.now()
	var transition *Transition
	var permit Permit
	allowed := false

	switch b.state {
	case StateClosed:
		permit = Permit{generation: b.generation}
		allowed = true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenDuration {
			transition = b.setState(StateHalfOpen, now, "open duration elapsed")
			permit = b.claimTrial(now)
			allowed = true
		}
	case StateHalfOpen:
		// a trial that never reported back is treated as lost
		if !b.trialInFlight || now.Sub(b.trialStartedAt) >= b.cfg.OpenDuration {
			permit = b.claimTrial(now)
			allowed = true
		}
	}
	state, failures := b.state, b.failureCount(now)
	b.mu.Unlock()

	b.notify(ctx, transition)

	if allowed && state == StateClosed && b.sharedOpen(ctx) > 0 {
		allowed = false
	}

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"breaker":       b.cfg.Name,
		"state":         state.String(),
		"failure_count": failures,
		"allowed":       allowed,
	}).Debug("Circuit breaker decision")

	if !allowed {
		return Permit{}, false
	}
	return permit, true
}

// IsOpen reports whether calls are currently being rejected, without claiming the trial.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	return b.RetryAfter(ctx) > 0
}

// RetryAfter returns how long until the breaker will admit a trial, or zero if it admits calls now.
func (b *Breaker) RetryAfter(ctx context.Context) time.Duration {
	b.mu.Lock()
	var local time.Duration
	switch b.state {
	case StateOpen:
		local = b.cfg.OpenDuration - b.now().Sub(b.openedAt)
	case StateHalfOpen:
		if b.trialInFlight {
			local = b.cfg.OpenDuration - b.now().Sub(b.trialStartedAt)
		}
	}
	closed := b.state == StateClosed
	b.mu.Unlock()

	if local > 0 {
		return local
	}
	if closed {
		return b.sharedOpen(ctx)
	}
	return 0
}

// RecordSuccess reports a successful call made under p.
func (b *Breaker) RecordSuccess(ctx context.Context, p Permit) {
	b.mu.Lock()
	now := b.now()
	var transition *Transition

	if b.current(p) {
		switch b.state {
		case StateHalfOpen:
			b.failures = b.failures[:0]
			b.trialInFlight = false
			transition = b.setState(StateClosed, now, "trial succeeded")
		case StateClosed:
			b.pruneFailures(now)
		}
	}
	b.mu.Unlock()

	b.notify(ctx, transition)
}

// RecordFailure reports a failed call made under p.
func (b *Breaker) RecordFailure(ctx context.Context, p Permit, reason string) {
	b.mu.Lock()
	now := b.now()
	var transition *Transition
	stale := !b.current(p)

	if !stale {
		switch b.state {
		case StateHalfOpen:
			b.trialInFlight = false
			b.openedAt = now
			transition = b.setState(StateOpen, now, reason)
		case StateClosed:
			b.failures = append(b.failures, now)
			if b.failureCount(now) >= b.cfg.FailureThreshold {
				b.openedAt = now
				transition = b.setState(StateOpen, now, reason)
			}
		}
	}
	failures := b.failureCount(now)
	b.mu.Unlock()

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"breaker":       b.cfg.Name,
		"failure_count": failures,
		"reason":        reason,
		"stale":         stale,
	}).Debug("Circuit breaker recorded failure")

	b.notify(ctx, transition)
}

// Release ends a call made under p whose result says nothing about the dependency.
// A released trial lets the next caller in straight away.
func (b *Breaker) Release(ctx context.Context, p Permit) {
	b.mu.Lock()
	released := p.trial && b.current(p) && b.trialInFlight
	if released {
		b.trialInFlight = false
	}
	b.mu.Unlock()

	if released {
		b.logger.WithContext(ctx).WithField("breaker", b.cfg.Name).Debug("Circuit breaker trial released")
	}
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		State:        b.state,
		FailureCount: b.failureCount(b.now()),
		OpenedAt:     b.openedAt,
	}
	if len(b.failures) > 0 {
		snap.OldestFailure = b.failures[0]
	}
	return snap
}

// must hold mu
func (b *Breaker) current(p Permit) bool {
	return p.generation == b.generation && p.trial == (b.state == StateHalfOpen)
}

// must hold mu
func (b *Breaker) pruneFailures(now time.Time) {
	i := 0
	for i < len(b.failures) && now.Sub(b.failures[i]) >= b.cfg.FailureWindow {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// must hold mu
func (b *Breaker) failureCount(now time.Time) int {
	b.pruneFailures(now)
	return len(b.failures)
}

// must hold mu
func (b *Breaker) claimTrial(now time.Time) Permit {
	b.generation++
	b.trialInFlight = true
	b.trialStartedAt = now
	return Permit{generation: b.generation, trial: true}
}

// must hold mu
func (b *Breaker) setState(to State, now time.Time, reason string) *Transition {
	t := &Transition{From: b.state, To: to, FailureCount: len(b.failures), Reason: reason, At: now}
	b.state = to
	b.generation++
	return t
}

func (b *Breaker) notify(ctx context.Context, t *Transition) {
	if t == nil {
		return
	}

	entry := b.logger.WithContext(ctx).WithFields(map[string]any{
		"breaker":       b.cfg.Name,
		"from":          t.From.String(),
		"to":            t.To.String(),
		"failure_count": t.FailureCount,
		"reason":        t.Reason,
	})
	if t.To == StateOpen {
		entry.Warnf("Circuit breaker %s opened", b.cfg.Name)
	} else {
		entry.Infof("Circuit breaker %s moved %s -> %s", b.cfg.Name, t.From, t.To)
	}

	if b.store != nil {
		var err error
		switch t.To {
		case StateOpen:
			err = b.store.MarkOpen(ctx, b.cfg.OpenDuration)
		case StateClosed:
			err = b.store.MarkClosed(ctx)
		}
		if err != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("Failed to mirror circuit breaker state")
		}
	}

	b.mu.Lock()
	observers := append([]func(Transition){}, b.observers...)
	b.mu.Unlock()
	for _, fn := range observers {
		fn(*t)
	}
}

func (b *Breaker) sharedOpen(ctx context.Context) time.Duration {
	if b.store == nil {
		return 0
	}
	d, err := b.store.OpenFor(ctx)
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Debug("Circuit breaker store unavailable, using local state")
		return 0
	}
	return d
}
