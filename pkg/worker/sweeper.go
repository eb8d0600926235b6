package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	DefaultSweepInterval    = time.Second
	DefaultDLQPurgeInterval = time.Minute
	DefaultSweepBatch       = 100

	sweeperLockName = "sweeper"
)

// SweepQueue is the maintenance side of the queue
type SweepQueue interface {
	PromoteDue(ctx context.Context, limit int) (int, error)
	ReclaimExpired(ctx context.Context, limit int) ([]queue.Reclaimed, error)
	PurgeDLQ(ctx context.Context) (int64, error)
	RefreshDepthMetrics(ctx context.Context) error
}

type SweeperConfig struct {
	Interval         time.Duration
	DLQPurgeInterval time.Duration
	BatchSize        int
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Leader    bool
	Promoted  int
	Reclaimed int
	Purged    int64
}

// Sweeper promotes due retries, reclaims expired leases and purges the DLQ.
// Only the instance holding the leader lock sweeps on a given tick.
type Sweeper struct {
	queue  SweepQueue
	locker *redis.Locker
	config SweeperConfig
	logger ectologger.Logger
	now    func() time.Time

	lastPurge time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

func NewSweeper(q SweepQueue, locker *redis.Locker, config SweeperConfig, logger ectologger.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.DLQPurgeInterval <= 0 {
		config.DLQPurgeInterval = DefaultDLQPurgeInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweepBatch
	}
	return &Sweeper{
		queue:  q,
		locker: locker,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source used to schedule purges.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) lockTTL() time.Duration {
	ttl := 5 * s.config.Interval
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	return ttl
}

// Start runs Sweep every Interval until Stop is called
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	ctx = context.WithoutCancel(ctx)
	stopCh, stoppedC := s.stopCh, s.stoppedC
	go func() {
		defer close(stoppedC)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.WithContext(ctx).WithError(err).Warn("Sweep failed")
				}
			}
		}
	}()

	s.logger.WithContext(ctx).Infof("Sweeper started: interval=%s", s.config.Interval)
	return nil
}

// Stop stops the sweeper and waits for a running sweep to finish
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	stoppedC := s.stoppedC
	s.mu.Unlock()

	select {
	case <-stoppedC:
		s.logger.WithContext(ctx).Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one maintenance pass if this instance can take the leader lock.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	lock, err := s.locker.Acquire(ctx, sweeperLockName, s.lockTTL())
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return &SweepResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to release sweeper lock")
		}
	}()

	result := &SweepResult{Leader: true}

	if result.Promoted, err = s.queue.PromoteDue(ctx, s.config.BatchSize); err != nil {
		return result, err
	}

	reclaimed, err := s.queue.ReclaimExpired(ctx, s.config.BatchSize)
	if err != nil {
		return result, err
	}
	result.Reclaimed = len(reclaimed)

	now := s.now()
	if s.lastPurge.IsZero() || now.Sub(s.lastPurge) >= s.config.DLQPurgeInterval {
		if result.Purged, err = s.queue.PurgeDLQ(ctx); err != nil {
			return result, err
		}
		s.lastPurge = now
	}

	if err := s.queue.RefreshDepthMetrics(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Debug("Failed to refresh queue depth metrics")
	}

	return result, nil
}
