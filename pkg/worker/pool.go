package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultWorkerCount  = 4
	DefaultPollInterval = 500 * time.Millisecond
	DefaultErrorBackoff = time.Second
)

// ErrAlreadyRunning is returned by Start on a running pool or sweeper
var ErrAlreadyRunning = errors.New("already running")

// Dequeuer hands out ready jobs
type Dequeuer interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
}

// JobProcessor runs one attempt of a job
type JobProcessor interface {
	ProcessJob(ctx context.Context, job *queue.Job) bool
}

// PoolConfig holds worker pool settings
type PoolConfig struct {
	// Number of worker goroutines
	WorkerCount int

	// Sleep between polls of an empty queue
	PollInterval time.Duration

	// Sleep after a dequeue error
	ErrorBackoff time.Duration
}

// Pool runs WorkerCount goroutines that dequeue and process jobs
type Pool struct {
	queue     Dequeuer
	processor JobProcessor
	config    PoolConfig
	logger    ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	cancel   context.CancelFunc

	running bool
	mu      sync.Mutex
}

func NewPool(q Dequeuer, processor JobProcessor, config PoolConfig, logger ectologger.Logger) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = DefaultErrorBackoff
	}

	return &Pool{
		queue:     q,
		processor: processor,
		config:    config,
		logger:    logger,
	}
}

// Start launches the workers. They run until Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedC = make(chan struct{})

	// in-flight work outlives ctx cancellation until Stop gives up waiting
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(workCtx, &wg, i)
	}

	stoppedC := p.stoppedC
	go func() {
		wg.Wait()
		close(stoppedC)
	}()

	p.logger.WithContext(ctx).Infof("Worker pool started: workers=%d poll=%s", p.config.WorkerCount, p.config.PollInterval)
	return nil
}

// Stop signals the workers and waits for in-flight jobs. If ctx expires first the
// in-flight jobs are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	stoppedC, cancel := p.stoppedC, p.cancel
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping worker pool...")

	select {
	case <-stoppedC:
		cancel()
		p.logger.WithContext(ctx).Info("Worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		cancel()
		<-stoppedC
		p.logger.WithContext(ctx).Warn("Worker pool shutdown timed out, in-flight jobs were cancelled")
		return ctx.Err()
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	defer p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.dequeue(ctx)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to dequeue job")
			if !p.sleep(p.config.ErrorBackoff) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(p.config.PollInterval) {
				return
			}
			continue
		}

		p.processor.ProcessJob(ctx, job)
	}
}

func (p *Pool) dequeue(ctx context.Context) (*queue.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "Pool.Dequeue")
	defer span.End()
	return p.queue.Dequeue(ctx)
}

// sleep waits for d and reports false if the pool was stopped meanwhile.
func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-t.C:
		return true
	}
}
