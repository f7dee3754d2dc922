package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/queue"
)

const DefaultConcurrency = 10

// Processor runs one attempt of a leased job
type Processor interface {
	Process(ctx context.Context, lease *queue.Lease) error
}

// JobQueue is the part of the queue the pool drives
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Lease, error)
	Complete(id string) error
	Fail(id string, cause error) (bool, error)
}

// Pool runs a fixed number of workers. Each worker owns a job from dequeue
// until Complete or Fail, so a single order is never processed twice at once.
type Pool struct {
	queue   JobQueue
	proc    Processor
	workers int
	log     *zap.SugaredLogger
}

func NewPool(q JobQueue, p Processor, workers int, logger *zap.SugaredLogger) *Pool {
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{queue: q, proc: p, workers: workers, log: logger}
}

// Run blocks until ctx is cancelled or the queue is closed. Jobs already
// picked up run to the end of their attempt.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	p.log.Infow("worker_pool_started", "workers", p.workers)
	wg.Wait()
	p.log.Infow("worker_pool_stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	// In-flight attempts outlive ctx; stage timeouts still bound them
	jobCtx := context.WithoutCancel(ctx)

	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.log.Warnw("dequeue_failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		p.handle(jobCtx, worker, lease)
	}
}

func (p *Pool) handle(ctx context.Context, worker int, lease *queue.Lease) {
	id := lease.Job.OrderID
	err := p.proc.Process(ctx, lease)
	if err == nil {
		if cerr := p.queue.Complete(id); cerr != nil {
			p.log.Errorw("job_complete_failed", "order_id", id, "worker", worker, "error", cerr)
		}
		return
	}

	retrying, ferr := p.queue.Fail(id, err)
	if ferr != nil {
		p.log.Errorw("job_fail_failed", "order_id", id, "worker", worker, "retrying", retrying, "error", ferr)
		return
	}
	p.log.Debugw("job_failed_attempt", "order_id", id, "worker", worker, "retrying", retrying)
}
