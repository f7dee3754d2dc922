// Package queue is the durable execution queue: one job per order, FIFO among
// ready jobs, bounded attempts with exponential backoff and a global start rate.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/hyperroute/pkg/util"
)

type Options struct {
	MaxAttempts int           // total attempts per job, first run included
	BackoffBase time.Duration // delay after the first failed attempt

	// At most MaxRate job starts per RateWindow. MaxRate <= 0 disables the limit.
	MaxRate    int
	RateWindow time.Duration

	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		MaxRate:           100,
		RateWindow:        time.Minute,
		CompletedMaxAge:   time.Hour,
		CompletedMaxCount: 1000,
		FailedMaxAge:      24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.RateWindow <= 0 {
		o.RateWindow = d.RateWindow
	}
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = d.CompletedMaxAge
	}
	if o.CompletedMaxCount <= 0 {
		o.CompletedMaxCount = d.CompletedMaxCount
	}
	if o.FailedMaxAge <= 0 {
		o.FailedMaxAge = d.FailedMaxAge
	}
	if o.Clock == nil {
		o.Clock = util.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Lease is a job handed to a worker. Attempt counts from 0.
type Lease struct {
	Job         Job
	Attempt     int
	MaxAttempts int
}

// Last reports whether a failure of this attempt exhausts the job
func (l *Lease) Last() bool { return l.Attempt >= l.MaxAttempts-1 }

type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Queue struct {
	opts    Options
	backend Backend
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	mu      sync.Mutex
	records map[string]*Record
	seq     uint64
	wake    chan struct{} // closed and replaced whenever a job may have become ready
	closed  bool

	closing context.Context
	stop    context.CancelFunc
}

// New opens the queue over backend and recovers persisted jobs.
// Jobs left active by a previous process go back to waiting.
func New(backend Backend, opts Options) (*Queue, error) {
	opts = opts.withDefaults()
	if backend == nil {
		backend = NewMemBackend()
	}

	limit := rate.Inf
	burst := 1
	if opts.MaxRate > 0 {
		limit = rate.Every(opts.RateWindow / time.Duration(opts.MaxRate))
		burst = opts.MaxRate
	}

	closing, stop := context.WithCancel(context.Background())
	q := &Queue{
		opts:    opts,
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
		log:     opts.Logger,
		records: make(map[string]*Record),
		wake:    make(chan struct{}),
		closing: closing,
		stop:    stop,
	}

	recs, err := backend.LoadJobs()
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	recovered := 0
	for i := range recs {
		rec := recs[i]
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		if rec.State == StateActive {
			rec.State = StateWaiting
			if err := backend.SaveJob(rec); err != nil {
				stop()
				return nil, fmt.Errorf("failed to recover job %s: %w", rec.Job.OrderID, err)
			}
			recovered++
		}
		q.records[rec.Job.OrderID] = &rec
	}
	q.pruneLocked(opts.Clock.Now())

	if len(recs) > 0 {
		q.log.Infow("queue_recovered", "jobs", len(recs), "stalled", recovered)
	}
	return q, nil
}

// Enqueue adds a job keyed by its order id. A job with the same id that is
// still waiting, delayed or active makes this fail with ErrDuplicateJob.
func (q *Queue) Enqueue(job Job) error {
	if job.OrderID == "" {
		return ErrEmptyJobID
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if prev, ok := q.records[job.OrderID]; ok && prev.State.Pending() {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.OrderID)
	}

	now := q.opts.Clock.Now()
	q.seq++
	rec := &Record{
		Job:        job,
		State:      StateWaiting,
		Seq:        q.seq,
		EnqueuedAt: now,
		ProcessAt:  now,
	}
	if err := q.backend.SaveJob(*rec); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	q.records[job.OrderID] = rec
	q.signalLocked()

	q.log.Debugw("job_enqueued", "order_id", job.OrderID, "seq", rec.Seq)
	return nil
}

// Dequeue blocks until a start token is available and a job is ready, then
// marks that job active. It returns ErrClosed once the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(q.closing, cancel)
	defer stopAfter()

	if err := q.limiter.Wait(waitCtx); err != nil {
		if q.closing.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.opts.Clock.Now()
		rec, nextDue := q.nextReadyLocked(now)
		if rec != nil {
			lease, err := q.activateLocked(rec)
			q.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return lease, nil
		}
		wake := q.wake
		q.mu.Unlock()

		var timer <-chan time.Time
		if !nextDue.IsZero() {
			timer = q.opts.Clock.After(nextDue.Sub(now))
		}
		select {
		case <-waitCtx.Done():
			if q.closing.Err() != nil {
				return nil, ErrClosed
			}
			return nil, waitCtx.Err()
		case <-wake:
		case <-timer:
		}
	}
}

// nextReadyLocked returns the lowest-seq runnable job, or the earliest time a
// delayed job becomes runnable when none is ready yet.
func (q *Queue) nextReadyLocked(now time.Time) (*Record, time.Time) {
	var best *Record
	var nextDue time.Time
	for _, rec := range q.records {
		switch rec.State {
		case StateWaiting:
		case StateDelayed:
			if rec.ProcessAt.After(now) {
				if nextDue.IsZero() || rec.ProcessAt.Before(nextDue) {
					nextDue = rec.ProcessAt
				}
				continue
			}
		default:
			continue
		}
		if best == nil || rec.Seq < best.Seq {
			best = rec
		}
	}
	return best, nextDue
}

func (q *Queue) activateLocked(rec *Record) (*Lease, error) {
	next := *rec
	next.State = StateActive
	if err := q.backend.SaveJob(next); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	*rec = next
	return &Lease{Job: rec.Job, Attempt: rec.AttemptsMade, MaxAttempts: q.opts.MaxAttempts}, nil
}

// Complete records a successful run
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok || rec.State != StateActive {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	now := q.opts.Clock.Now()
	next := *rec
	next.State = StateCompleted
	next.AttemptsMade++
	next.LastError = ""
	next.FinishedAt = now
	err := q.settleLocked(rec, next)
	q.pruneLocked(now)
	return err
}

// Fail records a failed run. The job is scheduled again after its backoff
// unless cause is Permanent or the attempt budget is spent; retrying tells
// which happened.
func (q *Queue) Fail(id string, cause error) (retrying bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok || rec.State != StateActive {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	now := q.opts.Clock.Now()
	next := *rec
	next.AttemptsMade++
	if cause != nil {
		next.LastError = cause.Error()
	}

	if IsPermanent(cause) || next.AttemptsMade >= q.opts.MaxAttempts {
		next.State = StateFailed
		next.FinishedAt = now
	} else {
		delay := Backoff(next.AttemptsMade-1, q.opts.BackoffBase)
		q.seq++
		next.Seq = q.seq
		next.State = StateDelayed
		next.ProcessAt = now.Add(delay)
		retrying = true
	}

	err = q.settleLocked(rec, next)

	if retrying {
		q.log.Infow("job_retry_scheduled",
			"order_id", id,
			"attempts_made", next.AttemptsMade,
			"process_at", next.ProcessAt,
		)
		q.signalLocked()
	} else {
		q.log.Warnw("job_failed", "order_id", id, "attempts_made", next.AttemptsMade, "error", next.LastError)
		q.pruneLocked(now)
	}
	return retrying, err
}

// settleLocked moves an active job out of the active state. The in-memory
// record always advances so a failed write cannot pin the order id as active
// until restart; the stale durable record is recovered as waiting then.
func (q *Queue) settleLocked(rec *Record, next Record) error {
	*rec = next
	if err := q.backend.SaveJob(next); err != nil {
		q.log.Errorw("job_persist_failed",
			"order_id", next.Job.OrderID,
			"state", next.State,
			"error", err,
			"hint", "job is re-run after restart; executor skips finished orders",
		)
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

// Get returns a copy of the job record
func (q *Queue) Get(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, rec := range q.records {
		switch rec.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

// Close stops handing out jobs. Blocked Dequeue calls return ErrClosed.
// Persisted jobs are left for the next process.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.stop()
	q.signalLocked()
	return nil
}

func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// pruneLocked applies retention: completed jobs older than CompletedMaxAge or
// beyond the newest CompletedMaxCount, failed jobs older than FailedMaxAge.
func (q *Queue) pruneLocked(now time.Time) {
	var completed []*Record
	var drop []string
	for id, rec := range q.records {
		switch rec.State {
		case StateCompleted:
			if now.Sub(rec.FinishedAt) > q.opts.CompletedMaxAge {
				drop = append(drop, id)
				continue
			}
			completed = append(completed, rec)
		case StateFailed:
			if now.Sub(rec.FinishedAt) > q.opts.FailedMaxAge {
				drop = append(drop, id)
			}
		}
	}
	if over := len(completed) - q.opts.CompletedMaxCount; over > 0 {
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].FinishedAt.Before(completed[j].FinishedAt)
		})
		for _, rec := range completed[:over] {
			drop = append(drop, rec.Job.OrderID)
		}
	}

	for _, id := range drop {
		if err := q.backend.DeleteJob(id); err != nil {
			q.log.Warnw("job_prune_failed", "order_id", id, "error", err)
			continue
		}
		delete(q.records, id)
	}
}

// MemBackend keeps job records in memory. Nothing survives the process.
type MemBackend struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemBackend() *MemBackend {
	return &MemBackend{recs: make(map[string]Record)}
}

func (b *MemBackend) SaveJob(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs[rec.Job.OrderID] = rec
	return nil
}

func (b *MemBackend) DeleteJob(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recs, id)
	return nil
}

func (b *MemBackend) LoadJobs() ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.recs))
	for _, rec := range b.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
