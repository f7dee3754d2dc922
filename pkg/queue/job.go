package queue

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Job is the queue-level envelope for one order's execution.
// OrderID doubles as the job identity for deduplication.
type Job struct {
	OrderID   string          `json:"orderId"`
	OrderType string          `json:"orderType"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	AmountIn  decimal.Decimal `json:"amountIn"`
}

// State is where a job sits in the queue
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed" // failed attempt, waiting out its backoff
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Pending reports whether a job in this state still blocks a duplicate enqueue
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Record is the durable form of a job plus its bookkeeping
type Record struct {
	Job          Job       `json:"job"`
	State        State     `json:"state"`
	Seq          uint64    `json:"seq"` // FIFO position among waiting jobs
	AttemptsMade int       `json:"attemptsMade"`
	LastError    string    `json:"lastError,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	ProcessAt    time.Time `json:"processAt"` // earliest start for delayed jobs
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// Backend persists job records so the queue survives restarts
type Backend interface {
	SaveJob(rec Record) error
	DeleteJob(id string) error
	LoadJobs() ([]Record, error)
}

var (
	ErrDuplicateJob = errors.New("job already waiting or active")
	ErrEmptyJobID   = errors.New("job id is required")
	ErrClosed       = errors.New("queue closed")
	ErrUnknownJob   = errors.New("unknown job")
)

// permanentError marks a failure the queue must not retry
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Fail records the job as failed without retrying.
// Processors return it after they have finalized the order themselves.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// MaxBackoff caps the delay between attempts
const MaxBackoff = 10 * time.Second

// Backoff is the delay before retrying after the given attempt (counted from 0):
// min(base * 2^attempt, MaxBackoff)
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
