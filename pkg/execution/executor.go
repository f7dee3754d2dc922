// Package execution drives orders through
// PENDING → ROUTING → BUILDING → SUBMITTED → CONFIRMED (or FAILED) and runs
// the workers that feed jobs from the queue into that state machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/metrics"
	"github.com/uhyunpark/hyperroute/pkg/notify"
	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/queue"
	"github.com/uhyunpark/hyperroute/pkg/router"
)

const DefaultStageTimeout = 30 * time.Second

// Stage names used in errors, logs and metrics
const (
	StageLoad     = "load"
	StageRouting  = "routing"
	StageBuild    = "building"
	StageSwap     = "swap"
	StageConfirm  = "confirm"
	StageFinalize = "finalize"
)

// ErrSettlementUnknown is the failure recorded for an order found SUBMITTED at
// the start of an attempt: the swap may have landed, so it is never resent.
var ErrSettlementUnknown = errors.New("settlement unknown: swap was submitted before the previous attempt stopped")

// StageError is a transient failure of one attempt
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Store is the slice of the order store the executor needs
type Store interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, status order.Status, upd order.Update) error
	IncrementRetry(ctx context.Context, id string) (int, error)
}

type Notifier interface {
	Publish(orderID string, status order.Status, message string, data *notify.Payload)
}

type Executor struct {
	store        Store
	router       router.Router
	notifier     Notifier
	metrics      *metrics.Metrics
	log          *zap.SugaredLogger
	stageTimeout time.Duration
}

type ExecutorOption func(*Executor)

func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stageTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) ExecutorOption { return func(e *Executor) { e.metrics = m } }

func WithLogger(l *zap.SugaredLogger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func NewExecutor(store Store, r router.Router, n Notifier, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:        store,
		router:       r,
		notifier:     n,
		log:          zap.NewNop().Sugar(),
		stageTimeout: DefaultStageTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one attempt for the leased job.
//
// A nil return completes the job. A *StageError asks the queue to retry. Once
// the attempt budget is spent, or the order cannot continue, the order is
// finalized FAILED here and the error comes back wrapped in queue.Permanent.
func (e *Executor) Process(ctx context.Context, lease *queue.Lease) error {
	id := lease.Job.OrderID
	log := e.log.With("order_id", id, "attempt", lease.Attempt+1)
	log.Infow("order_processing")

	o, err := e.store.Get(ctx, id)
	if err != nil {
		return e.handleFailure(ctx, lease, stageErr(StageLoad, err))
	}
	if o == nil {
		log.Errorw("order_missing")
		return queue.Permanent(fmt.Errorf("%w: %s", order.ErrNotFound, id))
	}

	switch {
	case o.Status.Terminal():
		log.Infow("order_already_final", "status", o.Status)
		return nil
	case o.Status == order.StatusSubmitted:
		return e.finalize(ctx, lease, ErrSettlementUnknown, nil)
	}

	if err := e.run(ctx, o); err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			return e.finalize(ctx, lease, err, nil)
		}
		return e.handleFailure(ctx, lease, err)
	}
	return nil
}

// run resumes from the furthest stage the order has durably reached
func (e *Executor) run(ctx context.Context, o *order.Order) error {
	var venue order.Venue
	var expected decimal.Decimal

	if o.Status.Reached(order.StatusBuilding) {
		var err error
		venue, expected, err = persistedRoute(o)
		if err != nil {
			return err
		}
		e.log.Infow("order_resumed", "order_id", o.ID, "status", o.Status, "venue", venue)
	} else {
		best, err := e.route(ctx, o)
		if err != nil {
			return err
		}
		venue, expected = best.Venue, best.EffectivePrice

		if err := e.transition(ctx, o.ID, order.StatusBuilding, order.Update{}, nil); err != nil {
			return stageErr(StageBuild, err)
		}
	}

	res, err := e.swap(ctx, o, venue, expected)
	if err != nil {
		return err
	}
	return e.confirm(ctx, o.ID, res)
}

func (e *Executor) route(ctx context.Context, o *order.Order) (order.Quote, error) {
	started := time.Now()

	if err := e.transition(ctx, o.ID, order.StatusRouting, order.Update{}, nil); err != nil {
		return order.Quote{}, stageErr(StageRouting, err)
	}

	var quotes []order.Quote
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		quotes, err = e.router.GetQuotes(ctx, o.TokenIn, o.TokenOut, o.AmountIn)
		return err
	})
	if err != nil {
		e.metrics.ObserveStage(StageRouting, time.Since(started), err)
		return order.Quote{}, stageErr(StageRouting, err)
	}

	best, decision, err := order.Route(quotes)
	if err != nil {
		e.metrics.ObserveStage(StageRouting, time.Since(started), err)
		return order.Quote{}, stageErr(StageRouting, err)
	}

	upd := order.Update{
		SelectedVenue:   best.Venue,
		Quotes:          quotes,
		RoutingDecision: &decision,
	}
	msg := fmt.Sprintf("Selected %s for best price", best.Venue)
	payload := &notify.Payload{SelectedVenue: best.Venue, RoutingDecision: &decision}
	if err := e.transitionWithMessage(ctx, o.ID, order.StatusRouting, upd, msg, payload); err != nil {
		e.metrics.ObserveStage(StageRouting, time.Since(started), err)
		return order.Quote{}, stageErr(StageRouting, err)
	}

	e.metrics.ObserveStage(StageRouting, time.Since(started), nil)
	e.metrics.VenueSelected(string(best.Venue))
	e.log.Infow("order_routed",
		"order_id", o.ID,
		"venue", best.Venue,
		"effective_price", best.EffectivePrice.StringFixed(4),
		"price_difference_pct", decision.PriceDifferencePercent.StringFixed(2),
	)
	return best, nil
}

func (e *Executor) swap(ctx context.Context, o *order.Order, venue order.Venue, expected decimal.Decimal) (*router.SwapResult, error) {
	started := time.Now()
	req := router.SwapRequest{
		Venue:         venue,
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		AmountIn:      o.AmountIn,
		ExpectedPrice: expected,
	}

	var res *router.SwapResult
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.router.ExecuteSwap(ctx, req)
		return err
	})
	e.metrics.ObserveStage(StageSwap, time.Since(started), err)
	if err != nil {
		return nil, stageErr(StageSwap, err)
	}

	upd := order.Update{TxRef: res.TxRef}
	if err := e.transition(ctx, o.ID, order.StatusSubmitted, upd, &notify.Payload{TxRef: res.TxRef}); err != nil {
		return nil, stageErr(StageSwap, err)
	}
	return res, nil
}

func (e *Executor) confirm(ctx context.Context, id string, res *router.SwapResult) error {
	price, out := res.ExecutedPrice, res.AmountOut
	upd := order.Update{TxRef: res.TxRef, ExecutedPrice: &price, AmountOut: &out}
	payload := &notify.Payload{TxRef: res.TxRef, ExecutedPrice: &price, AmountOut: &out}
	if err := e.transition(ctx, id, order.StatusConfirmed, upd, payload); err != nil {
		return stageErr(StageConfirm, err)
	}

	e.metrics.OrderFinished(string(order.StatusConfirmed))
	e.log.Infow("order_confirmed",
		"order_id", id,
		"tx_ref", res.TxRef,
		"executed_price", price.StringFixed(4),
		"amount_out", out.StringFixed(6),
	)
	return nil
}

// handleFailure records a failed attempt. It returns the stage error when the
// queue should retry, or finalizes the order on the last attempt.
func (e *Executor) handleFailure(ctx context.Context, lease *queue.Lease, err error) error {
	id := lease.Job.OrderID
	retries, rerr := e.store.IncrementRetry(ctx, id)
	if rerr != nil {
		e.log.Warnw("retry_count_update_failed", "order_id", id, "error", rerr)
	}
	e.metrics.Retry()

	if !lease.Last() {
		e.log.Warnw("order_attempt_failed",
			"order_id", id,
			"attempt", lease.Attempt+1,
			"max_attempts", lease.MaxAttempts,
			"error", err,
		)
		return err
	}

	var count *int
	if rerr == nil {
		count = &retries
	}
	return e.finalize(ctx, lease, err, count)
}

// finalize marks the order FAILED and tells the queue not to retry.
// If the FAILED write itself fails and attempts remain, the job is retried so
// a later attempt can finalize it; on the last attempt the order is left at
// its current status and only the log records it.
func (e *Executor) finalize(ctx context.Context, lease *queue.Lease, cause error, retries *int) error {
	id := lease.Job.OrderID
	msg := cause.Error()
	var se *StageError
	if errors.As(cause, &se) {
		msg = se.Err.Error()
	}

	upd := order.Update{ErrorMessage: msg, RetryCount: retries}
	if err := e.store.UpdateStatus(ctx, id, order.StatusFailed, upd); err != nil {
		if !lease.Last() {
			e.log.Warnw("order_finalize_deferred", "order_id", id, "cause", msg, "error", err)
			return stageErr(StageFinalize, err)
		}
		e.log.Errorw("order_stranded", "order_id", id, "cause", msg, "error", err)
		return queue.Permanent(cause)
	}
	e.notifier.Publish(id, order.StatusFailed, order.StatusFailed.Message(), &notify.Payload{Error: msg})

	e.metrics.OrderFinished(string(order.StatusFailed))
	e.log.Errorw("order_failed", "order_id", id, "error", msg)
	return queue.Permanent(cause)
}

// transition persists a status change and only then notifies
func (e *Executor) transition(ctx context.Context, id string, status order.Status, upd order.Update, data *notify.Payload) error {
	return e.transitionWithMessage(ctx, id, status, upd, status.Message(), data)
}

func (e *Executor) transitionWithMessage(ctx context.Context, id string, status order.Status, upd order.Update, msg string, data *notify.Payload) error {
	if err := e.store.UpdateStatus(ctx, id, status, upd); err != nil {
		return err
	}
	e.notifier.Publish(id, status, msg, data)
	return nil
}

// withTimeout bounds one external call by the stage timeout
func (e *Executor) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("stage timed out after %s: %w", e.stageTimeout, err)
	}
	return err
}

// persistedRoute recovers the venue and expected price chosen by an earlier attempt
func persistedRoute(o *order.Order) (order.Venue, decimal.Decimal, error) {
	if o.RoutingDecision == nil || o.SelectedVenue == "" {
		return "", decimal.Zero, fmt.Errorf("order %s reached %s without a routing decision", o.ID, o.Status)
	}
	for _, p := range o.RoutingDecision.Prices {
		if p.Venue == o.SelectedVenue {
			return p.Venue, p.EffectivePrice, nil
		}
	}
	for _, q := range o.Quotes {
		if q.Venue == o.SelectedVenue {
			return q.Venue, q.EffectivePrice, nil
		}
	}
	return "", decimal.Zero, fmt.Errorf("order %s has no price for venue %s", o.ID, o.SelectedVenue)
}
