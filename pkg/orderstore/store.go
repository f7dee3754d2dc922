// Package orderstore is the system of record for orders: a durable repository
// fronted by a cache of active orders, plus the append-only audit trail.
package orderstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/cache"
	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

var (
	// ErrPersistence wraps failures of the durable repository
	ErrPersistence = errors.New("order persistence failed")
	ErrNotFound    = order.ErrNotFound
)

// Repository is the durable side. LoadOrder returns (nil, nil) for unknown ids.
type Repository interface {
	InsertOrder(ctx context.Context, o *order.Order) error
	LoadOrder(ctx context.Context, id string) (*order.Order, error)
	UpdateOrder(ctx context.Context, id string, status order.Status, upd order.Update, now time.Time) error
	IncrementRetry(ctx context.Context, id string, now time.Time) (int, error)
	AppendHistory(ctx context.Context, e order.HistoryEntry) error
	ListHistory(ctx context.Context, orderID string) ([]order.HistoryEntry, error)
	Ping(ctx context.Context) error
}

type Store struct {
	repo  Repository
	cache cache.OrderCache
	clock util.Clock
	log   *zap.SugaredLogger
	newID func() string
}

type Option func(*Store)

func WithClock(c util.Clock) Option { return func(s *Store) { s.clock = c } }

// WithIDFunc overrides uuid generation
func WithIDFunc(f func() string) Option { return func(s *Store) { s.newID = f } }

func New(repo Repository, c cache.OrderCache, logger *zap.SugaredLogger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if c == nil {
		c = cache.NewMemoryCache(cache.DefaultTTL)
	}
	s := &Store{
		repo:  repo,
		cache: c,
		clock: util.RealClock{},
		log:   logger,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a PENDING order. The durable write must succeed; the cache
// write and audit entry are best effort.
func (s *Store) Create(ctx context.Context, d order.Draft) (*order.Order, error) {
	now := s.clock.Now()
	o := &order.Order{
		ID:        s.newID(),
		Type:      d.Type,
		TokenIn:   d.TokenIn,
		TokenOut:  d.TokenOut,
		AmountIn:  d.AmountIn,
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := s.cache.Set(ctx, o); err != nil {
		s.log.Warnw("order_cache_write_failed", "order_id", o.ID, "error", err)
	}
	s.audit(ctx, o.ID, order.StatusPending, nil, now)

	s.log.Infow("order_created",
		"order_id", o.ID,
		"token_in", o.TokenIn,
		"token_out", o.TokenOut,
		"amount_in", o.AmountIn.String(),
	)
	return o, nil
}

// Get reads through the cache. Unknown ids return (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	cached, err := s.cache.Get(ctx, id)
	if err != nil {
		s.log.Warnw("order_cache_read_failed", "order_id", id, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	o, err := s.repo.LoadOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if o == nil {
		return nil, nil
	}
	if !o.Status.Terminal() {
		s.repopulate(ctx, o)
	}
	return o, nil
}

// repopulate caches a row read on a miss. A terminal update may commit and
// evict between that read and the Set, so the durable status is checked again
// afterwards and the entry dropped if the order has finished.
func (s *Store) repopulate(ctx context.Context, o *order.Order) {
	if err := s.cache.Set(ctx, o); err != nil {
		s.log.Warnw("order_cache_write_failed", "order_id", o.ID, "error", err)
		return
	}
	cur, err := s.repo.LoadOrder(ctx, o.ID)
	if err == nil && cur != nil && !cur.Status.Terminal() {
		return
	}
	if derr := s.cache.Delete(ctx, o.ID); derr != nil {
		s.log.Warnw("order_cache_evict_failed", "order_id", o.ID, "error", derr)
	}
}

// UpdateStatus moves an order forward and merges the supplied fields.
// Backward or out-of-terminal moves fail with order.ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status order.Status, upd order.Update) error {
	now := s.clock.Now()
	if err := s.repo.UpdateOrder(ctx, id, status, upd, now); err != nil {
		if errors.Is(err, order.ErrInvalidTransition) || errors.Is(err, order.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.refreshCache(ctx, id, status)

	var meta *order.Update
	if !upd.IsZero() {
		m := upd
		meta = &m
	}
	s.audit(ctx, id, status, meta, now)
	return nil
}

// refreshCache re-reads the durable row so the cache never serves a merge
// of stale cached fields.
func (s *Store) refreshCache(ctx context.Context, id string, status order.Status) {
	if status.Terminal() {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.log.Warnw("order_cache_evict_failed", "order_id", id, "error", err)
		}
		return
	}
	o, err := s.repo.LoadOrder(ctx, id)
	if err != nil || o == nil {
		// Drop the entry; the next Get repopulates from durable storage
		if derr := s.cache.Delete(ctx, id); derr != nil {
			s.log.Warnw("order_cache_evict_failed", "order_id", id, "error", derr)
		}
		return
	}
	if err := s.cache.Set(ctx, o); err != nil {
		s.log.Warnw("order_cache_write_failed", "order_id", id, "error", err)
	}
}

// IncrementRetry bumps the durable retry counter and returns the new value
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	n, err := s.repo.IncrementRetry(ctx, id, s.clock.Now())
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		s.log.Warnw("order_cache_evict_failed", "order_id", id, "error", err)
	}
	return n, nil
}

// History returns the audit trail oldest first
func (s *Store) History(ctx context.Context, id string) ([]order.HistoryEntry, error) {
	entries, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return entries, nil
}

// Ping checks the durable repository and the cache
func (s *Store) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// PingRepository checks only the durable side
func (s *Store) PingRepository(ctx context.Context) error { return s.repo.Ping(ctx) }

// PingCache checks only the cache
func (s *Store) PingCache(ctx context.Context) error { return s.cache.Ping(ctx) }

func (s *Store) audit(ctx context.Context, id string, status order.Status, meta *order.Update, at time.Time) {
	e := order.HistoryEntry{
		OrderID:   id,
		Status:    status,
		Message:   status.Message(),
		Metadata:  meta,
		Timestamp: at,
	}
	if err := s.repo.AppendHistory(ctx, e); err != nil {
		s.log.Warnw("order_history_write_failed", "order_id", id, "status", status, "error", err)
	}
}
