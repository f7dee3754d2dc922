package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/queue"
)

// PebbleStore is the durable home of orders, their audit trail and the
// execution queue's job records.
//
// Read-modify-write operations (status updates, retry increments) are
// serialized by writeMu so an increment is atomic with respect to other
// writers in this process.
type PebbleStore struct {
	db      *pebble.DB
	writeMu sync.Mutex
	histSeq atomic.Uint64
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewMemPebbleStore opens a Pebble database on an in-memory filesystem (tests, dry runs)
func NewMemPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("db", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Ping checks the database answers reads
func (s *PebbleStore) Ping(_ context.Context) error {
	_, closer, err := s.db.Get(pingKey())
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

// ============================================================================
// Orders
// ============================================================================

// InsertOrder persists a new order; fails with order.ErrExists if the id is taken
func (s *PebbleStore) InsertOrder(_ context.Context, o *order.Order) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.loadOrder(o.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", order.ErrExists, o.ID)
	}
	return s.saveOrder(o)
}

// LoadOrder loads an order from Pebble
// Returns nil if the order doesn't exist
func (s *PebbleStore) LoadOrder(_ context.Context, id string) (*order.Order, error) {
	return s.loadOrder(id)
}

// UpdateOrder merges a status change into the stored order
func (s *PebbleStore) UpdateOrder(_ context.Context, id string, status order.Status, upd order.Update, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	o, err := s.loadOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err := order.ValidateTransition(o.Status, status); err != nil {
		return err
	}
	o.Apply(status, upd, now)
	return s.saveOrder(o)
}

// IncrementRetry bumps the retry counter and returns the new value
func (s *PebbleStore) IncrementRetry(_ context.Context, id string, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	o, err := s.loadOrder(id)
	if err != nil {
		return 0, err
	}
	if o == nil {
		return 0, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	o.RetryCount++
	o.UpdatedAt = now
	if err := s.saveOrder(o); err != nil {
		return 0, err
	}
	return o.RetryCount, nil
}

func (s *PebbleStore) loadOrder(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleStore) saveOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// ============================================================================
// Audit trail
// ============================================================================

// AppendHistory writes one audit entry. Entries are never overwritten.
func (s *PebbleStore) AppendHistory(_ context.Context, e order.HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	key := historyKey(e.OrderID, e.Timestamp.UnixNano(), s.histSeq.Add(1))
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns an order's audit trail, oldest first
func (s *PebbleStore) ListHistory(_ context.Context, orderID string) ([]order.HistoryEntry, error) {
	prefix := historyPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history iterator: %w", err)
	}
	defer iter.Close()

	var out []order.HistoryEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e order.HistoryEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// ============================================================================
// Queue jobs (queue.Backend)
// ============================================================================

func (s *PebbleStore) SaveJob(rec queue.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.db.Set(jobKey(rec.Job.OrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteJob(id string) error {
	if err := s.db.Delete(jobKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadJobs() ([]queue.Record, error) {
	prefix := []byte(prefixJob)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job iterator: %w", err)
	}
	defer iter.Close()

	var out []queue.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec queue.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

var _ queue.Backend = (*PebbleStore)(nil)
