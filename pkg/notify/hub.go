// Package notify fans order status changes out to at most one live
// subscriber per order. Delivery is best effort: nothing is buffered for
// orders without a subscriber and a slow subscriber loses messages.
package notify

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

// Payload carries the optional figures attached to a status message
type Payload struct {
	TxRef           string                 `json:"txRef,omitempty"`
	ExecutedPrice   *decimal.Decimal       `json:"executedPrice,omitempty"`
	AmountOut       *decimal.Decimal       `json:"amountOut,omitempty"`
	SelectedVenue   order.Venue            `json:"selectedVenue,omitempty"`
	RoutingDecision *order.RoutingDecision `json:"routingDecision,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

type Message struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Message   string       `json:"message"`
	Data      *Payload     `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Subscriber receives messages for one order. Send must not block; it
// reports false when the message was dropped.
type Subscriber interface {
	Send(msg Message) bool
}

type Hub struct {
	mu    sync.RWMutex
	subs  map[string]Subscriber
	clock util.Clock
	log   *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		subs:  make(map[string]Subscriber),
		clock: util.RealClock{},
		log:   logger,
	}
}

// SetClock replaces the timestamp source
func (h *Hub) SetClock(c util.Clock) {
	h.mu.Lock()
	h.clock = c
	h.mu.Unlock()
}

// Subscribe registers sub for orderID, replacing any earlier subscriber.
// The replaced subscriber is returned so the caller can close it.
func (h *Hub) Subscribe(orderID string, sub Subscriber) (prev Subscriber) {
	h.mu.Lock()
	prev = h.subs[orderID]
	h.subs[orderID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debugw("subscriber_registered", "order_id", orderID, "replaced", prev != nil, "total", n)
	return prev
}

// Unsubscribe removes the registration only if it still belongs to sub,
// so a closing stale connection cannot drop its replacement.
func (h *Hub) Unsubscribe(orderID string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[orderID]; ok && cur == sub {
		delete(h.subs, orderID)
		return true
	}
	return false
}

// Publish sends a message to the order's subscriber, if any.
// It never blocks and never fails the caller.
func (h *Hub) Publish(orderID string, status order.Status, message string, data *Payload) {
	h.mu.RLock()
	sub, ok := h.subs[orderID]
	clock := h.clock
	h.mu.RUnlock()
	if !ok {
		return
	}

	msg := Message{
		OrderID:   orderID,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: clock.Now(),
	}
	if !sub.Send(msg) {
		h.log.Warnw("notification_dropped", "order_id", orderID, "status", status)
	}
}

// Count is the number of orders with a live subscriber
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ChanSubscriber buffers messages in a bounded channel and drops on overflow
type ChanSubscriber struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSubscriber{ch: make(chan Message, buffer)}
}

func (s *ChanSubscriber) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// C is closed by Close
func (s *ChanSubscriber) C() <-chan Message { return s.ch }

func (s *ChanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ Subscriber = (*ChanSubscriber)(nil)
