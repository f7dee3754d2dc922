package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/queue"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// ExecuteOrderRequest is the body of POST /api/orders/execute.
// amountIn accepts a JSON number or a decimal string.
type ExecuteOrderRequest struct {
	OrderType string           `json:"orderType"`
	TokenIn   string           `json:"tokenIn"`
	TokenOut  string           `json:"tokenOut"`
	AmountIn  *decimal.Decimal `json:"amountIn"`
	Slippage  *float64         `json:"slippage,omitempty"` // accepted, not enforced
}

// ExecuteOrderResponse is returned once the order is stored and queued
type ExecuteOrderResponse struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
	Message string       `json:"message"`
}

// OrderHistoryResponse lists the audit trail of one order
type OrderHistoryResponse struct {
	OrderID string               `json:"orderId"`
	History []order.HistoryEntry `json:"history"`
}

// QueueMetricsResponse mirrors the queue's per-state job counts
type QueueMetricsResponse = queue.Counts

// HealthResponse reports dependency status; 503 when any is down
type HealthResponse struct {
	Status      string            `json:"status"` // "healthy" or "unhealthy"
	Timestamp   time.Time         `json:"timestamp"`
	Services    map[string]string `json:"services"`
	Queue       queue.Counts      `json:"queue"`
	Subscribers int               `json:"subscribers"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
