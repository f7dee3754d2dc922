package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the kind of order requested
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
	TypeSniper Type = "SNIPER"
)

// Venue identifies a liquidity source (DEX)
type Venue string

const (
	VenueRaydium Venue = "RAYDIUM"
	VenueMeteora Venue = "METEORA"
)

var (
	// ErrValidation marks caller input rejected before it enters the pipeline
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned by stores when an update targets an unknown order
	ErrNotFound = errors.New("order not found")
	// ErrExists is returned when inserting an order whose id is taken
	ErrExists = errors.New("order already exists")
)

// Order is a single requested swap tracked through its execution lifecycle
type Order struct {
	ID       string          `json:"id"`
	Type     Type            `json:"orderType"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	AmountIn decimal.Decimal `json:"amountIn"`
	Status   Status          `json:"status"`

	// Routing outcome, set once quotes are compared
	SelectedVenue   Venue            `json:"selectedVenue,omitempty"`
	Quotes          []Quote          `json:"quotes,omitempty"`
	RoutingDecision *RoutingDecision `json:"routingDecision,omitempty"`

	// Settlement
	ExecutedPrice *decimal.Decimal `json:"executedPrice,omitempty"`
	AmountOut     *decimal.Decimal `json:"amountOut,omitempty"`
	TxRef         string           `json:"txRef,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Draft is the validated input needed to create an order
type Draft struct {
	Type     Type            `json:"orderType"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	AmountIn decimal.Decimal `json:"amountIn"`
}

// Validate checks a draft the way the submission endpoint does.
// Only MARKET orders are executable today.
func (d Draft) Validate() error {
	if d.Type == "" || strings.TrimSpace(d.TokenIn) == "" || strings.TrimSpace(d.TokenOut) == "" {
		return fmt.Errorf("%w: missing required fields: orderType, tokenIn, tokenOut, amountIn", ErrValidation)
	}
	if !d.AmountIn.IsPositive() {
		return fmt.Errorf("%w: amountIn must be greater than 0", ErrValidation)
	}
	switch d.Type {
	case TypeMarket:
	case TypeLimit, TypeSniper:
		return fmt.Errorf("%w: only MARKET orders are currently supported", ErrValidation)
	default:
		return fmt.Errorf("%w: invalid order type %q, supported: MARKET, LIMIT, SNIPER", ErrValidation, d.Type)
	}
	if strings.EqualFold(d.TokenIn, d.TokenOut) {
		return fmt.Errorf("%w: tokenIn and tokenOut must differ", ErrValidation)
	}
	return nil
}

// Update carries the optional fields merged by a status change.
// Zero values mean "leave unchanged".
type Update struct {
	SelectedVenue   Venue            `json:"selectedVenue,omitempty"`
	Quotes          []Quote          `json:"quotes,omitempty"`
	RoutingDecision *RoutingDecision `json:"routingDecision,omitempty"`
	ExecutedPrice   *decimal.Decimal `json:"executedPrice,omitempty"`
	AmountOut       *decimal.Decimal `json:"amountOut,omitempty"`
	TxRef           string           `json:"txRef,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	RetryCount      *int             `json:"retryCount,omitempty"`
}

// IsZero reports whether the update carries no fields
func (u Update) IsZero() bool {
	return u.SelectedVenue == "" && u.Quotes == nil && u.RoutingDecision == nil &&
		u.ExecutedPrice == nil && u.AmountOut == nil && u.TxRef == "" &&
		u.ErrorMessage == "" && u.RetryCount == nil
}

// Apply merges a status change into o. It does not validate the transition.
func (o *Order) Apply(status Status, u Update, now time.Time) {
	o.Status = status
	o.UpdatedAt = now

	if u.SelectedVenue != "" {
		o.SelectedVenue = u.SelectedVenue
	}
	if u.Quotes != nil {
		o.Quotes = append([]Quote(nil), u.Quotes...)
	}
	if u.RoutingDecision != nil {
		rd := *u.RoutingDecision
		o.RoutingDecision = &rd
	}
	if u.ExecutedPrice != nil {
		p := *u.ExecutedPrice
		o.ExecutedPrice = &p
	}
	if u.AmountOut != nil {
		a := *u.AmountOut
		o.AmountOut = &a
	}
	if u.TxRef != "" {
		o.TxRef = u.TxRef
	}
	if u.ErrorMessage != "" {
		o.ErrorMessage = u.ErrorMessage
	}
	if u.RetryCount != nil && *u.RetryCount > o.RetryCount {
		o.RetryCount = *u.RetryCount
	}

	if status.Terminal() {
		t := now
		o.CompletedAt = &t
	}
}

// Clone returns a deep copy
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Quotes = append([]Quote(nil), o.Quotes...)
	if o.RoutingDecision != nil {
		rd := *o.RoutingDecision
		rd.Prices = append([]VenuePrice(nil), o.RoutingDecision.Prices...)
		cp.RoutingDecision = &rd
	}
	if o.ExecutedPrice != nil {
		p := *o.ExecutedPrice
		cp.ExecutedPrice = &p
	}
	if o.AmountOut != nil {
		a := *o.AmountOut
		cp.AmountOut = &a
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// HistoryEntry is one row of the append-only audit trail
type HistoryEntry struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Metadata  *Update   `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
