package order

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an order
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a status change would move an order backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// rank orders the happy path. FAILED sits outside it.
var rank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Reached reports whether s is at or beyond target on the happy path.
// A failed order has reached nothing.
func (s Status) Reached(target Status) bool {
	if s == StatusFailed || target == StatusFailed {
		return s == target
	}
	return rank[s] >= rank[target]
}

// Message is the audit/notification text for a status
func (s Status) Message() string {
	switch s {
	case StatusPending:
		return "Order received and queued"
	case StatusRouting:
		return "Comparing DEX prices"
	case StatusBuilding:
		return "Creating transaction"
	case StatusSubmitted:
		return "Transaction sent to network"
	case StatusConfirmed:
		return "Transaction successful"
	case StatusFailed:
		return "Order execution failed"
	default:
		return "Unknown status"
	}
}

// CanTransition reports whether an order in status from may be written with status to.
// Rewriting the same non-terminal status is allowed (e.g. ROUTING twice while quotes land).
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return rank[to] >= rank[from]
}

// ValidateTransition is CanTransition with an error describing the rejected move
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AllowedFrom lists every status from which an order may move to `to`.
// Used by stores that guard transitions in a single conditional write.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}
