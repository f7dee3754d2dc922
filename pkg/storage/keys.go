package storage

import (
	"fmt"
)

// Key schema for Pebble storage
//
//   ord:<orderID>                       → Order (JSON)
//   hist:<orderID>:<unixnano>:<seq>     → HistoryEntry (JSON), append-only
//   job:<orderID>                       → queue.Record (JSON)
//   meta:ping                           → health probe (never written)

// Key prefixes
const (
	prefixOrder   = "ord:"
	prefixHistory = "hist:"
	prefixJob     = "job:"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// historyKey returns the key for an audit entry
// Timestamp and sequence are zero-padded (20 digits) for lexicographic sorting
func historyKey(orderID string, unixNano int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixHistory, orderID, unixNano, seq))
}

// historyPrefix returns the prefix for all audit entries of an order
// Format: "hist:{orderID}:"
func historyPrefix(orderID string) []byte {
	return []byte(prefixHistory + orderID + ":")
}

// jobKey returns the key for a queue job record
func jobKey(orderID string) []byte {
	return []byte(prefixJob + orderID)
}

func pingKey() []byte { return []byte("meta:ping") }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
