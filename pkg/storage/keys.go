package storage

import (
	"fmt"
	"time"
)

// Key schema for Pebble storage:
//
//   fill:<pair>:<unix-nanos>:<fillID>   → Fill (JSON)
//   ofill:<orderID>:<chunk>:<fillID>    → Fill (JSON), per-order index
//   res:<orderID>                       → ResultRecord (gob)

// Key prefixes
const (
	prefixFill      = "fill:"
	prefixOrderFill = "ofill:"
	prefixResult    = "res:"
)

// fillKey returns the key for a fill in its pair's time-ordered stream
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func fillKey(pair string, ts time.Time, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, pair, ts.UnixNano(), fillID))
}

// fillPrefix returns the prefix for all fills of a pair
func fillPrefix(pair string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, pair))
}

// orderFillKey indexes a fill under its taker order, ordered by chunk
func orderFillKey(orderID string, chunk int, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d:%s", prefixOrderFill, orderID, chunk, fillID))
}

func orderFillPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrderFill, orderID))
}

func resultKey(orderID string) []byte {
	return []byte(prefixResult + orderID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
