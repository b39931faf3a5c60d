package inverter

import (
	"time"

	"voltronic-bridge/protocol"
)

// Poll cadence and patience knobs. Package variables so tests can
// shrink them.
var (
	// scheduleInterval is how often the scheduler enqueues a batch.
	scheduleInterval = 5 * time.Second
	// queryTimeout is how long a transmitted query waits for its reply
	// before timeout GC drops it.
	queryTimeout = 10 * time.Second
	// settleDelay is how long to leave the inverter alone after the
	// invalid-response ceiling trips, before closing the connection.
	settleDelay = 10 * time.Second
	// invalidResponseCeiling terminates a connection that keeps
	// producing unparseable traffic.
	invalidResponseCeiling = 10
	// readInterval bounds each socket read so the loop can observe the
	// shutdown flag and run its timers.
	readInterval = 100 * time.Millisecond
)

// query is one outstanding request. The counter's low 16 bits key the
// connection's outstanding table; transmitted stays zero while the
// query sits in the send queue.
type query struct {
	counter     uint16
	kind        protocol.Kind
	payload     []byte
	created     time.Time
	transmitted time.Time
}

// expired reports whether the query was sent and has waited past
// queryTimeout. A query still in the send queue never expires.
func (q *query) expired(now time.Time) bool {
	return !q.transmitted.IsZero() && now.Sub(q.transmitted) > queryTimeout
}
