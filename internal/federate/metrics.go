package federate

import "sync/atomic"

// Metrics tracks lightweight counters exposed through the status
// endpoint's Prometheus text exposition.
type Metrics struct {
	MessagesSent          atomic.Int64
	TimedMessagesSent     atomic.Int64
	MessagesReceived      atomic.Int64
	TimedMessagesReceived atomic.Int64
	TagsReceived          atomic.Int64
	NetsSent              atomic.Int64
	LTCsSent              atomic.Int64
	StopsReceived         atomic.Int64
}
