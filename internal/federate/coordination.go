package federate

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wan-ninjas/lockstep/internal/sched"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// timeSender is the slice of the RTI client the coordinator needs: the
// ability to put a time-bearing control message on the RTI socket.
type timeSender interface {
	SendTime(kind wire.Kind, t wire.Instant) error
}

// Coordinator holds the logical-time coordination state shared between
// the scheduler thread and the listener goroutines. Every field below mu
// is guarded by it; cond is tied to mu and is broadcast whenever the
// coordination state or the local event queue changes, so a blocked
// NextEventTime re-evaluates.
//
// Lock order: mu before any connection write lock, never the reverse.
type Coordinator struct {
	sched  sched.LocalScheduler
	rti    timeSender
	logger *slog.Logger

	hasUpstream   bool
	hasDownstream bool

	mu   sync.Mutex
	cond *sync.Cond

	lastGrantedTag wire.Instant
	tagPending     bool
	stopRequested  bool
	stopTime       wire.Instant
	lastCompleted  wire.Instant
}

// NewCoordinator creates the coordination state machine. hasUpstream and
// hasDownstream come from the static dependency graph and never change
// during a run.
func NewCoordinator(s sched.LocalScheduler, rti timeSender, hasUpstream, hasDownstream bool, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		sched:          s,
		rti:            rti,
		logger:         logger,
		hasUpstream:    hasUpstream,
		hasDownstream:  hasDownstream,
		lastGrantedTag: wire.Never,
		stopTime:       wire.Never,
		lastCompleted:  wire.Never,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NextEventTime is called by the scheduler when it wants to advance
// logical time to t. It returns the time to which the advance is safe:
// t itself when no coordination is needed, the granted time when the RTI
// grants less, or the timestamp of a local event that appeared on the
// queue while waiting (in which case the pending flag stays set and a
// later call collects the in-flight grant).
func (c *Coordinator) NextEventTime(t wire.Instant) (wire.Instant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasUpstream && !c.hasDownstream {
		// Not connected to anything the RTI coordinates.
		return t, nil
	}
	if c.lastGrantedTag >= t {
		// Already safe.
		return t, nil
	}

	// A NET may still be outstanding from a wait that a local event
	// preempted; never put a second one on the wire before its grant
	// arrives.
	if !c.tagPending {
		if err := c.rti.SendTime(wire.KindNextEventTime, t); err != nil {
			return wire.Never, fmt.Errorf("sending NEXT_EVENT_TIME: %w", err)
		}
		c.logger.Debug("sent next event time", slog.Int64("time", int64(t)))

		if !c.hasUpstream {
			// Nothing upstream can affect us; no grant to wait for.
			return t, nil
		}
		c.tagPending = true
	}
	for c.tagPending {
		c.cond.Wait()

		if !c.tagPending {
			break
		}
		// Woken by event-queue activity rather than a grant. An event
		// earlier than the request preempts the wait; the pending flag
		// stays set so the in-flight grant is still collected.
		if head, ok := c.sched.EarliestEventTime(); ok && head < t {
			c.logger.Debug("time advance wait preempted by local event",
				slog.Int64("event_time", int64(head)),
				slog.Int64("requested", int64(t)),
			)
			return head, nil
		}
		if c.stopRequested {
			return t, nil
		}
	}

	if c.lastGrantedTag < t {
		return c.lastGrantedTag, nil
	}
	return t, nil
}

// LogicalTimeComplete notifies the RTI that all events at or before t
// have completed locally. It is a no-op for federates with no downstream
// dependents. Calls must be monotone; a regression is logged and dropped.
func (c *Coordinator) LogicalTimeComplete(t wire.Instant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasDownstream {
		return nil
	}
	if t < c.lastCompleted {
		c.logger.Warn("logical time complete out of order",
			slog.Int64("time", int64(t)),
			slog.Int64("last", int64(c.lastCompleted)),
		)
		return fmt.Errorf("%w: logical time complete %d after %d", ErrInvalidArgument, t, c.lastCompleted)
	}
	c.lastCompleted = t
	if err := c.rti.SendTime(wire.KindLogicalTimeComplete, t); err != nil {
		return fmt.Errorf("sending LOGICAL_TIME_COMPLETE: %w", err)
	}
	return nil
}

// RequestStop asks the RTI to stop the whole federation at the current
// logical time and marks the local stop flag so the scheduler notices.
func (c *Coordinator) RequestStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopRequested {
		return nil
	}
	now := c.sched.LogicalTime()
	c.stopRequested = true
	c.stopTime = now
	c.cond.Broadcast()
	c.sched.NotifyEvent()

	if err := c.rti.SendTime(wire.KindStop, now); err != nil {
		return fmt.Errorf("sending STOP: %w", err)
	}
	c.logger.Info("requested federation stop", slog.Int64("time", int64(now)))
	return nil
}

// HandleTimeAdvanceGrant applies a TAG received from the RTI. A grant
// below the previous one is a protocol violation.
func (c *Coordinator) HandleTimeAdvanceGrant(g wire.Instant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g < c.lastGrantedTag {
		return fmt.Errorf("%w: time advance grant %d below %d", ErrProtocol, g, c.lastGrantedTag)
	}
	if !c.tagPending {
		// Grants pair with outstanding NETs; a stray one is suspicious
		// but monotone, so it is applied with a warning.
		c.logger.Warn("time advance grant with no pending request", slog.Int64("grant", int64(g)))
	}
	c.lastGrantedTag = g
	c.tagPending = false
	c.cond.Broadcast()
	return nil
}

// HandleStop applies a STOP relayed by the RTI. The advertised stop time
// is recorded for observability; execution stops as soon as the
// scheduler observes the flag.
func (c *Coordinator) HandleStop(t wire.Instant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopRequested = true
	c.stopTime = t
	c.cond.Broadcast()
	c.sched.NotifyEvent()
	c.logger.Info("stop requested by federation", slog.Int64("stop_time", int64(t)))
}

// ScheduleInbound injects an untimed network message into the local
// event queue. The coordination lock is held across the schedule call and
// the event notification so the scheduler cannot advance time in between.
func (c *Coordinator) ScheduleInbound(trigger sched.Trigger, payload []byte) sched.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.sched.Schedule(trigger, 0, payload)
	c.sched.NotifyEvent()
	c.cond.Broadcast()
	return h
}

// ScheduleInboundAt injects a timed network message: the delay is the
// difference between the carried timestamp and the current logical time,
// computed under the coordination lock so logical time cannot advance
// between the read and the schedule call.
func (c *Coordinator) ScheduleInboundAt(trigger sched.Trigger, ts wire.Instant, payload []byte) sched.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := wire.Interval(ts - c.sched.LogicalTime())
	h := c.sched.Schedule(trigger, delay, payload)
	c.sched.NotifyEvent()
	c.cond.Broadcast()
	return h
}

// NotifyEventQueueChanged is called by the scheduler glue whenever a
// local event (typically a physical action) lands on the event queue, so
// a blocked NextEventTime re-evaluates.
func (c *Coordinator) NotifyEventQueueChanged() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// CheckOutboundTimestamp enforces the outbound time bound: a federate
// with upstream dependencies never emits an event beyond its last
// granted tag.
func (c *Coordinator) CheckOutboundTimestamp(ts wire.Instant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasUpstream && ts > c.lastGrantedTag {
		return fmt.Errorf("%w: timestamp %d beyond granted tag %d", ErrInvalidArgument, ts, c.lastGrantedTag)
	}
	return nil
}

// StopRequested reports whether a stop has been requested locally or by
// the federation.
func (c *Coordinator) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// StopTime returns the advertised stop instant, or wire.Never when no
// stop has been requested.
func (c *Coordinator) StopTime() wire.Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopTime
}

// LastGrantedTag returns the most recent time advance grant, or
// wire.Never before the first.
func (c *Coordinator) LastGrantedTag() wire.Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGrantedTag
}

// TagPending reports whether a NEXT_EVENT_TIME is outstanding.
func (c *Coordinator) TagPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tagPending
}
