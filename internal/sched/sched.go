// Package sched defines the narrow capability interfaces through which
// the coordination engine talks to the local reactor scheduler. The
// engine owns no event queue of its own: network-originated events are
// injected through LocalScheduler.Schedule, and the engine's blocking
// time-advance wait is interruptible by local event-queue activity
// surfaced through EarliestEventTime. Keeping the surface this small
// avoids a back-pointer cycle between the scheduler and the engine.
package sched

import "github.com/wan-ninjas/lockstep/internal/wire"

// Handle identifies a scheduled event. Zero means nothing was scheduled;
// HandleError reports a scheduling failure.
type Handle int64

// HandleError is returned by Schedule when the event could not be queued.
const HandleError Handle = -1

// Trigger is an opaque reference to a local action, as produced by the
// generated trigger table. The engine never inspects it.
type Trigger any

// LocalScheduler is the event-queue capability the engine is given at
// construction. All methods except NotifyEvent may block.
//
// Schedule takes ownership of payload; the scheduler frees it through its
// own token accounting once the event has been processed.
type LocalScheduler interface {
	// Schedule queues an event for trigger at the current logical time
	// plus delay, carrying payload.
	Schedule(trigger Trigger, delay wire.Interval, payload []byte) Handle

	// LogicalTime returns the scheduler's current logical time.
	LogicalTime() wire.Instant

	// PhysicalTime returns the current physical (wall-clock) time in
	// nanoseconds, monotonic within a run.
	PhysicalTime() wire.Instant

	// WaitUntil blocks until physical time reaches t.
	WaitUntil(t wire.Instant)

	// NotifyEvent wakes any scheduler thread waiting for event-queue
	// activity. Called after Schedule while the engine holds its
	// coordination lock.
	NotifyEvent()

	// EarliestEventTime reports the timestamp of the earliest queued
	// event, or ok=false when the queue is empty. Consulted while a
	// time-advance wait decides whether a local event preempts it.
	EarliestEventTime() (t wire.Instant, ok bool)
}

// ActionTable maps destination input ports to local triggers. It is
// produced by generated user code.
type ActionTable interface {
	// ActionForPort returns the trigger for the given port, or ok=false
	// when the port is not known.
	ActionForPort(port wire.PortID) (trigger Trigger, ok bool)
}
