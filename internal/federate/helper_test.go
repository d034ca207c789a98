package federate

import (
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/sched"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// testLogger returns a quiet logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// scheduledEvent records a Schedule call on the fake scheduler.
type scheduledEvent struct {
	trigger sched.Trigger
	delay   wire.Interval
	payload []byte
}

// fakeScheduler is a controllable LocalScheduler for engine tests.
type fakeScheduler struct {
	mu       sync.Mutex
	logical  wire.Instant
	physical wire.Instant
	events   []scheduledEvent
	notified int
	head     *wire.Instant
}

func (f *fakeScheduler) Schedule(trigger sched.Trigger, delay wire.Interval, payload []byte) sched.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, scheduledEvent{trigger: trigger, delay: delay, payload: payload})
	return sched.Handle(len(f.events))
}

func (f *fakeScheduler) LogicalTime() wire.Instant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logical
}

func (f *fakeScheduler) PhysicalTime() wire.Instant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.physical
}

func (f *fakeScheduler) WaitUntil(_ wire.Instant) {}

func (f *fakeScheduler) NotifyEvent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
}

func (f *fakeScheduler) EarliestEventTime() (wire.Instant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == nil {
		return 0, false
	}
	return *f.head, true
}

func (f *fakeScheduler) setHead(t wire.Instant) {
	f.mu.Lock()
	f.head = &t
	f.mu.Unlock()
}

func (f *fakeScheduler) scheduled() []scheduledEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduledEvent, len(f.events))
	copy(out, f.events)
	return out
}

// fakeActions maps every port to a string trigger naming the port.
type fakeActions struct {
	known map[wire.PortID]string
}

func (f *fakeActions) ActionForPort(port wire.PortID) (sched.Trigger, bool) {
	if f.known == nil {
		return "port", true
	}
	t, ok := f.known[port]
	return t, ok
}

// sentTime records a SendTime call on the fake RTI sender.
type sentTime struct {
	kind wire.Kind
	t    wire.Instant
}

// fakeSender collects control messages the coordinator emits.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentTime
	ch   chan sentTime
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sentTime, 16)}
}

func (f *fakeSender) SendTime(kind wire.Kind, t wire.Instant) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentTime{kind, t})
	f.mu.Unlock()
	f.ch <- sentTime{kind, t}
	return nil
}

func (f *fakeSender) all() []sentTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentTime, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) waitFor(t *testing.T, kind wire.Kind) sentTime {
	t.Helper()
	select {
	case st := <-f.ch:
		if st.kind != kind {
			t.Fatalf("sent %s, want %s", st.kind, kind)
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return sentTime{}
	}
}

// connPair returns a connected loopback netio.Conn pair.
func connPair(t *testing.T) (*netio.Conn, *netio.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	client, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("accept error: %v", a.err)
	}

	left := netio.NewConn(client.(*net.TCPConn))
	right := netio.NewConn(a.conn.(*net.TCPConn))
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

// waitCondition polls fn until it returns true or the deadline passes.
func waitCondition(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
