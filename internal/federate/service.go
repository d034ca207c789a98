package federate

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wan-ninjas/lockstep/internal/models"
	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/sched"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// Config assembles everything a federate coordination service needs.
type Config struct {
	ID           wire.FederateID
	FederationID string

	// Upstream federates send to this one and connect inbound during
	// startup; Downstream federates receive from this one and are
	// dialed during startup.
	Upstream   []wire.FederateID
	Downstream []wire.FederateID

	RTIHost string
	RTIPort uint16

	// ServerPort for the inbound P2P server; zero lets the OS pick.
	ServerPort uint16

	// FastStart skips the wait for physical time to reach the granted
	// start time.
	FastStart bool

	// Duration bounds the run past the start time; zero means unbounded.
	Duration time.Duration

	MaxMessageBytes           int64
	ConnectTimeout            time.Duration
	ConnectRetryInterval      time.Duration
	ConnectNumRetries         int
	AddressQueryRetryInterval time.Duration
	ReadTimeout               time.Duration
	WriteTimeout              time.Duration

	Scheduler sched.LocalScheduler
	Actions   sched.ActionTable
	Logger    *slog.Logger
}

// Snapshot is a point-in-time view of the service for the status
// endpoint.
type Snapshot struct {
	RunID          models.ULID     `json:"run_id"`
	FederateID     wire.FederateID `json:"federate_id"`
	FederationID   string          `json:"federation_id"`
	ServerPort     uint16          `json:"server_port"`
	StartTime      wire.Instant    `json:"start_time"`
	LastGrantedTag wire.Instant    `json:"last_granted_tag"`
	TagPending     bool            `json:"tag_pending"`
	StopRequested  bool            `json:"stop_requested"`
	StopTime       wire.Instant    `json:"stop_time"`
	InboundPeers   []string        `json:"inbound_peers"`
	OutboundPeers  []string        `json:"outbound_peers"`
}

// Service is the federate-side coordination engine. It owns the RTI
// connection, the inbound P2P server, the outbound peer connections, the
// listener goroutines and the coordination state machine. The local
// reactor scheduler drives it through NextEventTime/LogicalTimeComplete
// and receives network events through the injected LocalScheduler.
type Service struct {
	cfg    Config
	logger *slog.Logger
	runID  models.ULID

	rti    *RTIClient
	coord  *Coordinator
	server *PeerServer

	Metrics Metrics

	mu       sync.Mutex
	inbound  map[wire.FederateID]*netio.Conn
	outbound map[wire.FederateID]*netio.Conn

	startTime         wire.Instant
	physicalStartTime wire.Instant

	wg     sync.WaitGroup
	fatal  chan error
	closed atomic.Bool
}

// countingSender wraps the RTI client to keep the control-message
// counters without threading metrics through the coordinator.
type countingSender struct {
	rti     *RTIClient
	metrics *Metrics
}

func (s *countingSender) SendTime(kind wire.Kind, t wire.Instant) error {
	err := s.rti.SendTime(kind, t)
	if err == nil {
		switch kind {
		case wire.KindNextEventTime:
			s.metrics.NetsSent.Add(1)
		case wire.KindLogicalTimeComplete:
			s.metrics.LTCsSent.Add(1)
		}
	}
	return err
}

// New creates an unconnected service. Synchronize establishes the
// federation.
func New(cfg Config) (*Service, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: nil scheduler", ErrInvalidArgument)
	}
	if cfg.Actions == nil {
		return nil, fmt.Errorf("%w: nil action table", ErrInvalidArgument)
	}
	if len(cfg.FederationID) > wire.MaxFederationIDLen {
		return nil, fmt.Errorf("%w: federation ID longer than %d bytes", ErrInvalidArgument, wire.MaxFederationIDLen)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := models.NewULID()
	logger = logger.With(
		slog.Int("federate", int(cfg.ID)),
		slog.String("run_id", runID.String()),
	)

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		inbound:  make(map[wire.FederateID]*netio.Conn, len(cfg.Upstream)),
		outbound: make(map[wire.FederateID]*netio.Conn, len(cfg.Downstream)),
		fatal:    make(chan error, 4),
	}

	s.rti = NewRTIClient(RTIClientConfig{
		Host:                      cfg.RTIHost,
		Port:                      cfg.RTIPort,
		FederateID:                cfg.ID,
		FederationID:              cfg.FederationID,
		ConnectNumRetries:         cfg.ConnectNumRetries,
		ConnectRetryInterval:      cfg.ConnectRetryInterval,
		AddressQueryRetryInterval: cfg.AddressQueryRetryInterval,
		ReadTimeout:               cfg.ReadTimeout,
		WriteTimeout:              cfg.WriteTimeout,
		Logger:                    logger,
	})

	s.coord = NewCoordinator(
		cfg.Scheduler,
		&countingSender{rti: s.rti, metrics: &s.Metrics},
		len(cfg.Upstream) > 0,
		len(cfg.Downstream) > 0,
		logger,
	)
	return s, nil
}

// Coordinator exposes the coordination state machine; the scheduler glue
// uses it to signal local event-queue changes.
func (s *Service) Coordinator() *Coordinator {
	return s.coord
}

// RunID returns the ULID identifying this run in logs and status output.
func (s *Service) RunID() models.ULID {
	return s.runID
}

// Synchronize joins the federation and aligns the start of execution:
// RTI handshake, inbound server setup and advertisement, outbound peer
// connections, start-time exchange, listener startup, and the wait for
// physical time to reach the chosen start. It returns the federation
// start time.
func (s *Service) Synchronize() (wire.Instant, error) {
	if err := s.rti.Connect(); err != nil {
		return wire.Never, fmt.Errorf("joining federation: %w", err)
	}

	server, err := NewPeerServer(PeerServerConfig{
		Port:         s.cfg.ServerPort,
		FederationID: s.cfg.FederationID,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		Logger:       s.logger,
	})
	if err != nil {
		s.rti.Close()
		return wire.Never, err
	}
	s.server = server
	if err := s.rti.AdvertiseServerPort(server.Port()); err != nil {
		s.Close()
		return wire.Never, err
	}

	// Accept inbound peers in the background; each verified connection
	// gets its own listener. The federation start is gated by the RTI,
	// which only answers the TIMESTAMP exchange once every federate has
	// joined, so there is no need to block on the accept loop here.
	dispatcher := NewDispatcher(s.coord, s.cfg.Actions, s.cfg.ID, s.cfg.MaxMessageBytes, &s.Metrics, s.logger)
	expected := len(s.cfg.Upstream)
	if expected > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := server.AcceptPeers(expected, func(id wire.FederateID, conn *netio.Conn) {
				s.mu.Lock()
				s.inbound[id] = conn
				s.mu.Unlock()
				s.listen(dispatcher, conn, RolePeer, "federate "+strconv.Itoa(int(id)))
			})
			if err != nil && !s.closed.Load() {
				s.reportFatal(fmt.Errorf("accepting inbound peers: %w", err))
			}
		}()
	}

	connector := NewConnector(ConnectorConfig{
		FederateID:           s.cfg.ID,
		FederationID:         s.cfg.FederationID,
		ConnectNumRetries:    s.cfg.ConnectNumRetries,
		ConnectRetryInterval: s.cfg.ConnectRetryInterval,
		ConnectTimeout:       s.cfg.ConnectTimeout,
		ReadTimeout:          s.cfg.ReadTimeout,
		WriteTimeout:         s.cfg.WriteTimeout,
		Logger:               s.logger,
	}, s.rti)
	for _, id := range s.cfg.Downstream {
		conn, err := connector.ConnectToPeer(id)
		if err != nil {
			s.Close()
			return wire.Never, err
		}
		s.mu.Lock()
		s.outbound[id] = conn
		s.mu.Unlock()
	}

	start, err := s.rti.ExchangeStartTime(s.cfg.Scheduler.PhysicalTime())
	if err != nil {
		s.Close()
		return wire.Never, err
	}
	s.startTime = start

	// From here on the RTI socket is read by its listener goroutine.
	s.listen(dispatcher, s.rti.Conn(), RoleRTI, "RTI")

	if !s.cfg.FastStart {
		s.cfg.Scheduler.WaitUntil(start)
	}
	s.physicalStartTime = s.cfg.Scheduler.PhysicalTime()
	s.logger.Info("federation synchronized",
		slog.Int64("start_time", int64(start)),
		slog.Int64("physical_start_time", int64(s.physicalStartTime)),
	)

	if s.cfg.Duration > 0 {
		stopAt := start + wire.Instant(s.cfg.Duration)
		// Not tracked by the WaitGroup: WaitUntil blocks on physical
		// time and must not delay Close.
		go func() {
			s.cfg.Scheduler.WaitUntil(stopAt)
			if !s.closed.Load() && !s.coord.StopRequested() {
				if err := s.coord.RequestStop(); err != nil {
					s.logger.Warn("requesting stop at duration bound", slog.String("error", err.Error()))
				}
			}
		}()
	}

	return start, nil
}

// listen spawns a dispatcher goroutine for conn. Listener errors on the
// RTI socket are fatal while the federation is running. A peer listener
// error closes that peer only; when it is a protocol violation it is also
// reported on Fatal.
func (s *Service) listen(d *Dispatcher, conn *netio.Conn, role ListenerRole, source string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := d.Run(conn, role, source)
		if err == nil || s.closed.Load() || s.coord.StopRequested() {
			return
		}
		if role == RoleRTI {
			s.logger.Error("lost RTI connection", slog.String("error", err.Error()))
			s.coord.HandleStop(wire.Never)
			s.reportFatal(fmt.Errorf("RTI listener: %w", err))
			return
		}
		if errors.Is(err, ErrProtocol) {
			s.reportFatal(fmt.Errorf("listener for %s: %w", source, err))
		}
		s.logger.Warn("peer listener terminated",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}()
}

// reportFatal surfaces an unrecoverable error without blocking.
func (s *Service) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal delivers unrecoverable errors (protocol violations, RTI loss).
// The caller decides process policy; library code never exits.
func (s *Service) Fatal() <-chan error {
	return s.fatal
}

// SendMessage sends an untimed message to an input port of a downstream
// federate over the direct connection.
func (s *Service) SendMessage(peer wire.FederateID, port wire.PortID, payload []byte) error {
	return s.send(peer, wire.EncodeMessageHeader(wire.KindP2PMessage, port, peer, uint32(len(payload))), payload, &s.Metrics.MessagesSent)
}

// SendTimedMessage sends a message carrying a logical timestamp to an
// input port of a downstream federate. With upstream dependencies the
// timestamp must not exceed the last granted tag.
func (s *Service) SendTimedMessage(peer wire.FederateID, port wire.PortID, ts wire.Instant, payload []byte) error {
	if err := s.coord.CheckOutboundTimestamp(ts); err != nil {
		return err
	}
	return s.send(peer, wire.EncodeTimedMessageHeader(wire.KindP2PTimedMessage, port, peer, uint32(len(payload)), ts), payload, &s.Metrics.TimedMessagesSent)
}

// send writes header and payload back to back under the connection's
// write lock.
func (s *Service) send(peer wire.FederateID, header, payload []byte, counter *atomic.Int64) error {
	if int64(len(payload)) > s.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit %d", ErrInvalidArgument, len(payload), s.cfg.MaxMessageBytes)
	}

	s.mu.Lock()
	conn, ok := s.outbound[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sending to federate %d: %w", peer, ErrUnknownPeer)
	}
	if conn.Closed() {
		return ErrSocketClosed
	}

	unlock := conn.LockWrites()
	defer unlock()
	if err := conn.WriteAllLocked(header); err != nil {
		return s.sendError(peer, conn, err)
	}
	if len(payload) > 0 {
		if err := conn.WriteAllLocked(payload); err != nil {
			return s.sendError(peer, conn, err)
		}
	}
	counter.Add(1)
	return nil
}

func (s *Service) sendError(peer wire.FederateID, conn *netio.Conn, err error) error {
	if errors.Is(err, netio.ErrClosed) {
		return ErrSocketClosed
	}
	conn.CloseOnError(s.logger, err)
	return fmt.Errorf("sending to federate %d: %w", peer, err)
}

// NextEventTime requests permission to advance logical time to t; see
// Coordinator.NextEventTime.
func (s *Service) NextEventTime(t wire.Instant) (wire.Instant, error) {
	return s.coord.NextEventTime(t)
}

// LogicalTimeComplete reports local completion of logical time t; see
// Coordinator.LogicalTimeComplete.
func (s *Service) LogicalTimeComplete(t wire.Instant) error {
	return s.coord.LogicalTimeComplete(t)
}

// RequestStop initiates a whole-federation stop.
func (s *Service) RequestStop() error {
	return s.coord.RequestStop()
}

// StopRequested reports whether the run is stopping.
func (s *Service) StopRequested() bool {
	return s.coord.StopRequested()
}

// StartTime returns the federation start time, valid after Synchronize.
func (s *Service) StartTime() wire.Instant {
	return s.startTime
}

// Status returns a point-in-time snapshot for the status endpoint.
func (s *Service) Status() Snapshot {
	s.mu.Lock()
	inbound := make([]string, 0, len(s.inbound))
	for id, conn := range s.inbound {
		if !conn.Closed() {
			inbound = append(inbound, strconv.Itoa(int(id)))
		}
	}
	outbound := make([]string, 0, len(s.outbound))
	for id, conn := range s.outbound {
		if !conn.Closed() {
			outbound = append(outbound, strconv.Itoa(int(id)))
		}
	}
	s.mu.Unlock()

	var serverPort uint16
	if s.server != nil {
		serverPort = s.server.Port()
	}
	return Snapshot{
		RunID:          s.runID,
		FederateID:     s.cfg.ID,
		FederationID:   s.cfg.FederationID,
		ServerPort:     serverPort,
		StartTime:      s.startTime,
		LastGrantedTag: s.coord.LastGrantedTag(),
		TagPending:     s.coord.TagPending(),
		StopRequested:  s.coord.StopRequested(),
		StopTime:       s.coord.StopTime(),
		InboundPeers:   inbound,
		OutboundPeers:  outbound,
	}
}

// MetricsCounters exposes the counters for the status endpoint.
func (s *Service) MetricsCounters() *Metrics {
	return &s.Metrics
}

// Close tears the service down: the listener socket and every connection
// are closed, which unblocks all listener goroutines, and the goroutines
// are joined. Idempotent.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down")

	if s.server != nil {
		s.server.Close()
	}
	s.rti.Close()

	s.mu.Lock()
	for _, conn := range s.inbound {
		conn.Close()
	}
	for _, conn := range s.outbound {
		conn.Close()
	}
	s.mu.Unlock()

	// Wake anything blocked on the coordination condition.
	s.coord.HandleStop(s.coord.StopTime())

	s.wg.Wait()
	return nil
}
