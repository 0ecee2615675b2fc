package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"btcrouter/metrics"
	"btcrouter/wire"
)

// State is the session lifecycle. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

const (
	defaultDialTimeout       = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultReadTimeout       = 90 * time.Second
	defaultWriteTimeout      = 20 * time.Second
	defaultOutboundQueue     = 64
	defaultInboundRate       = 500
	defaultInboundBurst      = 1000
)

// SessionConfig carries per-session tunables. The zero value is usable;
// every field has a production default.
type SessionConfig struct {
	Magic             [4]byte
	UserAgent         string
	StartHeight       int32
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	OutboundQueue     int
	MaxPayloadBytes   int
	InboundRate       rate.Limit
	InboundBurst      int

	// Dialer overrides the TCP dialer, mainly for tests.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.Magic == ([4]byte{}) {
		cfg.Magic = wire.MainnetMagic
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = defaultInboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = defaultInboundBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Events are the session's upward callbacks. All of them are optional and
// are invoked from the session's read goroutine, so they must not block.
type Events struct {
	// Handshake fires once when the peer's version message arrives.
	Handshake func(addr string, v *wire.Version)
	// Addrs delivers gossiped addresses from addr and addrv2 payloads.
	Addrs func(addr string, entries []wire.NetAddrEntry)
	// SampleInv picks which announced transactions to request. The
	// returned subset is sent back as a getdata.
	SampleInv func(addr string, items []wire.InvItem) []wire.InvItem
	// Tx fires for each transaction payload, carrying only its shape.
	Tx func(addr string, tx *wire.Tx)
	// FeeFilter fires when the peer announces its relay fee floor.
	FeeFilter func(addr string, feeRate int64)
}

// Summary is the session's final report to the supervisor.
type Summary struct {
	SessionID   string
	Addr        string
	Duration    time.Duration
	Reason      Reason
	HandshakeOK bool

	UserAgent string
	Version   int32
	Services  uint64
	Height    int32

	MsgCounts    map[string]int
	InvCount     int
	TxCount      int
	AddrCount    int
	UnknownCount int
}

// Session drives one outbound connection through its lifecycle: dial,
// handshake, steady-state message exchange, teardown. One read goroutine
// and one write goroutine per session; they never share the connection
// direction.
type Session struct {
	ID   string
	Addr string

	cfg    SessionConfig
	events Events
	log    *slog.Logger
	met    *metrics.Metrics

	conn     net.Conn
	outbound chan wire.Message
	done     chan struct{}
	closing  sync.Once
	writerWG sync.WaitGroup

	state    atomic.Int32
	shutdown atomic.Bool

	summary Summary
}

// NewSession prepares a session for addr. Run performs the actual dial.
func NewSession(addr string, cfg SessionConfig, events Events) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		ID:     id,
		Addr:   addr,
		cfg:    cfg,
		events: events,
		log:    cfg.Logger.With("session", id, "peer", addr),
		met:    cfg.Metrics,
		done:   make(chan struct{}),
		summary: Summary{
			SessionID: id,
			Addr:      addr,
			MsgCounts: make(map[string]int),
		},
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Enqueue hands a message to the writer goroutine. It never blocks: a full
// queue means the peer cannot keep up and the message is rejected.
func (s *Session) Enqueue(msg wire.Message) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	select {
	case s.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run executes the full session lifecycle and returns its summary. It
// always returns a complete summary, including for failed dials.
func (s *Session) Run(ctx context.Context) Summary {
	start := time.Now()
	defer func() {
		s.setState(StateClosed)
		s.summary.Duration = time.Since(start)
	}()

	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.summary.Reason = s.reasonFor(err, false)
		s.log.Debug("dial failed", "error", err)
		return s.summary
	}
	s.conn = conn
	s.outbound = make(chan wire.Message, s.cfg.OutboundQueue)
	if s.met != nil {
		s.met.Connections.Inc()
	}

	// Shutdown cancels the blocking read by closing the connection.
	stopWatch := context.AfterFunc(ctx, func() {
		s.shutdown.Store(true)
		s.close()
	})
	defer stopWatch()

	s.writerWG.Add(1)
	go s.writeLoop()

	reason := s.run(ctx)
	s.setState(StateClosing)
	s.close()
	s.writerWG.Wait()

	if s.shutdown.Load() {
		reason = ReasonShutdown
	}
	s.summary.Reason = reason
	s.log.Debug("session finished",
		"reason", reason.String(),
		"handshake_ok", s.summary.HandshakeOK,
		"tx", s.summary.TxCount,
		"inv", s.summary.InvCount)
	return s.summary
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if s.cfg.Dialer != nil {
		return s.cfg.Dialer(ctx, s.Addr)
	}
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", s.Addr)
}

func (s *Session) close() {
	s.closing.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// run performs the handshake and then the steady-state read loop,
// returning the termination reason.
func (s *Session) run(ctx context.Context) Reason {
	s.setState(StateHandshaking)
	fr := wire.NewFrameReader(s.conn, s.cfg.Magic, s.cfg.MaxPayloadBytes)

	if err := s.Enqueue(s.localVersion()); err != nil {
		return ReasonNetworkError
	}
	if reason, ok := s.handshake(fr); !ok {
		if s.met != nil {
			s.met.RecordHandshake("failure")
		}
		return reason
	}
	s.summary.HandshakeOK = true
	if s.met != nil {
		s.met.RecordHandshake("success")
	}
	s.setState(StateReady)

	// One unsolicited address solicitation per session; the supervisor
	// re-solicits on its own schedule.
	_ = s.Enqueue(&wire.GetAddr{})

	lim := rate.NewLimiter(s.cfg.InboundRate, s.cfg.InboundBurst)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		frame, err := fr.Next()
		if err != nil {
			return s.reasonFor(err, false)
		}
		if err := lim.Wait(ctx); err != nil {
			return ReasonShutdown
		}
		if err := s.dispatch(frame); err != nil {
			return s.reasonFor(err, false)
		}
	}
}

// handshake reads until both the peer's version and verack have arrived.
// Order is not enforced; some implementations send feature negotiation
// frames between the two.
func (s *Session) handshake(fr *wire.FrameReader) (Reason, bool) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	var haveVersion, haveVerack bool
	for !haveVersion || !haveVerack {
		_ = s.conn.SetReadDeadline(deadline)
		frame, err := fr.Next()
		if err != nil {
			return s.reasonFor(err, true), false
		}
		msg, err := wire.DecodeMessage(frame)
		if err != nil {
			s.noteViolation(frame.Command, err)
			continue
		}
		s.count(frame.Command)
		switch m := msg.(type) {
		case *wire.Version:
			if haveVersion {
				return ReasonProtocolViolation, false
			}
			haveVersion = true
			s.summary.UserAgent = m.UserAgent
			s.summary.Version = m.Version
			s.summary.Services = m.Services
			s.summary.Height = m.StartHeight
			if s.events.Handshake != nil {
				s.events.Handshake(s.Addr, m)
			}
			// Feature negotiation goes out between version and verack.
			if m.Version >= wire.ProtocolVersion {
				_ = s.Enqueue(&wire.SendAddrV2{})
				_ = s.Enqueue(&wire.WtxidRelay{})
			}
			_ = s.Enqueue(&wire.Verack{})
		case *wire.Verack:
			haveVerack = true
		case *wire.Ping:
			_ = s.Enqueue(&wire.Pong{Nonce: m.Nonce})
		default:
			// Negotiation frames such as sendaddrv2 or wtxidrelay.
		}
	}
	return ReasonPeerClosed, true
}

// dispatch handles one steady-state frame. A decode failure on a
// recognized command is recorded and skipped; the envelope was still
// well-formed, so the stream remains synchronized.
func (s *Session) dispatch(frame wire.Frame) error {
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		s.noteViolation(frame.Command, err)
		return nil
	}
	s.count(frame.Command)
	switch m := msg.(type) {
	case *wire.Ping:
		return s.Enqueue(&wire.Pong{Nonce: m.Nonce})
	case *wire.Pong:
	case *wire.Inv:
		s.summary.InvCount += len(m.Items)
		if s.events.SampleInv == nil {
			return nil
		}
		want := s.events.SampleInv(s.Addr, m.Items)
		if len(want) == 0 {
			return nil
		}
		if s.met != nil {
			s.met.GetDataSampled.Add(float64(len(want)))
		}
		return s.Enqueue(&wire.GetData{Items: want})
	case *wire.Tx:
		s.summary.TxCount++
		if s.events.Tx != nil {
			s.events.Tx(s.Addr, m)
		}
	case *wire.Addr:
		s.summary.AddrCount += len(m.Entries)
		if s.events.Addrs != nil {
			s.events.Addrs(s.Addr, m.Entries)
		}
	case *wire.FeeFilter:
		if s.events.FeeFilter != nil {
			s.events.FeeFilter(s.Addr, m.FeeRate)
		}
	case *wire.Version:
		// A second version after the handshake is a violation.
		return ErrProtocolViolation
	case *wire.GetData, *wire.GetAddr:
		// The router serves neither objects nor addresses.
	case *wire.Unknown:
		s.summary.UnknownCount++
		if s.met != nil {
			s.met.UnknownCommands.Inc()
		}
	}
	return nil
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	keepalive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			if !s.write(msg) {
				return
			}
		case <-keepalive.C:
			if !s.write(&wire.Ping{Nonce: randNonce()}) {
				return
			}
		}
	}
}

func (s *Session) write(msg wire.Message) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := wire.WriteMessage(s.conn, s.cfg.Magic, msg); err != nil {
		// The read loop observes the same broken connection and owns
		// the teardown reason.
		s.close()
		return false
	}
	if s.met != nil {
		s.met.RecordMessage(msg.Command(), "outbound")
	}
	return true
}

func (s *Session) count(command string) {
	s.summary.MsgCounts[command]++
	if s.met != nil {
		s.met.RecordMessage(command, "inbound")
	}
}

func (s *Session) noteViolation(command string, err error) {
	if s.met != nil {
		s.met.ProtocolViolations.Inc()
	}
	s.log.Debug("malformed payload", "command", command, "error", err)
}

func (s *Session) localVersion() *wire.Version {
	var recvIP net.IP
	var recvPort uint16
	if host, port, err := net.SplitHostPort(s.Addr); err == nil {
		recvIP = net.ParseIP(host)
		if p, err := net.LookupPort("tcp", port); err == nil {
			recvPort = uint16(p)
		}
	}
	return &wire.Version{
		Version:     wire.ProtocolVersion,
		Services:    wire.SFNodeNetworkLimited,
		Timestamp:   time.Now().Unix(),
		Recv:        wire.NetAddr{Services: wire.SFNodeNetwork | wire.SFNodeWitness, IP: recvIP, Port: recvPort},
		From:        wire.NetAddr{},
		Nonce:       randNonce(),
		UserAgent:   s.cfg.UserAgent,
		StartHeight: s.cfg.StartHeight,
		Relay:       true,
	}
}

// reasonFor maps a transport or codec error onto the closed reason set.
func (s *Session) reasonFor(err error, handshaking bool) Reason {
	if s.shutdown.Load() || errors.Is(err, context.Canceled) {
		return ReasonShutdown
	}
	switch {
	case errors.Is(err, wire.ErrBadMagic),
		errors.Is(err, wire.ErrBadChecksum),
		errors.Is(err, wire.ErrOversizedFrame),
		errors.Is(err, wire.ErrBadCommand),
		errors.Is(err, ErrProtocolViolation):
		if s.met != nil {
			s.met.ProtocolViolations.Inc()
		}
		return ReasonProtocolViolation
	case errors.Is(err, io.EOF):
		return ReasonPeerClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if handshaking {
			return ReasonHandshakeTimeout
		}
		return ReasonNetworkError
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ReasonPeerClosed
	}
	return ReasonNetworkError
}

func randNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
