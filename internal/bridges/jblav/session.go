package jblav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for receiver communication.
const (
	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIdleTimeout is how long a read may wait before a heartbeat is sent.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultWriteTimeout bounds a single command write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultSettleDelay is the pause after the initialization command.
	DefaultSettleDelay = 200 * time.Millisecond

	// DefaultQueryInterval spaces the handshake queries. The receiver drops
	// commands that arrive faster.
	DefaultQueryInterval = 100 * time.Millisecond

	// readBufferSize is the maximum read per call.
	readBufferSize = 1024
)

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionConfig holds receiver connection settings.
type SessionConfig struct {
	// Host is the receiver address (IP or hostname).
	Host string

	// Port is the IP control port. Default: 50000.
	Port int

	// ConnectTimeout bounds the dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// IdleTimeout is the read window before a heartbeat. Default: 120 seconds.
	IdleTimeout time.Duration

	// WriteTimeout bounds each command write. Default: 5 seconds.
	WriteTimeout time.Duration

	// SettleDelay follows the initialization command. Default: 200ms.
	SettleDelay time.Duration

	// QueryInterval separates handshake queries. Default: 100ms.
	QueryInterval time.Duration

	// Dialer overrides the transport, mainly for tests. Default: net.Dialer.
	Dialer Dialer
}

// withDefaults fills zero values.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.QueryInterval == 0 {
		c.QueryInterval = DefaultQueryInterval
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	return c
}

// Address returns host:port.
func (c SessionConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SessionState is the lifecycle position of a session.
type SessionState int32

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SessionStats holds per-session counters.
type SessionStats struct {
	State          SessionState
	FramesRx       uint64
	FramesDropped  uint64 // malformed frames
	DeviceErrors   uint64 // non-success result codes
	BytesDiscarded uint64 // resync noise
	CommandsTx     uint64
	Heartbeats     uint64
	LastActivity   time.Time
}

// Session is one TCP connection to the receiver, from dial to close.
//
// A session is single-use: after Close it cannot reconnect. The owner
// (Receiver) builds a fresh session for every connection attempt so no
// buffer or handle survives across cycles.
//
// Thread Safety:
//   - Send may be called from any goroutine; writes are serialised.
//   - Run must be called once, after a successful Connect.
//   - Close is idempotent and unblocks Connect and Run.
type Session struct {
	cfg      SessionConfig
	store    *Store
	notifier *Notifier
	metrics  *Metrics
	logger   Logger

	connMu sync.RWMutex
	conn   net.Conn

	writeMu sync.Mutex

	// applyMu orders frame reconciliation against the reset in Close.
	applyMu sync.Mutex

	state  atomic.Int32
	buffer *FrameBuffer
	done   *closeOnce

	framesRx       atomic.Uint64
	framesDropped  atomic.Uint64
	deviceErrors   atomic.Uint64
	bytesDiscarded atomic.Uint64
	commandsTx     atomic.Uint64
	heartbeats     atomic.Uint64
	lastActivity   atomic.Int64
}

// NewSession creates a disconnected session that reconciles into store and
// publishes through notifier. metrics and logger may be nil.
func NewSession(cfg SessionConfig, store *Store, notifier *Notifier, metrics *Metrics, logger Logger) *Session {
	s := &Session{
		cfg:      cfg.withDefaults(),
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   orNop(logger),
		done:     newCloseOnce(),
	}
	s.buffer = NewFrameBuffer(s.onDiscard)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// IsConnected reports whether the transport is open.
func (s *Session) IsConnected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

// Connect opens the TCP connection within ConnectTimeout.
//
// Parameters:
//   - ctx: Context for cancellation of the dial
//
// Returns:
//   - error: ErrConnectionFailed (wrapped) on dial failure or timeout,
//     ErrSessionClosed if the session was closed
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done.Done():
		return ErrSessionClosed
	default:
	}
	if s.IsConnected() {
		return nil
	}

	// A new session always starts from the defaults.
	s.applyMu.Lock()
	changes := s.store.Reset()
	s.applyMu.Unlock()
	s.notifier.Publish(changes...)
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.done.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	addr := s.cfg.Address()
	s.logger.Debug("connecting to receiver", "address", addr)

	conn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		s.setState(StateDisconnected)
		s.metrics.session(false)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: timeout after %s", ErrConnectionFailed, addr, s.cfg.ConnectTimeout)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
	}

	s.connMu.Lock()
	select {
	case <-s.done.Done():
		s.connMu.Unlock()
		conn.Close() //nolint:errcheck // closed session, connection discarded
		s.setState(StateDisconnected)
		return ErrSessionClosed
	default:
	}
	s.conn = conn
	s.connMu.Unlock()

	s.touch()
	s.metrics.session(true)
	s.metrics.connected(true)
	if change, changed := s.store.SetConnection(true); changed {
		s.notifier.Publish(change)
	}
	s.logger.Info("connected to receiver", "address", addr)
	return nil
}

// Run performs the handshake and then processes inbound frames until the
// connection fails, ctx is cancelled or Close is called. The session is
// closed when Run returns.
//
// Returns:
//   - error: ErrPeerClosed when the receiver hangs up, a wrapped transport
//     error on socket faults, ctx.Err() on cancellation, nil after Close
func (s *Session) Run(ctx context.Context) error {
	defer s.Close() //nolint:errcheck // Close never fails

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { s.Close() }) //nolint:errcheck // Close never fails
	defer stop()

	if err := s.handshake(ctx); err != nil {
		return s.exitErr(ctx, err)
	}

	s.setState(StateReady)
	return s.exitErr(ctx, s.readLoop(conn))
}

// exitErr maps a loop error to the value Run reports.
func (s *Session) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-s.done.Done():
		return nil
	default:
	}
	return err
}

// handshake sends the initialization command and the state query battery.
func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)
	s.logger.Debug("starting handshake")

	if err := s.send(OpInitialization, InitCommand()); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}

	for _, op := range handshakeQueries {
		if err := s.send(op, QueryCommand(op)); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.cfg.QueryInterval); err != nil {
			return err
		}
	}

	s.logger.Debug("handshake complete")
	return nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done.Done():
		return ErrSessionClosed
	}
}

// readLoop reads until a fatal transport error. Idle timeouts trigger a
// heartbeat and are not errors.
func (s *Session) readLoop(conn net.Conn) error {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-s.done.Done():
			return ErrSessionClosed
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.touch()
			s.buffer.Append(buf[:n])
			s.drain()
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("read idle, sending heartbeat")
				if err := s.send(OpHeartbeat, HeartbeatCommand()); err != nil {
					return err
				}
				s.heartbeats.Add(1)
				s.metrics.heartbeat()
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Warn("connection closed by receiver")
				return ErrPeerClosed
			}
			return fmt.Errorf("reading from receiver: %w", err)
		}

		if n == 0 {
			return ErrPeerClosed
		}
	}
}

// drain extracts and applies every complete frame in the buffer. It stops
// as soon as the session is closed; anything left is discarded with it.
func (s *Session) drain() {
	for {
		if s.closed() {
			return
		}
		frame, ok := s.buffer.Next()
		if !ok {
			return
		}
		s.handleFrame(frame)
	}
}

// handleFrame decodes and reconciles one frame. Errors here never end the session.
func (s *Session) handleFrame(frame []byte) {
	resp, err := DecodeResponse(frame)
	if err != nil {
		s.framesDropped.Add(1)
		s.metrics.frameMalformed()
		s.logger.Warn("dropping malformed frame", "frame", fmt.Sprintf("% X", frame), "error", err)
		return
	}

	s.framesRx.Add(1)
	s.metrics.frameReceived(resp.Opcode)

	s.applyMu.Lock()
	if s.closed() {
		s.applyMu.Unlock()
		return
	}
	changes, err := s.store.Apply(resp)
	s.applyMu.Unlock()
	if err != nil {
		s.deviceErrors.Add(1)
		s.metrics.deviceError(resp.Opcode)
		s.logger.Warn("receiver reported error",
			"opcode", resp.Opcode.String(),
			"result_code", fmt.Sprintf("0x%02X", resp.ResultCode),
		)
		return
	}

	if !resp.Opcode.Known() {
		s.logger.Debug("unmapped opcode", "response", resp.String())
	} else {
		s.logger.Debug("frame received", "response", resp.String(), "changes", len(changes))
	}

	if s.closed() {
		return
	}
	s.notifier.Publish(changes...)
}

func (s *Session) closed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

func (s *Session) onDiscard(n int, reason string) {
	s.bytesDiscarded.Add(uint64(n)) //nolint:gosec // n is a buffer length
	s.metrics.discarded(n, reason)
	s.logger.Debug("discarded unparseable bytes", "bytes", n, "reason", reason)
}

// Send writes one encoded command. It does not wait for a reply.
//
// Returns:
//   - error: ErrNotConnected if the transport is gone, ErrSendFailed (wrapped)
//     if the write fails
func (s *Session) Send(frame []byte) error {
	op := Opcode(0xFF)
	if len(frame) > 1 {
		op = Opcode(frame[1])
	}
	return s.send(op, frame)
}

func (s *Session) send(op Opcode, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		s.metrics.commandFailed()
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.metrics.commandFailed()
		return fmt.Errorf("%w: setting write deadline: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write(frame); err != nil {
		s.metrics.commandFailed()
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, op, err)
	}

	s.commandsTx.Add(1)
	s.metrics.commandSent(op)
	s.logger.Debug("command sent", "opcode", op.String(), "frame", fmt.Sprintf("% X", frame))
	return nil
}

// Close shuts the transport and resets the state store. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() error {
	s.done.Close()

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn == nil {
		s.setState(StateDisconnected)
		return nil
	}

	conn.Close() //nolint:errcheck // best-effort close, handle already released
	s.setState(StateDisconnected)
	s.metrics.connected(false)

	s.applyMu.Lock()
	changes := s.store.Reset()
	s.applyMu.Unlock()
	s.notifier.Publish(changes...)
	s.logger.Info("disconnected from receiver", "address", s.cfg.Address())
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	var last time.Time
	if ts := s.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return SessionStats{
		State:          s.State(),
		FramesRx:       s.framesRx.Load(),
		FramesDropped:  s.framesDropped.Load(),
		DeviceErrors:   s.deviceErrors.Load(),
		BytesDiscarded: s.bytesDiscarded.Load(),
		CommandsTx:     s.commandsTx.Load(),
		Heartbeats:     s.heartbeats.Load(),
		LastActivity:   last,
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
