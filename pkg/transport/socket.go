package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/backoff"
	"github.com/chainconn/rpc-connector/pkg/events"
)

const writeTimeout = 10 * time.Second

// State is the connectivity state of a Socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config controls a Socket.
type Config struct {
	// Endpoints are tried round-robin by index.
	Endpoints []string
	// RequestTimeout is how long a request may stay pending.
	RequestTimeout time.Duration
	// SweepInterval is how often pending requests are checked against
	// RequestTimeout. It is independent of RequestTimeout.
	SweepInterval time.Duration
	// DialTimeout bounds a single endpoint handshake.
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// InitialBackoff resumes a persisted interval. Zero starts at MinBackoff.
	InitialBackoff time.Duration
	// NoReplayNamespaces lists notify-method namespaces whose subscriptions
	// are one-shot and must not be replayed after a reconnect.
	NoReplayNamespaces []string
	// Header is sent with every handshake.
	Header http.Header
}

// DefaultConfig returns the default settings for endpoints.
func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:          endpoints,
		RequestTimeout:     60 * time.Second,
		SweepInterval:      5 * time.Second,
		DialTimeout:        10 * time.Second,
		MinBackoff:         2 * time.Second,
		MaxBackoff:         120 * time.Second,
		NoReplayNamespaces: []string{"author"},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(nil)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MinBackoff < 0 {
		c.MinBackoff = 0
	}
	if c.Header == nil {
		c.Header = http.Header{"User-Agent": []string{"chainconn/1.0"}}
	}
}

// Stats is a snapshot of a Socket.
type Stats struct {
	State         State
	URL           string
	Endpoints     int
	Pending       int
	Subscriptions int
	Backoff       time.Duration
}

// Socket keeps one chain reachable through a rotating endpoint list and
// multiplexes JSON-RPC requests and subscriptions over whichever endpoint is
// open. At most one physical connection is live at a time.
type Socket struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer
	events *events.Bus[EventKind, Event]

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	url               string
	gen               uint64
	endpointIndex     int
	triedSinceConnect int
	autoReconnect     bool
	closed            bool
	retryTimer        *time.Timer
	sweepStop         chan struct{}
	ready             chan struct{}
	backoff           *backoff.Policy

	nextID  uint64
	pending map[uint64]*pendingRequest
	// subs is keyed by the id the current connection assigned.
	subs map[subKey]*subscription
	// handles is keyed by the id returned to the caller and survives reconnects.
	handles map[subKey]*subscription
	early   map[subKey]*bufferedNotifications

	writeMu sync.Mutex

	// life is cancelled by Close. It aborts a TCP dial in progress, and
	// dialing, the raw connection of a handshake in progress, is closed.
	life    context.Context
	kill    context.CancelFunc
	dialing net.Conn
}

// New creates a disconnected Socket.
func New(cfg Config, logger *zap.Logger) (*Socket, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	cfg.Endpoints = append([]string(nil), cfg.Endpoints...)
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := backoff.New(cfg.MinBackoff, cfg.MaxBackoff)
	if cfg.InitialBackoff > 0 {
		policy.ResetTo(cfg.InitialBackoff)
	}

	life, kill := context.WithCancel(context.Background())
	s := &Socket{
		cfg:           cfg,
		logger:        logger,
		events:        events.NewBus[EventKind, Event](),
		endpointIndex: -1,
		ready:         make(chan struct{}),
		backoff:       policy,
		pending:       make(map[uint64]*pendingRequest),
		subs:          make(map[subKey]*subscription),
		handles:       make(map[subKey]*subscription),
		early:         make(map[subKey]*bufferedNotifications),
		life:          life,
		kill:          kill,
	}
	s.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   s.netDial,
		HandshakeTimeout: cfg.DialTimeout,
		ReadBufferSize:   1024 * 16,
		WriteBufferSize:  1024 * 16,
	}
	return s, nil
}

// netDial opens the TCP connection of a handshake and keeps it reachable
// for Close until connect clears it.
func (s *Socket) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return nil, ErrSocketClosed
	}
	s.dialing = conn
	return conn, nil
}

// Endpoints returns the rotation order.
func (s *Socket) Endpoints() []string {
	return append([]string(nil), s.cfg.Endpoints...)
}

// State returns the current connectivity state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the endpoint currently open or being dialed.
func (s *Socket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Stats returns a snapshot of the socket.
func (s *Socket) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:         s.state,
		URL:           s.url,
		Endpoints:     len(s.cfg.Endpoints),
		Pending:       len(s.pending),
		Subscriptions: len(s.handles),
		Backoff:       s.backoff.Next(),
	}
}

// WaitReady blocks until the socket is connected or ctx is done.
func (s *Socket) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateConnected {
			s.mu.Unlock()
			return nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect opens the next endpoint in the rotation. The index advances on
// every call, including manual ones. A failed dial schedules a retry unless
// Disconnect was called.
func (s *Socket) Connect(ctx context.Context) error {
	return s.connect(ctx, true)
}

// connect dials the next endpoint. Automatic attempts give up once
// Disconnect has been called.
func (s *Socket) connect(ctx context.Context, manual bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.conn != nil || s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !manual && !s.autoReconnect {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.stopRetryLocked()
	s.autoReconnect = true
	s.endpointIndex = (s.endpointIndex + 1) % len(s.cfg.Endpoints)
	url := s.cfg.Endpoints[s.endpointIndex]
	s.triedSinceConnect++
	s.state = StateConnecting
	s.url = url
	s.mu.Unlock()

	s.logger.Debug("dialing endpoint", zap.String("url", url))

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	stopAbort := context.AfterFunc(s.life, cancel)
	conn, _, err := s.dialer.DialContext(dialCtx, url, s.cfg.Header)
	stopAbort()
	cancel()
	s.mu.Lock()
	s.dialing = nil
	s.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()

		terr := &TransportError{URL: url, Err: err}
		s.logger.Debug("endpoint dial failed", zap.String("url", url), zap.Error(err))
		s.emit(Event{Kind: EventError, URL: url, Err: terr})
		s.scheduleRetry()
		return terr
	}

	s.mu.Lock()
	if !s.autoReconnect || s.closed {
		s.state = StateDisconnected
		s.mu.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	s.conn = conn
	s.state = StateConnected
	s.gen++
	gen := s.gen
	s.backoff.Reset()
	s.backoff.Disable()
	s.triedSinceConnect = 0
	stop := make(chan struct{})
	s.sweepStop = stop
	close(s.ready)
	replay := make([]*subscription, 0, len(s.handles))
	for _, sub := range s.handles {
		replay = append(replay, sub)
	}
	s.mu.Unlock()

	go s.readLoop(conn, url, gen)
	go s.sweepLoop(stop)

	s.logger.Info("socket connected", zap.String("url", url), zap.Int("replay", len(replay)))
	s.emit(Event{Kind: EventConnected, URL: url})

	for _, sub := range replay {
		go s.resubscribe(sub)
	}
	return nil
}

// ConnectWithRetry calls Connect and never fails; dial failures are retried
// on the backoff schedule.
func (s *Socket) ConnectWithRetry() {
	if err := s.Connect(context.Background()); err != nil && !errors.Is(err, ErrAlreadyConnected) {
		s.logger.Debug("connect attempt failed", zap.Error(err))
	}
}

// Disconnect disables auto-reconnect and closes the open endpoint with a
// normal closure. Pending requests fail with ErrDisconnected.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.autoReconnect = false
	s.stopRetryLocked()
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.handleClose(gen, ErrDisconnected)
}

// Close disconnects permanently and aborts a dial in progress; later Connect
// calls fail with ErrSocketClosed.
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	dialing := s.dialing
	s.mu.Unlock()
	s.Disconnect()
	s.kill()
	if dialing != nil {
		dialing.Close()
	}
}

// handleClose tears down the connection generation gen exactly once.
func (s *Socket) handleClose(gen uint64, cause error) {
	s.mu.Lock()
	if s.conn == nil || gen != s.gen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	url := s.url
	s.conn = nil
	s.state = StateDisconnected
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepStop = nil
	}
	s.ready = make(chan struct{})

	pending := s.pending
	s.pending = make(map[uint64]*pendingRequest)
	s.subs = make(map[subKey]*subscription)
	s.early = make(map[subKey]*bufferedNotifications)

	var dropped []*subscription
	for key, sub := range s.handles {
		sub.currentID = ""
		if !s.replayable(sub.notifyMethod) {
			delete(s.handles, key)
			dropped = append(dropped, sub)
		}
	}
	manual := !s.autoReconnect
	s.mu.Unlock()

	conn.Close()

	for _, p := range pending {
		p.resolve(nil, cause)
	}
	for _, sub := range dropped {
		sub.callback(nil, ErrSubscriptionDropped)
	}

	if manual {
		s.logger.Info("socket disconnected", zap.String("url", url))
	} else {
		s.logger.Warn("socket closed", zap.String("url", url), zap.Error(cause),
			zap.Int("failed_requests", len(pending)), zap.Int("dropped_subscriptions", len(dropped)))
	}
	s.emit(Event{Kind: EventDisconnected, URL: url, Err: cause})

	if !manual {
		s.scheduleRetry()
	}
}

// scheduleRetry arms the reconnect timer. Untried endpoints of the current
// rotation are retried immediately; once the rotation is exhausted the
// backoff interval applies and EventStaleRPCs fires.
func (s *Socket) scheduleRetry() {
	s.mu.Lock()
	if !s.autoReconnect || s.retryTimer != nil || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}

	var (
		delay time.Duration
		stale bool
		next  time.Duration
	)
	if s.triedSinceConnect >= len(s.cfg.Endpoints) {
		s.triedSinceConnect = 0
		s.backoff.Enable()
		delay = s.backoff.Interval()
		s.backoff.Increase()
		next = s.backoff.Next()
		stale = true
	}
	s.retryTimer = time.AfterFunc(delay, s.retry)
	s.mu.Unlock()

	if stale {
		s.logger.Warn("all endpoints unreachable",
			zap.Int("endpoints", len(s.cfg.Endpoints)),
			zap.Duration("retry_in", delay),
			zap.Duration("next_backoff", next))
		s.emit(Event{Kind: EventStaleRPCs, NextBackoff: next})
	}
}

func (s *Socket) retry() {
	s.mu.Lock()
	s.retryTimer = nil
	auto := s.autoReconnect
	s.mu.Unlock()

	if !auto {
		return
	}
	err := s.connect(context.Background(), false)
	if err != nil && !errors.Is(err, ErrAlreadyConnected) && !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrSocketClosed) {
		s.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

func (s *Socket) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Socket) replayable(notifyMethod string) bool {
	ns := notifyMethod
	if i := strings.IndexByte(notifyMethod, '_'); i >= 0 {
		ns = notifyMethod[:i]
	}
	for _, skip := range s.cfg.NoReplayNamespaces {
		if ns == skip {
			return false
		}
	}
	return true
}

func (s *Socket) writeFrame(conn *websocket.Conn, url string, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return &TransportError{URL: url, Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{URL: url, Err: fmt.Errorf("write: %w", err)}
	}
	return nil
}
