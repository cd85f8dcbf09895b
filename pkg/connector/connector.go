// Package connector multiplexes callers of many chains over one shared
// socket per chain. Sockets are reference counted: the first caller opens
// one, the last caller's release starts a drain timer that closes it.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/events"
	"github.com/chainconn/rpc-connector/pkg/interfaces"
	"github.com/chainconn/rpc-connector/pkg/metastore"
	"github.com/chainconn/rpc-connector/pkg/transport"
	"github.com/chainconn/rpc-connector/pkg/types"
)

// storeTimeout bounds every directory and meta store call.
const storeTimeout = 5 * time.Second

// Connector implements interfaces.Connector.
type Connector struct {
	cfg     Config
	dir     interfaces.EndpointDirectory
	store   interfaces.ConnectionMetaStore
	metrics interfaces.ConnectorMetrics
	logger  *zap.Logger
	cache   *responseCache
	events  *events.Bus[EventKind, Event]

	mu     sync.Mutex
	chains map[string]*chainSocket
	closed bool
}

var _ interfaces.Connector = (*Connector)(nil)

type chainSocket struct {
	chainID string
	// init is closed once sock or err is set.
	init chan struct{}
	sock *transport.Socket
	err  error

	// guarded by Connector.mu
	users mapset.Set[string]
	drain *time.Timer

	stop chan struct{}
	offs []func()
}

// New creates a Connector. A nil store keeps hints in memory and nil
// metrics disables instrumentation.
func New(cfg Config, dir interfaces.EndpointDirectory, store interfaces.ConnectionMetaStore,
	m interfaces.ConnectorMetrics, logger *zap.Logger) (*Connector, error) {
	if dir == nil {
		return nil, errors.New("connector requires an endpoint directory")
	}
	cfg.applyDefaults()
	if store == nil {
		store = metastore.NewMemory()
	}
	if m == nil {
		m = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := newResponseCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	return &Connector{
		cfg:     cfg,
		dir:     dir,
		store:   store,
		metrics: m,
		logger:  logger,
		cache:   cache,
		events:  events.NewBus[EventKind, Event](),
		chains:  make(map[string]*chainSocket),
	}, nil
}

// Send issues method on chainID's socket and waits for the result. When
// cacheable is set, a successful result is reused for identical calls
// until it expires.
func (c *Connector) Send(ctx context.Context, chainID, method string, params any, cacheable bool) (json.RawMessage, error) {
	start := time.Now()

	var key string
	if cacheable && c.cache != nil {
		raw, err := types.MarshalParams(params)
		if err != nil {
			return nil, err
		}
		key = cacheKey(chainID, method, raw)
		if result, ok := c.cache.get(key); ok {
			c.metrics.CacheHit(chainID)
			return result, nil
		}
		params = raw
	}

	cs, user, err := c.acquire(ctx, chainID, c.cfg.ReadyTimeout)
	if err != nil {
		c.metrics.RequestCompleted(chainID, method, outcome(err), time.Since(start))
		return nil, err
	}
	defer c.release(cs, user)

	result, err := cs.sock.Send(ctx, method, params)
	c.metrics.RequestCompleted(chainID, method, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	if key != "" {
		c.cache.add(key, result)
	}
	return result, nil
}

// Subscribe starts a subscription and returns its unsubscribe function
// right away, before the socket is ready or the node acknowledged.
//
// Failures to connect or subscribe are delivered through cb. After
// unsubscribe is called cb never fires again, and a subscription the node
// acknowledges afterwards is torn down exactly once.
func (c *Connector) Subscribe(chainID string, req types.SubscribeRequest, cb types.NotifyFunc) func() {
	if cb == nil {
		cb = func(json.RawMessage, error) {}
	}
	ctx, cancel := context.WithCancelCause(context.Background())

	deliver := func(result json.RawMessage, err error) {
		if ctx.Err() != nil {
			return
		}
		cb(result, err)
	}

	// cs, user and subID are written before done is closed.
	var (
		cs    *chainSocket
		user  string
		subID string
	)
	done := make(chan struct{})

	go func() {
		defer close(done)

		timeout := req.Timeout
		if timeout <= 0 {
			timeout = c.cfg.ReadyTimeout
		}
		s, u, err := c.acquire(ctx, chainID, timeout)
		if err != nil {
			deliver(nil, err)
			return
		}
		// The user reference is held until the node answers, so a caller
		// that already unsubscribed is countered on the same connection
		// by teardown below.
		id, err := s.sock.Subscribe(context.Background(), req.NotifyMethod, req.SubscribeMethod, req.Params, deliver,
			transport.UnsubscribeWith(req.UnsubscribeMethod))
		if err != nil {
			c.release(s, u)
			deliver(nil, err)
			return
		}
		cs, user, subID = s, u, id
		c.metrics.SetActiveSubscriptions(chainID, s.sock.Stats().Subscriptions)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel(errCallerUnsubscribed)
			go func() {
				<-done
				if cs != nil {
					c.teardown(cs, user, req, subID)
				}
			}()
		})
	}
}

func (c *Connector) teardown(cs *chainSocket, user string, req types.SubscribeRequest, subID string) {
	defer c.release(cs, user)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if !cs.sock.Unsubscribe(ctx, req.NotifyMethod, req.UnsubscribeMethod, subID) {
		c.logger.Debug("remote unsubscribe not confirmed",
			zap.String("chain", cs.chainID), zap.String("method", req.UnsubscribeMethod))
	}
	c.metrics.SetActiveSubscriptions(cs.chainID, cs.sock.Stats().Subscriptions)
}

// Status reports every socket the connector holds, sorted by chain id.
func (c *Connector) Status() []types.ChainStatus {
	c.mu.Lock()
	list := make([]types.ChainStatus, 0, len(c.chains))
	for id, cs := range c.chains {
		st := types.ChainStatus{
			ChainID: id,
			State:   transport.StateConnecting.String(),
			Users:   cs.users.Cardinality(),
		}
		if cs.sock != nil {
			stats := cs.sock.Stats()
			st.State = stats.State.String()
			st.URL = stats.URL
			st.Endpoints = stats.Endpoints
			st.Pending = stats.Pending
			st.Subscriptions = stats.Subscriptions
			st.Backoff = stats.Backoff
		}
		list = append(list, st)
	}
	c.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ChainID < list[j].ChainID })
	return list
}

// Close tears down every socket. Calls made afterwards fail with ErrClosed.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chains := c.chains
	c.chains = make(map[string]*chainSocket)
	socks := make(map[*chainSocket]*transport.Socket, len(chains))
	for _, cs := range chains {
		if cs.drain != nil {
			cs.drain.Stop()
			cs.drain = nil
		}
		socks[cs] = cs.sock
	}
	c.mu.Unlock()

	for cs, sock := range socks {
		c.destroy(cs, sock)
	}
	c.metrics.SetOpenSockets(0)
	c.logger.Info("connector closed", zap.Int("sockets", len(socks)))
	return nil
}

// acquire registers a new user of chainID's socket, creating the socket if
// needed, and waits up to timeout for it to connect. The caller must
// release the returned user id.
func (c *Connector) acquire(ctx context.Context, chainID string, timeout time.Duration) (*chainSocket, string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", ErrClosed
	}
	cs, exists := c.chains[chainID]
	if !exists {
		cs = &chainSocket{
			chainID: chainID,
			init:    make(chan struct{}),
			users:   mapset.NewSet[string](),
			stop:    make(chan struct{}),
		}
		c.chains[chainID] = cs
	}
	if cs.drain != nil {
		cs.drain.Stop()
		cs.drain = nil
	}
	user := uuid.NewString()
	for cs.users.Contains(user) {
		user = uuid.NewString()
	}
	cs.users.Add(user)
	users := cs.users.Cardinality()
	c.mu.Unlock()

	c.metrics.SetSocketUsers(chainID, users)
	if !exists {
		go c.open(cs)
	}

	select {
	case <-cs.init:
	case <-ctx.Done():
		c.release(cs, user)
		return nil, "", ctx.Err()
	}
	if cs.err != nil {
		c.release(cs, user)
		return nil, "", cs.err
	}

	readyCtx, cancel := context.WithTimeoutCause(ctx, timeout, &StaleRPCError{ChainID: chainID})
	defer cancel()
	if err := cs.sock.WaitReady(readyCtx); err != nil {
		c.release(cs, user)
		var stale *StaleRPCError
		if errors.As(context.Cause(readyCtx), &stale) {
			return nil, "", stale
		}
		return nil, "", err
	}
	return cs, user, nil
}

func (c *Connector) release(cs *chainSocket, user string) {
	c.mu.Lock()
	cs.users.Remove(user)
	users := cs.users.Cardinality()
	if users == 0 && cs.sock != nil && cs.drain == nil && c.chains[cs.chainID] == cs {
		c.scheduleDrainLocked(cs)
	}
	c.mu.Unlock()

	c.metrics.SetSocketUsers(cs.chainID, users)
}

func (c *Connector) scheduleDrainLocked(cs *chainSocket) {
	cs.drain = time.AfterFunc(c.cfg.DrainDelay, func() { c.drainSocket(cs) })
}

func (c *Connector) drainSocket(cs *chainSocket) {
	c.mu.Lock()
	if cs.users.Cardinality() > 0 || c.chains[cs.chainID] != cs {
		c.mu.Unlock()
		return
	}
	delete(c.chains, cs.chainID)
	cs.drain = nil
	sock := cs.sock
	open := len(c.chains)
	c.mu.Unlock()

	c.logger.Debug("draining idle socket", zap.String("chain", cs.chainID))
	c.destroy(cs, sock)
	c.metrics.SetOpenSockets(open)
}

// destroy runs once per chainSocket, after it left the chains map.
func (c *Connector) destroy(cs *chainSocket, sock *transport.Socket) {
	close(cs.stop)
	if sock == nil {
		return
	}
	sock.Close()
	for _, off := range cs.offs {
		off()
	}
}

// open builds the socket of a freshly registered chainSocket and dials it.
// It runs on its own goroutine; callers, the first included, wait for the
// socket in acquire.
func (c *Connector) open(cs *chainSocket) {
	sock, err := c.newSocket(cs.chainID)

	c.mu.Lock()
	if err == nil && (c.closed || c.chains[cs.chainID] != cs) {
		err = ErrClosed
	}
	if err != nil {
		if c.chains[cs.chainID] == cs {
			delete(c.chains, cs.chainID)
		}
		cs.err = err
		close(cs.init)
		c.mu.Unlock()

		if sock != nil {
			sock.Close()
		}
		c.logger.Warn("failed to open socket", zap.String("chain", cs.chainID), zap.Error(err))
		return
	}
	cs.sock = sock
	cs.offs = c.watch(cs.chainID, sock)
	close(cs.init)
	if cs.users.Cardinality() == 0 {
		c.scheduleDrainLocked(cs)
	}
	open := len(c.chains)
	c.mu.Unlock()

	c.metrics.SetOpenSockets(open)
	c.logger.Info("socket opened", zap.String("chain", cs.chainID), zap.Strings("endpoints", sock.Endpoints()))
	if c.cfg.KeepAliveInterval > 0 {
		go c.keepAlive(cs, sock)
	}
	sock.ConnectWithRetry()
}

func (c *Connector) newSocket(chainID string) (*transport.Socket, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	eps, err := c.dir.Endpoints(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints of %s: %w", chainID, err)
	}
	priority, _, err := c.store.GetPriorityEndpoint(ctx, chainID)
	if err != nil {
		c.logger.Warn("priority endpoint lookup failed", zap.String("chain", chainID), zap.Error(err))
	}
	urls := orderEndpoints(eps, priority)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, chainID)
	}

	cfg := c.cfg.Socket
	cfg.Endpoints = urls
	cfg.InitialBackoff = 0
	interval, ok, err := c.store.GetBackoffInterval(ctx, chainID)
	switch {
	case err != nil:
		c.logger.Warn("backoff lookup failed", zap.String("chain", chainID), zap.Error(err))
	case ok:
		cfg.InitialBackoff = interval
	}

	return transport.New(cfg, c.logger.With(zap.String("chain", chainID)))
}

func (c *Connector) watch(chainID string, sock *transport.Socket) []func() {
	return []func(){
		sock.On(transport.EventConnected, func(e transport.Event) {
			c.metrics.SocketConnected(chainID, e.URL)
			c.persistConnected(chainID, e.URL)
			c.emit(Event{Kind: EventConnected, ChainID: chainID, URL: e.URL})
		}),
		sock.On(transport.EventDisconnected, func(e transport.Event) {
			c.metrics.SocketDisconnected(chainID)
			c.emit(Event{Kind: EventDisconnected, ChainID: chainID, URL: e.URL, Err: e.Err})
		}),
		sock.On(transport.EventStaleRPCs, func(e transport.Event) {
			c.metrics.StaleRotation(chainID)
			c.persistBackoff(chainID, e.NextBackoff)
			c.emit(Event{Kind: EventStale, ChainID: chainID, NextBackoff: e.NextBackoff})
		}),
	}
}

func (c *Connector) persistConnected(chainID, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.store.PutPriorityEndpoint(ctx, chainID, url); err != nil {
		c.logger.Warn("failed to persist priority endpoint", zap.String("chain", chainID), zap.Error(err))
	}
	if err := c.store.DeleteBackoffInterval(ctx, chainID); err != nil {
		c.logger.Warn("failed to clear backoff interval", zap.String("chain", chainID), zap.Error(err))
	}
}

func (c *Connector) persistBackoff(chainID string, interval time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.store.PutBackoffInterval(ctx, chainID, interval); err != nil {
		c.logger.Warn("failed to persist backoff interval", zap.String("chain", chainID), zap.Error(err))
	}
}

// keepAlive pings the chain while it has users so idle proxies keep the
// connection open. It stops when the socket is destroyed.
func (c *Connector) keepAlive(cs *chainSocket, sock *transport.Socket) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		users := cs.users.Cardinality()
		c.mu.Unlock()
		if users == 0 || sock.State() != transport.StateConnected {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepAliveInterval)
		_, err := sock.Send(ctx, c.cfg.KeepAliveMethod, nil)
		cancel()
		if err != nil {
			c.logger.Debug("keep-alive failed", zap.String("chain", cs.chainID), zap.Error(err))
		}
	}
}
