package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/types"
)

type response struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id       uint64
	method   string
	params   json.RawMessage
	issuedAt time.Time
	// sub is set when the request creates a subscription.
	sub *subscription
	// abandoned marks subscription-creating requests whose caller stopped
	// waiting; their acknowledgement must not register anything.
	abandoned bool
	done      chan response
}

// resolve must be called at most once, after the request left the pending map.
func (p *pendingRequest) resolve(result json.RawMessage, err error) {
	p.done <- response{result: result, err: err}
}

type subKey struct {
	notifyMethod string
	id           string
}

type subscription struct {
	notifyMethod string
	method       string
	params       json.RawMessage
	callback     types.NotifyFunc

	// handle is the id returned to the caller; currentID is the id the open
	// connection assigned. Both are guarded by Socket.mu.
	handle      string
	currentID   string
	removed     bool
	unsubMethod string

	// deliverMu serializes callbacks with abandon.
	deliverMu sync.Mutex
}

// Send issues a request and waits for its response.
func (s *Socket) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := types.MarshalParams(params)
	if err != nil {
		return nil, err
	}
	p, err := s.issue(method, raw, nil)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, p)
}

// SubscribeOption configures Subscribe.
type SubscribeOption func(*subscription)

// UnsubscribeWith names the method that drops the subscription on the node.
// Without it a subscription whose caller stopped waiting stays open remotely.
func UnsubscribeWith(method string) SubscribeOption {
	return func(sub *subscription) {
		sub.unsubMethod = method
	}
}

// Subscribe creates a subscription whose notifications arrive with method
// notifyMethod, and returns its id. Notifications that arrive before the
// acknowledgement are buffered and delivered right after registration.
//
// When ctx is cancelled before Subscribe returns, the subscription is not
// kept: an acknowledgement that arrives later is not registered, one that
// was already registered is removed, and in both cases the node is asked to
// drop it when UnsubscribeWith was given. No callback fires after Subscribe
// returned an error.
func (s *Socket) Subscribe(ctx context.Context, notifyMethod, method string, params any, cb types.NotifyFunc, opts ...SubscribeOption) (string, error) {
	if cb == nil {
		return "", errors.New("nil subscription callback")
	}
	raw, err := types.MarshalParams(params)
	if err != nil {
		return "", err
	}
	sub := &subscription{
		notifyMethod: notifyMethod,
		method:       method,
		params:       raw,
		callback:     cb,
	}
	for _, opt := range opts {
		opt(sub)
	}
	p, err := s.issue(method, raw, sub)
	if err != nil {
		return "", err
	}
	if _, err := s.await(ctx, p); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sub.handle, nil
}

// Unsubscribe removes the local subscription immediately and, when
// connected, asks the node to drop it. It reports whether the node
// confirmed; failures are otherwise ignored.
func (s *Socket) Unsubscribe(ctx context.Context, notifyMethod, unsubMethod, id string) bool {
	s.mu.Lock()
	key := subKey{notifyMethod: notifyMethod, id: id}
	sub, ok := s.handles[key]
	var current string
	if ok {
		delete(s.handles, key)
		sub.removed = true
		sub.unsubMethod = unsubMethod
		current = sub.currentID
		if current != "" {
			delete(s.subs, subKey{notifyMethod: notifyMethod, id: current})
		}
	}
	connected := s.state == StateConnected
	s.mu.Unlock()

	// A subscription between connections has no current id; register drops
	// it remotely once the replay is acknowledged.
	if !ok || !connected || current == "" {
		return false
	}

	result, err := s.Send(ctx, unsubMethod, []any{current})
	if err != nil {
		s.logger.Debug("remote unsubscribe failed",
			zap.String("method", unsubMethod), zap.String("id", current), zap.Error(err))
		return false
	}
	var confirmed bool
	if err := json.Unmarshal(result, &confirmed); err != nil {
		return false
	}
	return confirmed
}

func (s *Socket) issue(method string, params json.RawMessage, sub *subscription) (*pendingRequest, error) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	p := &pendingRequest{
		id:       s.nextID,
		method:   method,
		params:   params,
		issuedAt: time.Now(),
		sub:      sub,
		done:     make(chan response, 1),
	}
	s.pending[p.id] = p
	conn, url := s.conn, s.url
	s.mu.Unlock()

	frame, err := json.Marshal(types.Request{
		ID:      p.id,
		JSONRPC: types.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err == nil {
		err = s.writeFrame(conn, url, frame)
	}
	if err != nil {
		s.forget(p.id)
		return nil, err
	}
	return p, nil
}

func (s *Socket) await(ctx context.Context, p *pendingRequest) (json.RawMessage, error) {
	select {
	case r := <-p.done:
		return r.result, r.err
	case <-ctx.Done():
		if p.sub != nil {
			s.abandon(p)
		} else {
			s.forget(p.id)
		}
		return nil, ctx.Err()
	}
}

// abandon gives up on a subscription-creating request. Before the
// acknowledgement it only marks the request; after registration it undoes
// the registration and drops the subscription remotely.
func (s *Socket) abandon(p *pendingRequest) {
	s.mu.Lock()
	p.abandoned = true
	sub := p.sub
	id := sub.currentID
	if id == "" || sub.removed {
		s.mu.Unlock()
		return
	}
	sub.removed = true
	if key := (subKey{notifyMethod: sub.notifyMethod, id: sub.handle}); s.handles[key] == sub {
		delete(s.handles, key)
	}
	if key := (subKey{notifyMethod: sub.notifyMethod, id: id}); s.subs[key] == sub {
		delete(s.subs, key)
	}
	s.mu.Unlock()

	// wait out a callback already running on the read loop
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()

	go s.dropRemote(sub, id)
}

// deliver runs the callback of sub unless it was removed.
func (s *Socket) deliver(sub *subscription, result json.RawMessage, err error) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()

	s.mu.Lock()
	removed := sub.removed
	s.mu.Unlock()
	if !removed {
		sub.callback(result, err)
	}
}

func (s *Socket) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resubscribe replays sub on the current connection. Transient failures
// leave it registered for the next reconnect.
func (s *Socket) resubscribe(sub *subscription) {
	p, err := s.issue(sub.method, sub.params, sub)
	if err == nil {
		r := <-p.done
		err = r.err
	}
	if err == nil {
		s.logger.Debug("subscription replayed", zap.String("method", sub.method))
		return
	}
	if isTransient(err) {
		return
	}

	s.mu.Lock()
	key := subKey{notifyMethod: sub.notifyMethod, id: sub.handle}
	if s.handles[key] == sub {
		delete(s.handles, key)
	}
	removed := sub.removed
	s.mu.Unlock()

	s.logger.Warn("subscription replay failed", zap.String("method", sub.method), zap.Error(err))
	if !removed {
		sub.callback(nil, fmt.Errorf("resubscribe %s: %w", sub.method, err))
	}
}

// register records the acknowledged subscription and returns notifications
// that arrived before the acknowledgement. orphan is true when the
// subscription must be dropped remotely instead.
func (s *Socket) register(p *pendingRequest, id string) (buffered []notification, orphan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := p.sub
	if sub.removed || p.abandoned {
		return nil, true
	}

	sub.currentID = id
	if sub.handle == "" {
		handle := id
		for n := 1; s.handles[subKey{notifyMethod: sub.notifyMethod, id: handle}] != nil; n++ {
			handle = fmt.Sprintf("%s~%d", id, n)
		}
		sub.handle = handle
	}
	key := subKey{notifyMethod: sub.notifyMethod, id: id}
	s.subs[key] = sub
	s.handles[subKey{notifyMethod: sub.notifyMethod, id: sub.handle}] = sub

	if b, ok := s.early[key]; ok {
		delete(s.early, key)
		buffered = b.items
	}
	return buffered, false
}

// dropRemote best-effort unsubscribes an acknowledged subscription nobody wants.
func (s *Socket) dropRemote(sub *subscription, id string) {
	s.mu.Lock()
	method := sub.unsubMethod
	s.mu.Unlock()
	if method == "" {
		s.logger.Debug("abandoned subscription left open", zap.String("method", sub.method), zap.String("id", id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.Send(ctx, method, []any{id}); err != nil {
		s.logger.Debug("orphan unsubscribe failed", zap.String("id", id), zap.Error(err))
	}
}

// sweepLoop fails requests older than RequestTimeout until stop is closed.
func (s *Socket) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Socket) sweep(now time.Time) {
	s.mu.Lock()
	var expired []*pendingRequest
	for id, p := range s.pending {
		if now.Sub(p.issuedAt) > s.cfg.RequestTimeout {
			delete(s.pending, id)
			expired = append(expired, p)
		}
	}
	for key, b := range s.early {
		if now.Sub(b.receivedAt) > s.cfg.RequestTimeout {
			delete(s.early, key)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.logger.Debug("request timed out", zap.String("method", p.method), zap.Uint64("id", p.id))
		p.resolve(nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, p.method, s.cfg.RequestTimeout))
	}
}
