package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chainconn/rpc-connector/internal/rpctest"
	"github.com/chainconn/rpc-connector/pkg/types"
)

func testConfig(endpoints ...string) Config {
	cfg := DefaultConfig(endpoints)
	cfg.RequestTimeout = 2 * time.Second
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.MinBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 40 * time.Millisecond
	return cfg
}

func newConnectedSocket(t *testing.T, endpoints ...string) *Socket {
	t.Helper()
	s, err := New(testConfig(endpoints...), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)
	return s
}

// recorder collects callback invocations.
type recorder struct {
	mu      sync.Mutex
	results []json.RawMessage
	errs    []error
}

func (r *recorder) notify(result json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.results = append(r.results, result)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestNew_NoEndpoints(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestSocket_ConnectAndSend(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, node.URL(), s.URL())

	result, err := s.Send(context.Background(), "system_health", nil)
	require.NoError(t, err)

	var health map[string]any
	require.NoError(t, json.Unmarshal(result, &health))
	assert.Equal(t, float64(3), health["peers"])
}

func TestSocket_ConnectTwice(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, node.Accepted())
}

func TestSocket_SendNotConnected(t *testing.T) {
	s, err := New(testConfig(rpctest.DeadURL()), nil)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "system_health", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSocket_RPCError(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	_, err := s.Send(context.Background(), "unknown_method", nil)

	var rpcErr *types.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)

	// the socket stays usable
	_, err = s.Send(context.Background(), "system_health", nil)
	assert.NoError(t, err)
}

func TestSocket_RequestTimeout(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Silence("state_getMetadata")

	cfg := testConfig(node.URL())
	cfg.RequestTimeout = 100 * time.Millisecond
	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	start := time.Now()
	_, err = s.Send(context.Background(), "state_getMetadata", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestSocket_ContextCancelForgetsRequest(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Silence("state_getMetadata")

	s := newConnectedSocket(t, node.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, "state_getMetadata", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestSocket_DisconnectFailsPending(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Silence("state_getMetadata")

	s, err := New(testConfig(node.URL()), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "state_getMetadata", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	s.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.Equal(t, StateDisconnected, s.State())

	// manual disconnects are not retried
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, node.Accepted())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSocket_DroppedConnectionFailsPendingAndReconnects(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Silence("state_getMetadata")

	s := newConnectedSocket(t, node.URL())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "state_getMetadata", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	node.DropAll()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
		var te *TransportError
		assert.ErrorAs(t, err, &te)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed")
	}

	require.Eventually(t, func() bool {
		return node.Accepted() == 2 && s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_SubscribeAndNotify(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	rec := &recorder{}

	id, err := s.Subscribe(context.Background(), "chain_newHead", "chain_subscribeNewHeads", nil, rec.notify)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, s.Stats().Subscriptions)

	assert.Equal(t, 1, node.Notify("chain_newHead", map[string]any{"number": "0x1"}))
	assert.Equal(t, 1, node.Notify("chain_newHead", map[string]any{"number": "0x2"}))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.JSONEq(t, `{"number":"0x1"}`, string(rec.results[0]))
	assert.JSONEq(t, `{"number":"0x2"}`, string(rec.results[1]))
	rec.mu.Unlock()
}

func TestSocket_NotificationBeforeAck(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.NotifyBeforeAck(map[string]any{"number": "0x0"})

	s := newConnectedSocket(t, node.URL())
	rec := &recorder{}

	_, err := s.Subscribe(context.Background(), "chain_newHead", "chain_subscribeNewHeads", nil, rec.notify)
	require.NoError(t, err)

	// delivered before Subscribe returned
	assert.Equal(t, 1, rec.count())
}

func TestSocket_SubscribeCancelledAfterRegistration(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.NotifyBeforeAck(map[string]any{"number": "0x0"})

	s := newConnectedSocket(t, node.URL())
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the buffered notification is flushed after registration and before
	// the acknowledgement is handed back
	cb := func(result json.RawMessage, err error) {
		rec.notify(result, err)
		cancel()
		time.Sleep(50 * time.Millisecond)
	}

	id, err := s.Subscribe(ctx, "chain_newHead", "chain_subscribeNewHeads", nil, cb,
		UnsubscribeWith("chain_unsubscribeNewHeads"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, id)
	assert.Equal(t, 0, s.Stats().Subscriptions)

	require.Eventually(t, func() bool {
		return node.Calls("chain_unsubscribeNewHeads") == 1 && node.ActiveSubscriptions("chain_newHead") == 0
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, node.Notify("chain_newHead", map[string]any{"number": "0x1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSocket_SubscribeAbandonedBeforeAck(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.DelayAcks(200 * time.Millisecond)
	node.NotifyBeforeAck(map[string]any{"number": "0x0"})

	s := newConnectedSocket(t, node.URL())
	rec := &recorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Subscribe(ctx, "chain_newHead", "chain_subscribeNewHeads", nil, rec.notify,
		UnsubscribeWith("chain_unsubscribeNewHeads"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late acknowledgement is countered once and never registered
	require.Eventually(t, func() bool {
		return node.Calls("chain_unsubscribeNewHeads") == 1 && node.ActiveSubscriptions("chain_newHead") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Stats().Subscriptions)
	assert.Equal(t, 0, rec.count())
	assert.Empty(t, rec.errors())
}

func TestSocket_CloseAbortsDial(t *testing.T) {
	hole := rpctest.NewBlackhole()
	defer hole.Close()

	cfg := testConfig(hole.URL())
	cfg.DialTimeout = 5 * time.Second
	s, err := New(cfg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return hole.Accepted() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("dial was not aborted by Close")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSocket_Unsubscribe(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	rec := &recorder{}

	id, err := s.Subscribe(context.Background(), "chain_newHead", "chain_subscribeNewHeads", nil, rec.notify)
	require.NoError(t, err)
	require.Equal(t, 1, node.ActiveSubscriptions("chain_newHead"))

	ok := s.Unsubscribe(context.Background(), "chain_newHead", "chain_unsubscribeNewHeads", id)
	assert.True(t, ok)
	assert.Equal(t, 0, node.ActiveSubscriptions("chain_newHead"))
	assert.Equal(t, 0, s.Stats().Subscriptions)

	// unknown ids are a no-op
	assert.False(t, s.Unsubscribe(context.Background(), "chain_newHead", "chain_unsubscribeNewHeads", id))
	assert.Equal(t, 0, rec.count())
}

func TestSocket_ReplayAfterReconnect(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())

	var connects int
	var mu sync.Mutex
	s.On(EventConnected, func(Event) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	heads := &recorder{}
	extrinsic := &recorder{}
	headsID, err := s.Subscribe(context.Background(), "chain_newHead", "chain_subscribeNewHeads", nil, heads.notify)
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "author_extrinsicUpdate", "author_submitAndWatchExtrinsic", []any{"0x00"}, extrinsic.notify)
	require.NoError(t, err)

	for cycle := 1; cycle <= 2; cycle++ {
		node.DropAll()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return connects == cycle &&
				node.Calls("chain_subscribeNewHeads") == cycle+1 &&
				node.ActiveSubscriptions("chain_newHead") == 1
		}, 2*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, 3, node.Calls("chain_subscribeNewHeads"))
	assert.Equal(t, 1, node.Calls("author_submitAndWatchExtrinsic"))

	errs := extrinsic.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSubscriptionDropped)

	node.Notify("chain_newHead", map[string]any{"number": "0x10"})
	require.Eventually(t, func() bool { return heads.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Stats().Subscriptions)

	// the caller's original id keeps working for unsubscribe
	assert.True(t, s.Unsubscribe(context.Background(), "chain_newHead", "chain_unsubscribeNewHeads", headsID))
	assert.Equal(t, 0, node.ActiveSubscriptions("chain_newHead"))
}

func TestSocket_FailoverToNextEndpoint(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	dead := rpctest.DeadURL()

	s, err := New(testConfig(dead, node.URL()), nil)
	require.NoError(t, err)
	defer s.Disconnect()

	s.ConnectWithRetry()
	require.NoError(t, waitReady(s, 2*time.Second))
	assert.Equal(t, node.URL(), s.URL())
}

func TestSocket_RotationAdvancesAcrossManualReconnects(t *testing.T) {
	first := rpctest.NewNode()
	defer first.Close()
	second := rpctest.NewNode()
	defer second.Close()

	s, err := New(testConfig(first.URL(), second.URL()), nil)
	require.NoError(t, err)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, first.URL(), s.URL())
	s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, second.URL(), s.URL())
}

func TestSocket_StaleOncePerRotation(t *testing.T) {
	s, err := New(testConfig(rpctest.DeadURL(), rpctest.DeadURL(), rpctest.DeadURL()), nil)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		sequence []EventKind
		backoffs []time.Duration
	)
	record := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		sequence = append(sequence, e.Kind)
		if e.Kind == EventStaleRPCs {
			backoffs = append(backoffs, e.NextBackoff)
		}
	}
	s.On(EventError, record)
	s.On(EventStaleRPCs, record)

	s.ConnectWithRetry()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(backoffs) >= 2
	}, 3*time.Second, 10*time.Millisecond)
	s.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	errorsSinceStale := 0
	for _, kind := range sequence {
		switch kind {
		case EventError:
			errorsSinceStale++
		case EventStaleRPCs:
			assert.Equal(t, 3, errorsSinceStale)
			errorsSinceStale = 0
		}
	}
	for _, b := range backoffs {
		assert.LessOrEqual(t, b, 40*time.Millisecond)
		assert.Greater(t, b, time.Duration(0))
	}
}

func TestSocket_ResumesPersistedBackoff(t *testing.T) {
	cfg := testConfig(rpctest.DeadURL())
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.InitialBackoff = 200 * time.Millisecond

	s, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, s.Stats().Backoff)

	stale := make(chan time.Duration, 4)
	s.On(EventStaleRPCs, func(e Event) { stale <- e.NextBackoff })
	s.ConnectWithRetry()
	defer s.Disconnect()

	select {
	case next := <-stale:
		assert.Equal(t, 400*time.Millisecond, next)
	case <-time.After(time.Second):
		t.Fatal("no stale event")
	}
}

func TestSocket_MalformedFrameIsDropped(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s := newConnectedSocket(t, node.URL())
	errCh := make(chan error, 4)
	s.On(EventError, func(e Event) { errCh <- e.Err })

	node.SendRaw([]byte(`{not json`))
	node.SendRaw([]byte(`{"jsonrpc":"2.0","id":"abc","result":1}`))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, ErrMalformedFrame))
		case <-time.After(time.Second):
			t.Fatal("malformed frame not reported")
		}
	}

	_, err := s.Send(context.Background(), "system_health", nil)
	assert.NoError(t, err)
	assert.Equal(t, StateConnected, s.State())
}

func TestSocket_ConcurrentSends(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Handle("echo", func(params json.RawMessage) (any, *types.RPCError) {
		var p []int
		_ = json.Unmarshal(params, &p)
		return p[0], nil
	})

	s := newConnectedSocket(t, node.URL())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Send(context.Background(), "echo", []any{i})
			if assert.NoError(t, err) {
				var got int
				assert.NoError(t, json.Unmarshal(result, &got))
				assert.Equal(t, i, got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, node.MaxOpenConns())
}

func TestSocket_NoGoroutineLeakAfterDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	node := rpctest.NewNode()
	defer node.Close()

	s, err := New(testConfig(node.URL()), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	_, err = s.Subscribe(context.Background(), "chain_newHead", "chain_subscribeNewHeads", nil, func(json.RawMessage, error) {})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "system_health", nil)
	require.NoError(t, err)

	s.Disconnect()
	require.Eventually(t, func() bool { return node.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
}

func waitReady(s *Socket, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.WaitReady(ctx)
}

func TestSocket_CloseIsPermanent(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	s, err := New(testConfig(node.URL()), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	s.Close()
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrSocketClosed)
	assert.Equal(t, 1, node.Accepted())
}
