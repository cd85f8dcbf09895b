// Package rpctest provides an in-process JSON-RPC over WebSocket node for tests.
package rpctest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainconn/rpc-connector/pkg/types"
)

// Handler answers one method. Returning a non-nil *types.RPCError sends an
// error response.
type Handler func(params json.RawMessage) (any, *types.RPCError)

// Subscription methods understood by every Node.
var (
	SubscribeMethods = map[string]string{
		"chain_subscribeNewHeads":        "chain_newHead",
		"state_subscribeStorage":         "state_storage",
		"author_submitAndWatchExtrinsic": "author_extrinsicUpdate",
		"eth_subscribe":                  "eth_subscription",
	}
	UnsubscribeMethods = map[string]string{
		"chain_unsubscribeNewHeads": "chain_newHead",
		"state_unsubscribeStorage":  "state_storage",
		"author_unwatchExtrinsic":   "author_extrinsicUpdate",
		"eth_unsubscribe":           "eth_subscription",
	}
)

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *peer) writeRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

type activeSub struct {
	peer         *peer
	notifyMethod string
}

// Node is a mock chain node.
type Node struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu              sync.Mutex
	peers           map[*peer]struct{}
	accepted        int
	maxOpen         int
	calls           map[string]int
	handlers        map[string]Handler
	silent          map[string]bool
	subs            map[string]activeSub
	nextSub         int
	notifyBeforeAck any
	ackDelay        time.Duration
	rejectAll       bool
}

// NewNode starts a node. Close it when done.
func NewNode() *Node {
	n := &Node{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		calls:    make(map[string]int),
		handlers: make(map[string]Handler),
		silent:   make(map[string]bool),
		subs:     make(map[string]activeSub),
	}
	n.handlers["system_health"] = func(json.RawMessage) (any, *types.RPCError) {
		return map[string]any{"peers": 3, "isSyncing": false, "shouldHavePeers": true}, nil
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.handleWebSocket))
	return n
}

// URL returns the ws:// address of the node.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Handle registers a method handler.
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// Silence makes the node never answer method.
func (n *Node) Silence(method string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silent[method] = true
}

// NotifyBeforeAck makes the node push result for every new subscription
// before acknowledging it. nil disables.
func (n *Node) NotifyBeforeAck(result any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifyBeforeAck = result
}

// DelayAcks holds every subscription acknowledgement for d.
func (n *Node) DelayAcks(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ackDelay = d
}

// RejectConnections makes the node refuse new handshakes.
func (n *Node) RejectConnections(reject bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectAll = reject
}

// Accepted returns the number of handshakes accepted so far.
func (n *Node) Accepted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted
}

// OpenConns returns the number of live connections.
func (n *Node) OpenConns() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// MaxOpenConns returns the highest number of simultaneously live connections.
func (n *Node) MaxOpenConns() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxOpen
}

// Calls returns how many times method was received.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// ActiveSubscriptions returns the number of live subscriptions with notifyMethod.
func (n *Node) ActiveSubscriptions(notifyMethod string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.subs {
		if s.notifyMethod == notifyMethod {
			count++
		}
	}
	return count
}

// Notify pushes result to every live subscription with notifyMethod and
// returns how many were notified.
func (n *Node) Notify(notifyMethod string, result any) int {
	n.mu.Lock()
	targets := make(map[string]*peer)
	for id, s := range n.subs {
		if s.notifyMethod == notifyMethod {
			targets[id] = s.peer
		}
	}
	n.mu.Unlock()

	sent := 0
	for id, p := range targets {
		if err := p.write(notificationFrame(notifyMethod, id, result)); err == nil {
			sent++
		}
	}
	return sent
}

// SendRaw writes b to every live connection.
func (n *Node) SendRaw(b []byte) {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		_ = p.writeRaw(b)
	}
}

// DropAll abruptly closes every live connection.
func (n *Node) DropAll() {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

// Close drops every connection and stops the server.
func (n *Node) Close() {
	n.DropAll()
	n.server.Close()
}

func (n *Node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	reject := n.rejectAll
	n.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	n.mu.Lock()
	n.peers[p] = struct{}{}
	n.accepted++
	if len(n.peers) > n.maxOpen {
		n.maxOpen = len(n.peers)
	}
	n.mu.Unlock()

	defer func() {
		conn.Close()
		n.mu.Lock()
		delete(n.peers, p)
		for id, s := range n.subs {
			if s.peer == p {
				delete(n.subs, id)
			}
		}
		n.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req types.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		n.serve(p, req)
	}
}

func (n *Node) serve(p *peer, req types.Request) {
	n.mu.Lock()
	n.calls[req.Method]++
	if n.silent[req.Method] {
		n.mu.Unlock()
		return
	}

	if notifyMethod, ok := SubscribeMethods[req.Method]; ok {
		n.nextSub++
		id := fmt.Sprintf("sub-%d", n.nextSub)
		n.subs[id] = activeSub{peer: p, notifyMethod: notifyMethod}
		early, delay := n.notifyBeforeAck, n.ackDelay
		n.mu.Unlock()

		if early != nil {
			_ = p.write(notificationFrame(notifyMethod, id, early))
		}
		time.Sleep(delay)
		_ = p.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": id})
		return
	}

	if notifyMethod, ok := UnsubscribeMethods[req.Method]; ok {
		var params []string
		_ = json.Unmarshal(req.Params, &params)
		found := false
		if len(params) == 1 {
			if s, exists := n.subs[params[0]]; exists && s.notifyMethod == notifyMethod && s.peer == p {
				delete(n.subs, params[0])
				found = true
			}
		}
		n.mu.Unlock()
		_ = p.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": found})
		return
	}

	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	if !ok {
		_ = p.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   types.RPCError{Code: -32601, Message: "Method not found"},
		})
		return
	}
	result, rpcErr := h(req.Params)
	if rpcErr != nil {
		_ = p.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": rpcErr})
		return
	}
	_ = p.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func notificationFrame(method, id string, result any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params": map[string]any{
			"subscription": id,
			"result":       result,
		},
	}
}

// DeadURL returns a ws:// URL that refuses connections.
func DeadURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(s.URL, "http")
	s.Close()
	return url
}

// Blackhole accepts TCP connections and never answers, so handshakes with
// it only end when the dialer gives up.
type Blackhole struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

// NewBlackhole listens on a random local port.
func NewBlackhole() *Blackhole {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("rpctest: listen: %v", err))
	}
	b := &Blackhole{ln: ln, done: make(chan struct{})}
	go b.accept()
	return b
}

func (b *Blackhole) accept() {
	defer close(b.done)
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
	}
}

// URL returns the ws:// URL of the listener.
func (b *Blackhole) URL() string {
	return "ws://" + b.ln.Addr().String()
}

// Accepted returns how many connections were accepted so far.
func (b *Blackhole) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops listening and drops every accepted connection.
func (b *Blackhole) Close() {
	b.ln.Close()
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}
