package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	requestWait    = 10 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// SubscriptionFrame is pushed to bridge clients. Exactly one field is set.
type SubscriptionFrame struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// bridgeClient is one websocket client holding a single subscription.
type bridgeClient struct {
	conn    *websocket.Conn
	send    chan SubscriptionFrame
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
	dropped atomic.Int64
}

func (c *bridgeClient) close() {
	c.once.Do(func() { close(c.done) })
}

// push never blocks; frames are dropped when the client falls behind.
func (c *bridgeClient) push(frame SubscriptionFrame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("dropping subscription frame for slow client", zap.Int64("dropped", n))
	}
}

// subscribe upgrades the request and bridges one Connector subscription to
// the client. The client sends a single types.SubscribeRequest frame and then
// only receives. Closing the socket unsubscribes.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	chainID := mux.Vars(r)["chainId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(requestWait))

	var req types.SubscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeFrame(conn, SubscriptionFrame{Error: &ErrorBody{Message: "invalid subscribe frame: " + err.Error()}})
		return
	}
	if req.SubscribeMethod == "" || req.UnsubscribeMethod == "" || req.NotifyMethod == "" {
		writeFrame(conn, SubscriptionFrame{Error: &ErrorBody{Message: "subscribe, unsubscribe and notify are required"}})
		return
	}

	client := &bridgeClient{
		conn:   conn,
		send:   make(chan SubscriptionFrame, sendBufferSize),
		done:   make(chan struct{}),
		logger: s.logger.With(zap.String("chain", chainID), zap.String("method", req.SubscribeMethod)),
	}
	client.logger.Debug("bridge client subscribed")

	unsubscribe := s.connector.Subscribe(chainID, req, func(result json.RawMessage, err error) {
		if err != nil {
			_, body := errorResponse(err)
			client.push(SubscriptionFrame{Error: body})
			return
		}
		client.push(SubscriptionFrame{Result: result})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(client)
	}()

	s.readPump(client)
	client.close()
	unsubscribe()
	wg.Wait()
	client.logger.Debug("bridge client closed")
}

// readPump discards client frames until the connection closes
func (s *Server) readPump(client *bridgeClient) {
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				client.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump handles outgoing frames to a client
func (s *Server) writePump(client *bridgeClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-client.send:
			if err := writeFrame(client.conn, frame); err != nil {
				client.logger.Debug("websocket write error", zap.Error(err))
				client.close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame SubscriptionFrame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
