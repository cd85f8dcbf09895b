package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/types"
)

// maxEarlyNotifications caps how many notifications are held for a
// subscription whose acknowledgement has not arrived yet.
const maxEarlyNotifications = 16

type notification struct {
	result json.RawMessage
	err    error
}

type bufferedNotifications struct {
	receivedAt time.Time
	items      []notification
}

// readLoop delivers frames of one connection generation in arrival order.
func (s *Socket) readLoop(conn *websocket.Conn, url string, gen uint64) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, fmt.Errorf("%w: %w", ErrDisconnected, &TransportError{URL: url, Err: err}))
			return
		}
		if msgType != websocket.TextMessage {
			s.malformed(url, fmt.Errorf("%w: unexpected frame type %d", ErrMalformedFrame, msgType))
			continue
		}
		s.dispatch(url, data)
	}
}

func (s *Socket) dispatch(url string, data []byte) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.malformed(url, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	if msg.IsNotification() {
		s.dispatchNotification(url, &msg)
		return
	}
	s.dispatchResponse(url, &msg)
}

func (s *Socket) dispatchResponse(url string, msg *types.Message) {
	id, err := types.ParseRequestID(msg.ID)
	if err != nil {
		s.malformed(url, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}

	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("response for unknown request", zap.Uint64("id", id))
		return
	}
	if msg.Error != nil {
		p.resolve(nil, msg.Error)
		return
	}
	if p.sub == nil {
		p.resolve(msg.Result, nil)
		return
	}

	subID, err := types.SubscriptionID(msg.Result)
	if err != nil {
		p.resolve(nil, fmt.Errorf("%s: %w", p.method, err))
		return
	}
	buffered, orphan := s.register(p, subID)
	if orphan {
		p.resolve(msg.Result, nil)
		go s.dropRemote(p.sub, subID)
		return
	}
	for _, n := range buffered {
		s.deliver(p.sub, n.result, n.err)
	}
	p.resolve(msg.Result, nil)
}

func (s *Socket) dispatchNotification(url string, msg *types.Message) {
	if msg.Params == nil {
		s.malformed(url, fmt.Errorf("%w: notification %s without params", ErrMalformedFrame, msg.Method))
		return
	}
	subID, err := types.SubscriptionID(msg.Params.Subscription)
	if err != nil {
		s.malformed(url, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}

	n := notification{result: msg.Params.Result}
	if msg.Params.Error != nil {
		n = notification{err: msg.Params.Error}
	}

	key := subKey{notifyMethod: msg.Method, id: subID}
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		b, exists := s.early[key]
		if !exists {
			b = &bufferedNotifications{receivedAt: time.Now()}
			s.early[key] = b
		}
		if len(b.items) < maxEarlyNotifications {
			b.items = append(b.items, n)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.deliver(sub, n.result, n.err)
}

func (s *Socket) malformed(url string, err error) {
	s.logger.Warn("dropping frame", zap.String("url", url), zap.Error(err))
	s.emit(Event{Kind: EventError, URL: url, Err: err})
}
