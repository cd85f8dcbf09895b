package transport

import "time"

// EventKind enumerates the lifecycle events a Socket emits.
type EventKind int

const (
	// EventConnected fires after an endpoint was opened.
	EventConnected EventKind = iota
	// EventDisconnected fires after the open endpoint closed for any reason.
	EventDisconnected
	// EventError fires for dial failures and malformed frames.
	EventError
	// EventStaleRPCs fires once per full rotation through the endpoint list
	// without a successful connect.
	EventStaleRPCs
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventStaleRPCs:
		return "stale-rpcs"
	default:
		return "unknown"
	}
}

// Event is the payload delivered to handlers registered with Socket.On.
type Event struct {
	Kind EventKind
	// URL is the endpoint the event relates to, when there is one.
	URL string
	// Err is set for EventError and for EventDisconnected.
	Err error
	// NextBackoff is set for EventStaleRPCs: the interval the next exhausted
	// rotation will wait, suitable for persisting.
	NextBackoff time.Duration
}

// On registers h for kind. The returned function removes the handler.
// Handlers run synchronously on the goroutine that produced the event.
func (s *Socket) On(kind EventKind, h func(Event)) func() {
	return s.events.On(kind, h)
}

func (s *Socket) emit(e Event) {
	s.events.Emit(e.Kind, e)
}
