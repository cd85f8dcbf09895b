package connector

import "time"

// EventKind names a connector event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStale
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Event is emitted for every chain socket the connector holds.
type Event struct {
	Kind    EventKind
	ChainID string
	URL     string
	Err     error
	// NextBackoff is set on EventStale.
	NextBackoff time.Duration
}

// On registers h for kind and returns a function that removes it.
func (c *Connector) On(kind EventKind, h func(Event)) func() {
	return c.events.On(kind, h)
}

func (c *Connector) emit(e Event) {
	c.events.Emit(e.Kind, e)
}
