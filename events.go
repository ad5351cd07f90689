package rtchat

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Domain Events
// ============================================================================

// Event is a decoded realtime frame. Events are immutable and ephemeral:
// they are produced by the Dispatcher and consumed by zero or more
// subscribers, never persisted.
type Event interface {
	isEvent()
}

// MessageArrived carries a message pushed by the server.
type MessageArrived struct {
	Message Message
}

// PresenceChanged signals that a user went online or offline.
type PresenceChanged struct {
	IdentityID string
	Online     bool
}

// HeartbeatAck is the server's answer to a heartbeat ping.
type HeartbeatAck struct{}

// ServerError carries a server-side error delivered over the socket.
type ServerError struct {
	Detail string
}

func (MessageArrived) isEvent()  {}
func (PresenceChanged) isEvent() {}
func (HeartbeatAck) isEvent()    {}
func (ServerError) isEvent()     {}

// ============================================================================
// Wire Frames
// ============================================================================

const (
	frameMessage  = "message"
	framePresence = "online_status"
	framePing     = "ping"
	framePong     = "pong"
	frameError    = "error"
)

type presenceFrame struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type errorFrame struct {
	Detail string `json:"detail"`
}

// decodeFrame parses a raw frame into a domain event. A nil event with a nil
// error means the frame type is unknown and must be ignored.
func decodeFrame(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch head.Type {
	case frameMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message frame: %w", err)
		}
		return MessageArrived{Message: m}, nil
	case framePresence:
		var p presenceFrame
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode presence frame: %w", err)
		}
		return PresenceChanged{IdentityID: p.UserID, Online: p.Online}, nil
	case framePong:
		return HeartbeatAck{}, nil
	case frameError:
		var e errorFrame
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return ServerError{Detail: e.Detail}, nil
	default:
		return nil, nil
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// Subscriber is a callback receiving decoded domain events.
type Subscriber func(Event)

type subscription struct {
	id int64
	fn Subscriber
}

// Dispatcher decodes raw realtime frames and fans the resulting events out
// to every registered subscriber, synchronously and in registration order.
// Subscribe and the returned cancel func are safe to call at any time,
// including from inside a callback: dispatch iterates over a snapshot of the
// subscriber list.
type Dispatcher struct {
	mu   sync.Mutex
	subs []subscription
	next int64
	log  zerolog.Logger
}

// NewDispatcher creates a dispatcher. Pass zerolog.Nop() to silence it.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Subscribe registers a callback and returns its cancel func.
func (d *Dispatcher) Subscribe(fn Subscriber) (cancel func()) {
	d.mu.Lock()
	d.next++
	id := d.next
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch decodes a raw frame and broadcasts it. Unknown frame types are
// silently ignored; malformed frames return an error and nothing is
// dispatched.
func (d *Dispatcher) Dispatch(data []byte) error {
	ev, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	d.Publish(ev)
	return nil
}

// Publish broadcasts an already-decoded event to all subscribers.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	snapshot := make([]subscription, len(d.subs))
	copy(snapshot, d.subs)
	d.mu.Unlock()

	for _, s := range snapshot {
		s.fn(ev)
	}
}
