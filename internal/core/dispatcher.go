package core

import (
	"log/slog"
	"sync"

	"github.com/airtv-go/airtv/internal/models"
)

// UpdatedState names a topic on the state dispatcher.
type UpdatedState int

const (
	StatePlaying UpdatedState = iota
	StateVolume
	StatePower
	StateConnection
)

// StateMessage is one device state change, stamped with the protocol that
// produced it so multi-protocol devices can tell concurrent sources apart.
type StateMessage struct {
	Protocol models.Protocol
	State    UpdatedState
	Value    any
}

// Filter decides whether a listener sees a message.
type Filter func(StateMessage) bool

type listener struct {
	fn     func(StateMessage)
	filter Filter
	gone   bool
}

// Subscription is a handle to a registered listener.
type Subscription struct {
	d *StateDispatcher
	l *listener
}

// Cancel removes the listener; it is safe to call more than once.
func (s *Subscription) Cancel() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.l.gone = true
}

// StateDispatcher is a topic-indexed multicast for state messages.
// Listeners for one topic are invoked in registration order; a panicking
// listener is logged and skipped so one bad subscriber cannot starve the
// rest.
type StateDispatcher struct {
	mu        sync.Mutex
	listeners map[UpdatedState][]*listener
}

// NewStateDispatcher creates an empty dispatcher.
func NewStateDispatcher() *StateDispatcher {
	return &StateDispatcher{listeners: make(map[UpdatedState][]*listener)}
}

// ListenTo registers a listener for one topic. A nil filter matches all
// messages.
func (d *StateDispatcher) ListenTo(state UpdatedState, fn func(StateMessage), filter Filter) *Subscription {
	l := &listener{fn: fn, filter: filter}
	d.mu.Lock()
	d.listeners[state] = append(d.listeners[state], l)
	d.mu.Unlock()
	return &Subscription{d: d, l: l}
}

// Dispatch delivers a message to every matching listener of its topic.
// Delivery for one (protocol, topic) pair preserves submission order.
func (d *StateDispatcher) Dispatch(msg StateMessage) {
	d.mu.Lock()
	registered := d.listeners[msg.State]
	active := make([]*listener, 0, len(registered))
	kept := registered[:0]
	for _, l := range registered {
		if l.gone {
			continue
		}
		kept = append(kept, l)
		active = append(active, l)
	}
	d.listeners[msg.State] = kept
	d.mu.Unlock()

	for _, l := range active {
		if l.filter != nil && !l.filter(msg) {
			continue
		}
		deliver(l.fn, msg)
	}
}

func deliver(fn func(StateMessage), msg StateMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("dispatcher: listener panicked", "state", msg.State, "panic", r)
		}
	}()
	fn(msg)
}

// ProtocolStateDispatcher wraps a StateDispatcher and stamps every
// dispatched value with its originating protocol.
type ProtocolStateDispatcher struct {
	protocol models.Protocol
	inner    *StateDispatcher
}

// ProtocolDispatcher derives a protocol-stamping view of the dispatcher.
func (d *StateDispatcher) ProtocolDispatcher(protocol models.Protocol) *ProtocolStateDispatcher {
	return &ProtocolStateDispatcher{protocol: protocol, inner: d}
}

// Dispatch stamps the value with the wrapped protocol and forwards it.
func (p *ProtocolStateDispatcher) Dispatch(state UpdatedState, value any) {
	p.inner.Dispatch(StateMessage{Protocol: p.protocol, State: state, Value: value})
}

// ListenTo registers on the underlying dispatcher.
func (p *ProtocolStateDispatcher) ListenTo(state UpdatedState, fn func(StateMessage), filter Filter) *Subscription {
	return p.inner.ListenTo(state, fn, filter)
}
