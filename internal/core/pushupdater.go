package core

import (
	"sync"

	"github.com/airtv-go/airtv/internal/models"
)

// PushUpdaterBase implements the shared push-update pipeline: it compares
// each posted snapshot against the last one with full-field equality,
// suppresses duplicates, dispatches a state message, and delivers the
// update to subscribed listeners. Protocol updaters embed it and drive
// their native playstatus source.
type PushUpdaterBase struct {
	Dispatcher *ProtocolStateDispatcher

	mu        sync.Mutex
	last      *models.Playing
	listeners map[int]PushListener
	nextID    int
}

// Subscribe registers a listener and returns its cancel function.
func (p *PushUpdaterBase) Subscribe(listener PushListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners == nil {
		p.listeners = make(map[int]PushListener)
	}
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// HasListeners reports whether anyone is subscribed.
func (p *PushUpdaterBase) HasListeners() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners) > 0
}

// PostUpdate publishes a snapshot unless it equals the previous one.
func (p *PushUpdaterBase) PostUpdate(playing *models.Playing) {
	p.mu.Lock()
	if p.last != nil && p.last.Equal(playing) {
		p.mu.Unlock()
		return
	}
	copied := *playing
	p.last = &copied
	listeners := make([]PushListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	if p.Dispatcher != nil {
		p.Dispatcher.Dispatch(StatePlaying, playing)
	}
	for _, l := range listeners {
		go l.PlaystatusUpdate(playing)
	}
}

// PostError forwards a source failure to every listener.
func (p *PushUpdaterBase) PostError(err error) {
	p.mu.Lock()
	listeners := make([]PushListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()
	for _, l := range listeners {
		go l.PlaystatusError(err)
	}
}

// Reset clears the duplicate-suppression state, used when a source
// restarts.
func (p *PushUpdaterBase) Reset() {
	p.mu.Lock()
	p.last = nil
	p.mu.Unlock()
}
