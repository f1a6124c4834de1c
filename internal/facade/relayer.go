// Package facade multiplexes the connected protocol implementations
// behind one device interface: capability relayers with priority routing
// and takeover, aggregated features, and the unified push update surface.
package facade

import (
	"fmt"
	"sync"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
)

// DefaultPriorities is the protocol order consulted for most capabilities.
var DefaultPriorities = []models.Protocol{
	models.ProtocolMRP, models.ProtocolDMAP, models.ProtocolCompanion,
	models.ProtocolAirPlay, models.ProtocolRAOP,
}

// PowerPriorities is the protocol order for the power capability.
var PowerPriorities = []models.Protocol{
	models.ProtocolCompanion, models.ProtocolMRP, models.ProtocolDMAP,
	models.ProtocolAirPlay, models.ProtocolRAOP,
}

// Relayer routes capability commands to the highest-priority protocol
// whose implementation declares support. At most one implementation per
// protocol is held; a takeover protocol, when set, is consulted first.
type Relayer struct {
	mu         sync.Mutex
	priorities []models.Protocol
	takeover   models.Protocol
	impls      map[models.Protocol]any
}

// NewRelayer creates a relayer with the given priority order.
func NewRelayer(priorities []models.Protocol) *Relayer {
	return &Relayer{
		priorities: priorities,
		impls:      make(map[models.Protocol]any),
	}
}

// Register attaches a protocol's implementation. A nil implementation is
// ignored so setup records can be registered wholesale.
func (r *Relayer) Register(impl any, protocol models.Protocol) {
	if impl == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[protocol] = impl
}

// SetTakeover routes everything through one protocol; zero clears it.
func (r *Relayer) SetTakeover(protocol models.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.takeover = protocol
}

func (r *Relayer) order() []models.Protocol {
	if r.takeover != 0 {
		out := make([]models.Protocol, 0, len(r.priorities)+1)
		out = append(out, r.takeover)
		for _, p := range r.priorities {
			if p != r.takeover {
				out = append(out, p)
			}
		}
		return out
	}
	return r.priorities
}

// MainProtocol returns the first protocol in priority order (takeover
// included) with a registered implementation, or zero when empty.
func (r *Relayer) MainProtocol() models.Protocol {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.order() {
		if _, ok := r.impls[p]; ok {
			return p
		}
	}
	return 0
}

// Relay picks the implementation for one command: the first registered
// protocol in order whose implementation supports it. Implementations
// without support flags are assumed to support everything they expose.
func (r *Relayer) Relay(cmd core.Command) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.order() {
		impl, ok := r.impls[p]
		if !ok {
			continue
		}
		if supporter, ok := impl.(core.Supporter); ok && !supporter.Supports(cmd) {
			continue
		}
		return impl, nil
	}
	return nil, fmt.Errorf("%w: command %d", models.ErrNotSupported, cmd)
}

// Count returns the number of registered implementations.
func (r *Relayer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.impls)
}
