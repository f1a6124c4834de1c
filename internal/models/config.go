package models

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// DeviceConfig aggregates every service discovered for one device address.
// At most one service per protocol is kept; adding a second service for the
// same protocol merges into the existing one.
type DeviceConfig struct {
	Address   netip.Addr
	Name      string
	DeepSleep bool
	Model     string

	services map[Protocol]*MutableService
}

// NewDeviceConfig creates an empty configuration for a device address.
func NewDeviceConfig(address netip.Addr) *DeviceConfig {
	return &DeviceConfig{
		Address:  address,
		services: make(map[Protocol]*MutableService),
	}
}

// AddService attaches a service to the configuration, merging with any
// previously added service of the same protocol.
func (c *DeviceConfig) AddService(service *MutableService) {
	if existing, ok := c.services[service.Protocol]; ok {
		existing.Merge(service)
		return
	}
	c.services[service.Protocol] = service
}

// Service returns the service for a protocol, or nil.
func (c *DeviceConfig) Service(protocol Protocol) *MutableService {
	return c.services[protocol]
}

// Services returns all attached services in stable protocol order.
func (c *DeviceConfig) Services() []*MutableService {
	out := make([]*MutableService, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// Identifier returns the first non-empty service identifier in the priority
// order MRP, DMAP, AirPlay, RAOP, Companion, or "" when none is known.
func (c *DeviceConfig) Identifier() string {
	for _, p := range IdentifierPriority {
		if s, ok := c.services[p]; ok && s.Identifier != "" {
			return s.Identifier
		}
	}
	return ""
}

// AllIdentifiers returns every non-empty service identifier.
func (c *DeviceConfig) AllIdentifiers() []string {
	var out []string
	for _, s := range c.Services() {
		if s.Identifier != "" {
			out = append(out, s.Identifier)
		}
	}
	return out
}

// SetCredentials stores credentials on the service for the given protocol.
// It fails when the device has no such service.
func (c *DeviceConfig) SetCredentials(protocol Protocol, credentials string) error {
	s := c.services[protocol]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoService, protocol)
	}
	s.Credentials = credentials
	return nil
}

func (c *DeviceConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s", c.Name, c.Address)
	if c.DeepSleep {
		b.WriteString(" (deep sleep)")
	}
	for _, s := range c.Services() {
		fmt.Fprintf(&b, "\n  %s port %d", s.Protocol, s.Port)
	}
	return b.String()
}
