// Package airtv discovers Apple media devices (Apple TV, HomePod, AirPort
// Express, iTunes) on the local network and controls them over the DMAP,
// MRP, Companion, AirPlay, and RAOP protocols behind one unified device
// interface.
package airtv

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/facade"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/airplay"
	"github.com/airtv-go/airtv/internal/protocols/companion"
	"github.com/airtv-go/airtv/internal/protocols/dmapproto"
	"github.com/airtv-go/airtv/internal/protocols/mrp"
	"github.com/airtv-go/airtv/internal/protocols/raop"
	"github.com/airtv-go/airtv/internal/storage"
)

// UnicastPortEnv overrides the unicast mDNS port.
const UnicastPortEnv = "NODEATV_UDNS_PORT"

// ScanOptions controls discovery.
type ScanOptions struct {
	// Timeout bounds the scan; zero means 3 seconds.
	Timeout time.Duration
	// Hosts forces unicast scanning of the given addresses.
	Hosts []netip.Addr
	// Identifiers finishes a multicast scan early once any of them is seen.
	Identifiers []string
	// Registry supplies stored credentials and passwords to the discovered
	// services. Optional.
	Registry *storage.Registry
}

// newScanner wires every protocol's scan hooks into one scanner.
func newScanner() *mdns.Scanner {
	scanner := mdns.NewScanner()
	handlerSets := []map[string]mdns.ServiceHandler{
		mrp.Scan(), dmapproto.Scan(), companion.Scan(), airplay.Scan(), raop.Scan(),
	}
	for _, handlers := range handlerSets {
		for serviceType, handler := range handlers {
			scanner.AddHandler(serviceType, handler)
		}
	}
	for _, fn := range []mdns.DeviceInfoFn{
		mrp.DeviceInfo, dmapproto.DeviceInfo, companion.DeviceInfo, airplay.DeviceInfo, raop.DeviceInfo,
	} {
		scanner.AddDeviceInfo(fn)
	}
	scanner.SetServiceInfo(models.ProtocolMRP, mrp.ServiceInfo)
	scanner.SetServiceInfo(models.ProtocolDMAP, dmapproto.ServiceInfo)
	scanner.SetServiceInfo(models.ProtocolCompanion, companion.ServiceInfo)
	scanner.SetServiceInfo(models.ProtocolAirPlay, airplay.ServiceInfo)
	scanner.SetServiceInfo(models.ProtocolRAOP, raop.ServiceInfo)
	return scanner
}

// Scan discovers devices and returns their configurations sorted by
// address. Stored credentials and passwords from the options registry are
// applied after the per-protocol service refinement has run; a service that
// receives stored credentials is marked as not needing pairing, and the
// refinement is not run again.
func Scan(ctx context.Context, opts ScanOptions) ([]*models.DeviceConfig, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scanner := newScanner()
	found := make(map[netip.Addr]*models.DeviceConfig)
	if len(opts.Hosts) > 0 {
		port := unicastPort()
		for _, host := range opts.Hosts {
			configs, err := scanner.DiscoverUnicast(scanCtx, host, port)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", host, err)
			}
			for addr, config := range configs {
				found[addr] = config
			}
		}
	} else {
		configs, err := scanner.DiscoverMulticast(scanCtx, opts.Identifiers)
		if err != nil {
			return nil, err
		}
		found = configs
	}

	out := make([]*models.DeviceConfig, 0, len(found))
	for _, config := range found {
		finishConfig(config, opts.Registry)
		out = append(out, config)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

// finishConfig applies stored settings and the implied RAOP sibling.
func finishConfig(config *models.DeviceConfig, registry *storage.Registry) {
	if registry != nil {
		if identifier := config.Identifier(); identifier != "" {
			if device, ok := registry.Devices[identifier]; ok {
				for _, service := range config.Services() {
					if stored, ok := device.Protocols[service.Protocol.String()]; ok {
						if stored.Credentials != "" {
							service.Credentials = stored.Credentials
							service.Pairing = models.PairingNotNeeded
						}
						if stored.Password != "" {
							service.Password = stored.Password
						}
					}
				}
			}
		}
	}
	if airplay.NeedsSyntheticRaop(config) {
		config.AddService(airplay.SyntheticRaopService(config.Service(models.ProtocolAirPlay)))
	}
}

func unicastPort() uint16 {
	if value := os.Getenv(UnicastPortEnv); value != "" {
		if port, err := strconv.ParseUint(value, 10, 16); err == nil {
			return uint16(port)
		}
	}
	return mdns.MulticastPort
}

// DeviceListener observes connection lifetime; see core.DeviceListener.
type DeviceListener = core.DeviceListener

// Connect builds a facade over every enabled service of the configuration
// and runs all protocol connect callbacks. At least one protocol must
// succeed.
func Connect(ctx context.Context, config *models.DeviceConfig, listener DeviceListener) (*facade.AppleTV, error) {
	services := config.Services()
	if len(services) == 0 {
		return nil, models.ErrNoService
	}

	atv := facade.NewAppleTV(config, listener)
	for _, service := range services {
		if !service.Enabled {
			continue
		}
		c := &core.Core{
			Config:          config,
			Service:         service,
			StateDispatcher: atv.Dispatcher,
			DeviceListener:  atv.DeviceListener(),
		}
		for _, data := range setupService(c) {
			atv.AddSetupData(data)
		}
	}

	if err := atv.Connect(ctx); err != nil {
		return nil, err
	}
	return atv, nil
}

func setupService(c *core.Core) []core.SetupData {
	switch c.Service.Protocol {
	case models.ProtocolMRP:
		return mrp.Setup(c)
	case models.ProtocolDMAP:
		return dmapproto.Setup(c)
	case models.ProtocolCompanion:
		return companion.Setup(c)
	case models.ProtocolAirPlay:
		return airplay.Setup(c)
	case models.ProtocolRAOP:
		return raop.Setup(c)
	default:
		return nil
	}
}

// PairOptions parameterizes a pairing flow.
type PairOptions struct {
	// Name is the remote name shown on the device (DMAP).
	Name string
	// PIN preseeds the PIN for flows where this side provides it.
	PIN string
}

// Pair creates a pairing handler for one protocol of the device. The
// caller drives Begin, Pin, and Finish; on success the credentials are
// stored on the service.
func Pair(ctx context.Context, config *models.DeviceConfig, protocol models.Protocol, opts PairOptions) (core.PairingHandler, error) {
	service := config.Service(protocol)
	if service == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNoService, protocol)
	}
	switch service.Pairing {
	case models.PairingUnsupported:
		return nil, fmt.Errorf("%w: %s does not support pairing", models.ErrNotSupported, protocol)
	case models.PairingDisabled:
		return nil, fmt.Errorf("%w: pairing is disabled on %s", models.ErrNotSupported, protocol)
	}

	c := &core.Core{Config: config, Service: service, StateDispatcher: core.NewStateDispatcher()}
	switch protocol {
	case models.ProtocolDMAP:
		name := opts.Name
		if name == "" {
			name = "airtv"
		}
		return dmapproto.Pair(c, name, opts.PIN), nil
	case models.ProtocolMRP:
		return mrp.Pair(c), nil
	case models.ProtocolCompanion:
		return companion.Pair(c), nil
	case models.ProtocolAirPlay, models.ProtocolRAOP:
		return airplay.Pair(c), nil
	default:
		return nil, fmt.Errorf("%w: pairing for %s", models.ErrNotSupported, protocol)
	}
}

// DeviceInfo derives the aggregated device information for a scanned
// configuration.
func DeviceInfo(config *models.DeviceConfig) *models.DeviceInfo {
	raws := make([]models.RawService, 0, len(config.Services()))
	for _, service := range config.Services() {
		raws = append(raws, models.RawService{
			Type:       serviceTypeFor(service.Protocol),
			Properties: service.Properties,
		})
	}
	return newScanner().DeviceInfo(config, raws)
}

func serviceTypeFor(protocol models.Protocol) string {
	switch protocol {
	case models.ProtocolMRP:
		return mrp.ServiceType
	case models.ProtocolDMAP:
		return dmapproto.ServiceTypeTouchAble
	case models.ProtocolCompanion:
		return companion.ServiceType
	case models.ProtocolAirPlay:
		return airplay.ServiceType
	case models.ProtocolRAOP:
		return raop.ServiceType
	default:
		return ""
	}
}
