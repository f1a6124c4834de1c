package mdns

import (
	"context"
	"net/netip"
	"sort"

	"github.com/airtv-go/airtv/internal/models"
)

// ServiceHandler converts raw mDNS records of one service type into a
// control service and extracts the device display name.
type ServiceHandler struct {
	Protocol   models.Protocol
	Parse      func(raw models.RawService) *models.MutableService
	DeviceName func(raw models.RawService) string
}

// DeviceInfoFn contributes device attributes derived from one service's
// TXT properties; returned keys follow the models.DeviceInfo merge names.
type DeviceInfoFn func(serviceType string, properties map[string]string) map[string]any

// ServiceInfoFn lets a protocol refine its service after the whole device
// is known; it may mutate pairing requirements and password flags.
type ServiceInfoFn func(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService)

// Scanner aggregates per-protocol scan hooks and turns parsed mDNS
// responses into device configurations. The device-info and sleep-proxy
// services are always queried in addition to the registered types.
type Scanner struct {
	handlers    map[string]ServiceHandler
	deviceInfo  []DeviceInfoFn
	serviceInfo map[models.Protocol]ServiceInfoFn
}

// NewScanner creates an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{
		handlers:    make(map[string]ServiceHandler),
		serviceInfo: make(map[models.Protocol]ServiceInfoFn),
	}
}

// AddHandler registers a handler for one service type.
func (s *Scanner) AddHandler(serviceType string, handler ServiceHandler) {
	s.handlers[serviceType] = handler
}

// AddDeviceInfo registers a device info extractor.
func (s *Scanner) AddDeviceInfo(fn DeviceInfoFn) {
	s.deviceInfo = append(s.deviceInfo, fn)
}

// SetServiceInfo registers a protocol's post-scan service refiner.
func (s *Scanner) SetServiceInfo(protocol models.Protocol, fn ServiceInfoFn) {
	s.serviceInfo[protocol] = fn
}

// ServiceTypes returns every service type the scanner queries for.
func (s *Scanner) ServiceTypes() []string {
	out := make([]string, 0, len(s.handlers)+2)
	for t := range s.handlers {
		out = append(out, t)
	}
	out = append(out, DeviceInfoService)
	sort.Strings(out)
	return out
}

// DiscoverUnicast runs a unicast scan against one host.
func (s *Scanner) DiscoverUnicast(ctx context.Context, addr netip.Addr, port uint16) (map[netip.Addr]*models.DeviceConfig, error) {
	parser, err := ScanUnicast(ctx, addr, port, s.ServiceTypes())
	if err != nil {
		return nil, err
	}
	return s.Process(map[netip.Addr]*ServiceParser{addr: parser}), nil
}

// DiscoverMulticast runs a multicast scan across all private interfaces.
// When identifiers is non-empty the scan finishes as soon as any of them
// is seen.
func (s *Scanner) DiscoverMulticast(ctx context.Context, identifiers []string) (map[netip.Addr]*models.DeviceConfig, error) {
	var end EndCondition
	if len(identifiers) > 0 {
		end = IdentifierEndCondition(identifiers)
	}
	parsers, err := ScanMulticast(ctx, s.ServiceTypes(), end)
	if err != nil {
		return nil, err
	}
	return s.Process(parsers), nil
}

// Process builds one device configuration per responding address: every
// handled service is parsed and registered, device attributes are derived,
// and each protocol's service-info callback runs last with the full
// sibling set.
func (s *Scanner) Process(parsers map[netip.Addr]*ServiceParser) map[netip.Addr]*models.DeviceConfig {
	out := make(map[netip.Addr]*models.DeviceConfig, len(parsers))
	for addr, parser := range parsers {
		config := s.processOne(addr, parser)
		if config != nil {
			out[addr] = config
		}
	}
	return out
}

func (s *Scanner) processOne(addr netip.Addr, parser *ServiceParser) *models.DeviceConfig {
	raws := parser.Services()
	if len(raws) == 0 {
		return nil
	}

	config := models.NewDeviceConfig(addr)
	config.DeepSleep = parser.DeepSleep()

	for _, raw := range raws {
		if raw.Type == DeviceInfoService {
			if model, ok := raw.Properties["model"]; ok {
				config.Model = model
			}
			continue
		}
		handler, ok := s.handlers[raw.Type]
		if !ok {
			continue
		}
		if name := handler.DeviceName(raw); name != "" && config.Name == "" {
			config.Name = name
		}
		// Port 0 records mark deep sleep but cannot be used for control.
		if raw.Port == 0 && !config.DeepSleep {
			continue
		}
		if service := handler.Parse(raw); service != nil {
			config.AddService(service)
		}
	}
	if len(config.Services()) == 0 {
		return nil
	}
	if config.Name == "" {
		config.Name = raws[0].Name
	}

	info := s.DeviceInfo(config, raws)
	services := config.Services()
	for _, service := range services {
		if fn, ok := s.serviceInfo[service.Protocol]; ok {
			fn(service, info, services)
		}
	}
	return config
}

// DeviceInfo aggregates device attributes from every raw service using the
// registered extractors.
func (s *Scanner) DeviceInfo(config *models.DeviceConfig, raws []models.RawService) *models.DeviceInfo {
	info := models.NewDeviceInfo(models.DeviceInfo{RawModel: config.Model})
	for _, raw := range raws {
		for _, fn := range s.deviceInfo {
			if attrs := fn(raw.Type, raw.Properties); attrs != nil {
				info.Merge(attrs)
			}
		}
	}
	return info
}
