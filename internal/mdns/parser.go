// Package mdns implements DNS-SD service discovery: query construction,
// unicast and multicast scanning, and aggregation of responses into
// per-address service tables.
package mdns

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/airtv-go/airtv/internal/dnsmsg"
	"github.com/airtv-go/airtv/internal/models"
)

// SleepProxyService is the service advertised by sleep proxies; it is
// queried on every scan to detect devices in deep sleep.
const SleepProxyService = "_sleep-proxy._udp.local"

// DeviceInfoService carries the model name TXT record.
const DeviceInfoService = "_device-info._tcp.local"

// ServiceParser accumulates resource records from one responding address
// and derives the services it advertises. Duplicate records (same qname,
// qtype, qclass, ttl, and rdata) are discarded.
type ServiceParser struct {
	seen  map[string]struct{}
	table map[string]dnsmsg.Resource // (qname, qtype) -> most recent record
	ptrs  map[string]string          // service type -> instance name
}

// NewServiceParser creates an empty parser.
func NewServiceParser() *ServiceParser {
	return &ServiceParser{
		seen:  make(map[string]struct{}),
		table: make(map[string]dnsmsg.Resource),
		ptrs:  make(map[string]string),
	}
}

func tableKey(qname string, qtype uint16) string {
	return fmt.Sprintf("%s/%d", strings.ToLower(qname), qtype)
}

// AddMessage folds one response message into the table.
func (p *ServiceParser) AddMessage(msg *dnsmsg.Message) {
	for _, section := range [][]dnsmsg.Resource{msg.Answers, msg.Authorities, msg.Resources} {
		for _, r := range section {
			key := r.Key()
			if _, dup := p.seen[key]; dup {
				continue
			}
			p.seen[key] = struct{}{}

			if r.QType == dnsmsg.TypePTR && strings.HasPrefix(r.QName, "_") {
				if instance, ok := r.Value.(string); ok {
					p.ptrs[strings.ToLower(r.QName)] = instance
				}
				continue
			}
			p.table[tableKey(r.QName, r.QType)] = r
		}
	}
}

// Services derives the advertised services from the accumulated records.
func (p *ServiceParser) Services() []models.RawService {
	types := make([]string, 0, len(p.ptrs))
	for t := range p.ptrs {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []models.RawService
	for _, serviceType := range types {
		instance := p.ptrs[serviceType]
		service := models.RawService{
			Type:       serviceType,
			Name:       strings.TrimSuffix(instance, "."+serviceType),
			Properties: map[string]string{},
		}

		if r, ok := p.table[tableKey(instance, dnsmsg.TypeSRV)]; ok {
			if srv, ok := r.Value.(dnsmsg.SrvRecord); ok {
				service.Port = srv.Port
				if a, ok := p.table[tableKey(srv.Target, dnsmsg.TypeA)]; ok {
					if addr, ok := a.Value.(netip.Addr); ok && !isLinkLocal(addr) {
						service.Address = addr
					}
				}
			}
		}
		if r, ok := p.table[tableKey(instance, dnsmsg.TypeTXT)]; ok {
			if txt, ok := r.Value.(map[string]string); ok {
				service.Properties = txt
			}
		}
		out = append(out, service)
	}
	return out
}

// DeepSleep reports whether the responder looks asleep: it advertised at
// least one service and every one of them has port 0.
func (p *ServiceParser) DeepSleep() bool {
	services := p.Services()
	if len(services) == 0 {
		return false
	}
	for _, s := range services {
		if s.Port != 0 {
			return false
		}
	}
	return true
}

// isLinkLocal filters 169.254.0.0/16 addresses, which are unusable for
// control connections.
func isLinkLocal(addr netip.Addr) bool {
	return addr.Is4() && addr.IsLinkLocalUnicast()
}

// UniqueIdentifiers returns the distinct service identifiers found so far,
// used by scan end-conditions.
func (p *ServiceParser) UniqueIdentifiers() []string {
	set := make(map[string]struct{})
	for _, s := range p.Services() {
		for _, key := range []string{"uniqueidentifier", "deviceid", "psi", "pi"} {
			if v, ok := s.Properties[key]; ok && v != "" {
				set[v] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
