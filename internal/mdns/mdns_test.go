package mdns_test

import (
	"net/netip"
	"testing"

	"github.com/airtv-go/airtv/internal/dnsmsg"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
)

func mrpResponse(port uint16) *dnsmsg.Message {
	return &dnsmsg.Message{
		Flags: dnsmsg.FlagsResponse,
		Answers: []dnsmsg.Resource{
			{
				QName: "_mediaremotetv._tcp.local", QType: dnsmsg.TypePTR, QClass: 1, TTL: 120,
				Value: "Kitchen._mediaremotetv._tcp.local",
			},
		},
		Resources: []dnsmsg.Resource{
			{
				QName: "Kitchen._mediaremotetv._tcp.local", QType: dnsmsg.TypeSRV, QClass: 1, TTL: 120,
				Value: dnsmsg.SrvRecord{Port: port, Target: "Kitchen.local"},
			},
			{
				QName: "Kitchen._mediaremotetv._tcp.local", QType: dnsmsg.TypeTXT, QClass: 1, TTL: 120,
				Value: map[string]string{"uniqueidentifier": "mrp_id_1", "name": "Kitchen"},
			},
			{
				QName: "Kitchen.local", QType: dnsmsg.TypeA, QClass: 1, TTL: 120,
				Value: netip.MustParseAddr("127.0.0.1"),
			},
		},
	}
}

func TestServiceParserAggregatesOneService(t *testing.T) {
	parser := mdns.NewServiceParser()
	parser.AddMessage(mrpResponse(1234))

	services := parser.Services()
	if len(services) != 1 {
		t.Fatalf("got %d services, want 1", len(services))
	}
	s := services[0]
	if s.Type != "_mediaremotetv._tcp.local" || s.Name != "Kitchen" {
		t.Errorf("service = %+v", s)
	}
	if s.Address != netip.MustParseAddr("127.0.0.1") || s.Port != 1234 {
		t.Errorf("endpoint = %s:%d", s.Address, s.Port)
	}

	ids := parser.UniqueIdentifiers()
	if len(ids) != 1 || ids[0] != "mrp_id_1" {
		t.Errorf("identifiers = %v", ids)
	}
}

func TestServiceParserDiscardsDuplicates(t *testing.T) {
	parser := mdns.NewServiceParser()
	parser.AddMessage(mrpResponse(1234))
	parser.AddMessage(mrpResponse(1234)) // byte-identical records

	if n := len(parser.Services()); n != 1 {
		t.Errorf("duplicates produced %d services", n)
	}
}

func TestServiceParserExcludesLinkLocalAddresses(t *testing.T) {
	msg := mrpResponse(1234)
	msg.Resources[2].Value = netip.MustParseAddr("169.254.10.20")
	parser := mdns.NewServiceParser()
	parser.AddMessage(msg)

	s := parser.Services()[0]
	if s.Address.IsValid() {
		t.Errorf("link-local address not excluded: %s", s.Address)
	}
}

func TestDeepSleepDetection(t *testing.T) {
	parser := mdns.NewServiceParser()
	parser.AddMessage(mrpResponse(0))
	if !parser.DeepSleep() {
		t.Error("all-zero ports should mean deep sleep")
	}

	parser.AddMessage(&dnsmsg.Message{
		Answers: []dnsmsg.Resource{{
			QName: "_airplay._tcp.local", QType: dnsmsg.TypePTR, QClass: 1, TTL: 120,
			Value: "Kitchen._airplay._tcp.local",
		}},
		Resources: []dnsmsg.Resource{{
			QName: "Kitchen._airplay._tcp.local", QType: dnsmsg.TypeSRV, QClass: 1, TTL: 120,
			Value: dnsmsg.SrvRecord{Port: 7000, Target: "Kitchen.local"},
		}},
	})
	if parser.DeepSleep() {
		t.Error("an awake service should clear deep sleep")
	}
}

func TestBuildQueries(t *testing.T) {
	queries := mdns.BuildQueries([]string{"_a._tcp.local", "_b._tcp.local", "_c._tcp.local", "_d._tcp.local"})
	if len(queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(queries))
	}
	if n := len(queries[0].Questions); n != 4 { // 3 services + sleep proxy
		t.Errorf("first query has %d questions, want 4", n)
	}
	if n := len(queries[1].Questions); n != 2 { // 1 service + sleep proxy
		t.Errorf("second query has %d questions, want 2", n)
	}
	for _, q := range queries {
		last := q.Questions[len(q.Questions)-1]
		if last.QName != mdns.SleepProxyService {
			t.Errorf("sleep proxy probe missing, got %q", last.QName)
		}
		for _, question := range q.Questions {
			if question.QClass != dnsmsg.ClassCacheFlushIN {
				t.Errorf("question class = %#x", question.QClass)
			}
		}
	}
}

func newTestScanner() *mdns.Scanner {
	s := mdns.NewScanner()
	s.AddHandler("_mediaremotetv._tcp.local", mdns.ServiceHandler{
		Protocol: models.ProtocolMRP,
		Parse: func(raw models.RawService) *models.MutableService {
			return models.NewService(raw.Properties["uniqueidentifier"], models.ProtocolMRP, raw.Port, raw.Properties)
		},
		DeviceName: func(raw models.RawService) string { return raw.Properties["name"] },
	})
	return s
}

func TestScannerProcess(t *testing.T) {
	scanner := newTestScanner()
	scanner.SetServiceInfo(models.ProtocolMRP, func(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
		service.Pairing = models.PairingNotNeeded
	})

	parser := mdns.NewServiceParser()
	parser.AddMessage(mrpResponse(1234))

	addr := netip.MustParseAddr("127.0.0.1")
	configs := scanner.Process(map[netip.Addr]*mdns.ServiceParser{addr: parser})

	config, ok := configs[addr]
	if !ok {
		t.Fatalf("no config for %s: %v", addr, configs)
	}
	if config.Name != "Kitchen" {
		t.Errorf("name = %q", config.Name)
	}
	service := config.Service(models.ProtocolMRP)
	if service == nil || service.Identifier != "mrp_id_1" || service.Port != 1234 {
		t.Fatalf("service = %+v", service)
	}
	if service.Pairing != models.PairingNotNeeded {
		t.Errorf("serviceInfo callback did not run: %s", service.Pairing)
	}
}

func TestScannerSkipsUnhandledAndEmpty(t *testing.T) {
	scanner := newTestScanner()
	parser := mdns.NewServiceParser()
	parser.AddMessage(&dnsmsg.Message{
		Answers: []dnsmsg.Resource{{
			QName: "_printer._tcp.local", QType: dnsmsg.TypePTR, QClass: 1, TTL: 120,
			Value: "Laser._printer._tcp.local",
		}},
	})

	configs := scanner.Process(map[netip.Addr]*mdns.ServiceParser{netip.MustParseAddr("10.0.0.9"): parser})
	if len(configs) != 0 {
		t.Errorf("unhandled services should yield no config: %v", configs)
	}
}
