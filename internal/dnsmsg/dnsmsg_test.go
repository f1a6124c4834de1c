package dnsmsg_test

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/airtv-go/airtv/internal/dnsmsg"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &dnsmsg.Message{
		MsgID: 0x1234,
		Flags: dnsmsg.FlagsResponse,
		Questions: []dnsmsg.Question{
			{QName: "_mediaremotetv._tcp.local", QType: dnsmsg.TypePTR, QClass: dnsmsg.ClassCacheFlushIN},
		},
		Answers: []dnsmsg.Resource{
			{
				QName: "_mediaremotetv._tcp.local", QType: dnsmsg.TypePTR,
				QClass: dnsmsg.ClassIN, TTL: 120,
				Value: "Kitchen._mediaremotetv._tcp.local",
			},
		},
		Resources: []dnsmsg.Resource{
			{
				QName: "Kitchen._mediaremotetv._tcp.local", QType: dnsmsg.TypeSRV,
				QClass: dnsmsg.ClassIN, TTL: 120,
				Value: dnsmsg.SrvRecord{Port: 49152, Target: "Kitchen.local"},
			},
			{
				QName: "Kitchen._mediaremotetv._tcp.local", QType: dnsmsg.TypeTXT,
				QClass: dnsmsg.ClassIN, TTL: 120,
				Value: map[string]string{"uniqueidentifier": "mrp_id_1", "allowpairing": ""},
			},
			{
				QName: "Kitchen.local", QType: dnsmsg.TypeA,
				QClass: dnsmsg.ClassIN, TTL: 120,
				Value: netip.MustParseAddr("127.0.0.1"),
			},
		},
	}

	parsed, err := dnsmsg.Parse(msg.Pack())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.MsgID != 0x1234 || parsed.Flags != dnsmsg.FlagsResponse {
		t.Errorf("header mismatch: %+v", parsed)
	}
	if len(parsed.Questions) != 1 || parsed.Questions[0].QName != "_mediaremotetv._tcp.local" {
		t.Errorf("questions = %+v", parsed.Questions)
	}
	if ptr := parsed.Answers[0].Value.(string); ptr != "Kitchen._mediaremotetv._tcp.local" {
		t.Errorf("PTR = %q", ptr)
	}
	srv := parsed.Resources[0].Value.(dnsmsg.SrvRecord)
	if srv.Port != 49152 || srv.Target != "Kitchen.local" {
		t.Errorf("SRV = %+v", srv)
	}
	txt := parsed.Resources[1].Value.(map[string]string)
	if txt["uniqueidentifier"] != "mrp_id_1" {
		t.Errorf("TXT = %v", txt)
	}
	if v, ok := txt["allowpairing"]; !ok || v != "" {
		t.Errorf("entry without '=' should have empty value: %v ok=%v", v, ok)
	}
	if addr := parsed.Resources[2].Value.(netip.Addr); addr != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("A = %v", addr)
	}
}

func TestParseCompressionPointers(t *testing.T) {
	// Hand-built message: one PTR answer whose rdata points back at the
	// question name via a compression pointer to offset 12.
	data := []byte{
		0x00, 0x01, 0x84, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
		// question: _x._tcp.local PTR IN
		0x02, '_', 'x', 0x04, '_', 't', 'c', 'p', 0x05, 'l', 'o', 'c', 'a', 'l', 0x00,
		0x00, 0x0C, 0x00, 0x01,
		// answer: name = pointer to offset 12
		0xC0, 0x0C, 0x00, 0x0C, 0x00, 0x01, 0x00, 0x00, 0x00, 0x78,
		0x00, 0x06, // rdlength
		0x03, 'a', 'b', 'c', 0xC0, 0x0F, // "abc" + pointer to "_tcp.local"
	}
	msg, err := dnsmsg.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Answers[0].QName != "_x._tcp.local" {
		t.Errorf("answer name = %q", msg.Answers[0].QName)
	}
	if ptr := msg.Answers[0].Value.(string); ptr != "abc._tcp.local" {
		t.Errorf("PTR target = %q", ptr)
	}
}

func TestEncodeNameTruncatesOnCodepointBoundary(t *testing.T) {
	// 31 two-byte runes is 62 bytes; one more would cross the 63-byte limit
	// mid-rune, so the label must cut at 62.
	label := strings.Repeat("ö", 40)
	encoded := dnsmsg.EncodeName(label + ".local")
	if encoded[0] != 62 {
		t.Errorf("label length = %d, want 62", encoded[0])
	}

	ascii := strings.Repeat("a", 80)
	encoded = dnsmsg.EncodeName(ascii)
	if encoded[0] != 63 {
		t.Errorf("ascii label length = %d, want 63", encoded[0])
	}
}

func TestNameRoundTripWellFormed(t *testing.T) {
	for _, name := range []string{"Kitchen.local", "_airplay._tcp.local", "Vardagsrum Äpple.local"} {
		parsed, _, err := dnsmsg.ParseName(dnsmsg.EncodeName(name), 0)
		if err != nil {
			t.Fatalf("ParseName(%q): %v", name, err)
		}
		if parsed != name {
			t.Errorf("round trip of %q = %q", name, parsed)
		}
	}
}

func TestPunycodeLabelDecoding(t *testing.T) {
	// "xn--kln-sna" is the punycode form of "köln".
	raw := append([]byte{11}, "xn--kln-sna"...)
	raw = append(raw, 5, 'l', 'o', 'c', 'a', 'l', 0)
	parsed, _, err := dnsmsg.ParseName(raw, 0)
	if err != nil {
		t.Fatalf("ParseName: %v", err)
	}
	if parsed != "köln.local" {
		t.Errorf("punycode label = %q", parsed)
	}
}

func TestParseRejectsPointerLoop(t *testing.T) {
	data := []byte{
		0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0xC0, 0x0C, 0x00, 0x0C, 0x00, 0x01, // question name pointing at itself
	}
	if _, err := dnsmsg.Parse(data); err == nil {
		t.Error("self-referencing pointer should fail")
	}
}

func TestResourceKeyDedup(t *testing.T) {
	a := dnsmsg.Resource{QName: "X.local", QType: dnsmsg.TypeA, QClass: 1, TTL: 120, Value: netip.MustParseAddr("10.0.0.1")}
	b := dnsmsg.Resource{QName: "x.LOCAL", QType: dnsmsg.TypeA, QClass: 1, TTL: 120, Value: netip.MustParseAddr("10.0.0.1")}
	c := dnsmsg.Resource{QName: "x.local", QType: dnsmsg.TypeA, QClass: 1, TTL: 60, Value: netip.MustParseAddr("10.0.0.1")}
	if a.Key() != b.Key() {
		t.Errorf("case-differing names should collapse: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Errorf("different TTLs should not collapse")
	}
}
