// Package dnsmsg packs and parses the DNS-SD messages used for device
// discovery. Compression pointers are honored when parsing; packing always
// emits plain labels. Only the record types discovery needs are decoded:
// A, PTR, TXT, and SRV; anything else is kept as raw bytes.
package dnsmsg

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/airtv-go/airtv/internal/models"
)

// Record types and classes.
const (
	TypeA   uint16 = 1
	TypePTR uint16 = 12
	TypeTXT uint16 = 16
	TypeSRV uint16 = 33
	TypeANY uint16 = 255

	ClassIN uint16 = 1
	// ClassCacheFlushIN is IN with the cache-flush/QU bit set, used on every
	// multicast question this library sends.
	ClassCacheFlushIN uint16 = 0x8001

	// FlagsResponse marks a message as an authoritative response.
	FlagsResponse uint16 = 0x8400
)

// Question is one DNS question.
type Question struct {
	QName  string
	QType  uint16
	QClass uint16
}

// SrvRecord is decoded SRV rdata.
type SrvRecord struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// Resource is one resource record. Value holds the decoded rdata:
// netip.Addr for A, string for PTR, map[string]string for TXT, SrvRecord
// for SRV, and []byte for everything else.
type Resource struct {
	QName  string
	QType  uint16
	QClass uint16
	TTL    uint32
	Value  any
}

// Key identifies a record for duplicate suppression: identical qname, qtype,
// qclass, ttl, and rdata collapse to the same key.
func (r Resource) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d/%v", strings.ToLower(r.QName), r.QType, r.QClass, r.TTL, r.Value)
}

// Message is a DNS message.
type Message struct {
	MsgID       uint16
	Flags       uint16
	Questions   []Question
	Answers     []Resource
	Authorities []Resource
	Resources   []Resource
}

// Pack serializes the message with plain (uncompressed) names.
func (m *Message) Pack() []byte {
	out := make([]byte, 0, 128)
	out = binary.BigEndian.AppendUint16(out, m.MsgID)
	out = binary.BigEndian.AppendUint16(out, m.Flags)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Questions)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Answers)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Authorities)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Resources)))

	for _, q := range m.Questions {
		out = append(out, EncodeName(q.QName)...)
		out = binary.BigEndian.AppendUint16(out, q.QType)
		out = binary.BigEndian.AppendUint16(out, q.QClass)
	}
	for _, section := range [][]Resource{m.Answers, m.Authorities, m.Resources} {
		for _, r := range section {
			out = packResource(out, r)
		}
	}
	return out
}

func packResource(out []byte, r Resource) []byte {
	out = append(out, EncodeName(r.QName)...)
	out = binary.BigEndian.AppendUint16(out, r.QType)
	out = binary.BigEndian.AppendUint16(out, r.QClass)
	out = binary.BigEndian.AppendUint32(out, r.TTL)
	rdata := packRdata(r)
	out = binary.BigEndian.AppendUint16(out, uint16(len(rdata)))
	return append(out, rdata...)
}

func packRdata(r Resource) []byte {
	switch v := r.Value.(type) {
	case netip.Addr:
		a := v.As4()
		return a[:]
	case string:
		return EncodeName(v)
	case SrvRecord:
		out := make([]byte, 0, 6+len(v.Target)+2)
		out = binary.BigEndian.AppendUint16(out, v.Priority)
		out = binary.BigEndian.AppendUint16(out, v.Weight)
		out = binary.BigEndian.AppendUint16(out, v.Port)
		return append(out, EncodeName(v.Target)...)
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []byte
		for _, k := range keys {
			entry := k
			if v[k] != "" {
				entry = k + "=" + v[k]
			}
			out = append(out, byte(len(entry)))
			out = append(out, entry...)
		}
		return out
	case []byte:
		return v
	default:
		return nil
	}
}

// Parse deserializes a DNS message.
func Parse(data []byte) (*Message, error) {
	if len(data) < 12 {
		return nil, models.ProtocolErrorf("dns: message shorter than header")
	}
	m := &Message{
		MsgID: binary.BigEndian.Uint16(data[0:2]),
		Flags: binary.BigEndian.Uint16(data[2:4]),
	}
	qd := int(binary.BigEndian.Uint16(data[4:6]))
	an := int(binary.BigEndian.Uint16(data[6:8]))
	ns := int(binary.BigEndian.Uint16(data[8:10]))
	ar := int(binary.BigEndian.Uint16(data[10:12]))

	offset := 12
	for i := 0; i < qd; i++ {
		name, next, err := ParseName(data, offset)
		if err != nil {
			return nil, err
		}
		if next+4 > len(data) {
			return nil, models.ProtocolErrorf("dns: truncated question")
		}
		m.Questions = append(m.Questions, Question{
			QName:  name,
			QType:  binary.BigEndian.Uint16(data[next : next+2]),
			QClass: binary.BigEndian.Uint16(data[next+2 : next+4]),
		})
		offset = next + 4
	}

	sections := []struct {
		count int
		dst   *[]Resource
	}{{an, &m.Answers}, {ns, &m.Authorities}, {ar, &m.Resources}}
	for _, section := range sections {
		for i := 0; i < section.count; i++ {
			r, next, err := parseResource(data, offset)
			if err != nil {
				return nil, err
			}
			*section.dst = append(*section.dst, r)
			offset = next
		}
	}
	return m, nil
}

func parseResource(data []byte, offset int) (Resource, int, error) {
	name, next, err := ParseName(data, offset)
	if err != nil {
		return Resource{}, 0, err
	}
	if next+10 > len(data) {
		return Resource{}, 0, models.ProtocolErrorf("dns: truncated resource header")
	}
	r := Resource{
		QName:  name,
		QType:  binary.BigEndian.Uint16(data[next : next+2]),
		QClass: binary.BigEndian.Uint16(data[next+2 : next+4]),
		TTL:    binary.BigEndian.Uint32(data[next+4 : next+8]),
	}
	rdlen := int(binary.BigEndian.Uint16(data[next+8 : next+10]))
	rdStart := next + 10
	if rdStart+rdlen > len(data) {
		return Resource{}, 0, models.ProtocolErrorf("dns: rdata runs past message end")
	}

	r.Value, err = parseRdata(data, rdStart, rdlen, r.QType)
	if err != nil {
		return Resource{}, 0, err
	}
	return r, rdStart + rdlen, nil
}

func parseRdata(msg []byte, start, length int, qtype uint16) (any, error) {
	rdata := msg[start : start+length]
	switch qtype {
	case TypeA:
		if length != 4 {
			return nil, models.ProtocolErrorf("dns: A record with %d bytes", length)
		}
		return netip.AddrFrom4([4]byte(rdata)), nil
	case TypePTR:
		name, _, err := ParseName(msg, start)
		return name, err
	case TypeSRV:
		if length < 6 {
			return nil, models.ProtocolErrorf("dns: SRV record with %d bytes", length)
		}
		target, _, err := ParseName(msg, start+6)
		if err != nil {
			return nil, err
		}
		return SrvRecord{
			Priority: binary.BigEndian.Uint16(rdata[0:2]),
			Weight:   binary.BigEndian.Uint16(rdata[2:4]),
			Port:     binary.BigEndian.Uint16(rdata[4:6]),
			Target:   target,
		}, nil
	case TypeTXT:
		return parseTxt(rdata), nil
	default:
		return append([]byte(nil), rdata...), nil
	}
}

// parseTxt decodes TXT rdata into a case-insensitive (lower-cased key)
// mapping. Entries without '=' get an empty value; zero-length entries are
// skipped.
func parseTxt(rdata []byte) map[string]string {
	out := make(map[string]string)
	for len(rdata) > 0 {
		n := int(rdata[0])
		if n == 0 || 1+n > len(rdata) {
			break
		}
		entry := string(rdata[1 : 1+n])
		rdata = rdata[1+n:]

		key, value, _ := strings.Cut(entry, "=")
		if key == "" {
			continue
		}
		out[strings.ToLower(key)] = value
	}
	return out
}
