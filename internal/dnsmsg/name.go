package dnsmsg

import (
	"strings"

	"github.com/airtv-go/airtv/internal/models"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

const maxLabelBytes = 63

// EncodeName encodes a dotted domain name as DNS labels. Each label is NFC
// normalized and truncated to 63 bytes on a codepoint boundary. The result
// always ends with the root label.
func EncodeName(name string) []byte {
	var out []byte
	for _, label := range strings.Split(strings.TrimSuffix(name, "."), ".") {
		if label == "" {
			continue
		}
		encoded := truncateLabel(norm.NFC.String(label))
		out = append(out, byte(len(encoded)))
		out = append(out, encoded...)
	}
	return append(out, 0)
}

// truncateLabel cuts a label to at most 63 bytes without splitting a
// codepoint.
func truncateLabel(label string) string {
	if len(label) <= maxLabelBytes {
		return label
	}
	cut := 0
	for i := range label {
		if i > maxLabelBytes {
			break
		}
		cut = i
	}
	return label[:cut]
}

// ParseName reads a domain name at offset, following compression pointers.
// Labels beginning with "xn--" are decoded from punycode. It returns the
// name and the offset just past the name's in-place representation.
func ParseName(msg []byte, offset int) (string, int, error) {
	var labels []string
	jumped := false
	next := offset
	seen := 0

	for {
		if offset >= len(msg) {
			return "", 0, models.ProtocolErrorf("dns: name runs past message end")
		}
		length := int(msg[offset])
		switch {
		case length == 0:
			if !jumped {
				next = offset + 1
			}
			return strings.Join(labels, "."), next, nil
		case length&0xC0 == 0xC0:
			if offset+1 >= len(msg) {
				return "", 0, models.ProtocolErrorf("dns: truncated compression pointer")
			}
			if !jumped {
				next = offset + 2
			}
			target := int(msg[offset]&0x3F)<<8 | int(msg[offset+1])
			if target >= offset {
				return "", 0, models.ProtocolErrorf("dns: forward compression pointer")
			}
			offset = target
			jumped = true
			if seen++; seen > 64 {
				return "", 0, models.ProtocolErrorf("dns: compression pointer loop")
			}
		case length&0xC0 != 0:
			return "", 0, models.ProtocolErrorf("dns: reserved label type 0x%02x", length&0xC0)
		default:
			if offset+1+length > len(msg) {
				return "", 0, models.ProtocolErrorf("dns: label runs past message end")
			}
			labels = append(labels, decodeLabel(string(msg[offset+1:offset+1+length])))
			offset += 1 + length
			if seen++; seen > 128 {
				return "", 0, models.ProtocolErrorf("dns: name has too many labels")
			}
		}
	}
}

func decodeLabel(label string) string {
	if strings.HasPrefix(label, "xn--") {
		if decoded, err := idna.ToUnicode(label); err == nil {
			return decoded
		}
	}
	return label
}
