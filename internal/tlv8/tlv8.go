// Package tlv8 implements the HomeKit type-length-value encoding. Values
// longer than 255 bytes are split into consecutive fragments carrying the
// same type; reading joins such fragments back together.
package tlv8

import (
	"sort"

	"github.com/airtv-go/airtv/internal/models"
)

// Tag numbers used by the pair-setup and pair-verify exchanges.
const (
	TagMethod        = 0x00
	TagIdentifier    = 0x01
	TagSalt          = 0x02
	TagPublicKey     = 0x03
	TagProof         = 0x04
	TagEncryptedData = 0x05
	TagSeqNo         = 0x06
	TagError         = 0x07
	TagBackOff       = 0x08
	TagSignature     = 0x0A
	TagFlags         = 0x13
)

const maxFragment = 255

// Write encodes the map as TLV8, emitting tags in ascending order so the
// output is deterministic.
func Write(fields map[byte][]byte) []byte {
	tags := make([]int, 0, len(fields))
	for t := range fields {
		tags = append(tags, int(t))
	}
	sort.Ints(tags)

	var out []byte
	for _, t := range tags {
		value := fields[byte(t)]
		if len(value) == 0 {
			out = append(out, byte(t), 0)
			continue
		}
		for len(value) > 0 {
			n := len(value)
			if n > maxFragment {
				n = maxFragment
			}
			out = append(out, byte(t), byte(n))
			out = append(out, value[:n]...)
			value = value[n:]
		}
	}
	return out
}

// Read decodes a TLV8 buffer, joining consecutive fragments of the same type.
func Read(data []byte) (map[byte][]byte, error) {
	fields := make(map[byte][]byte)
	lastTag := -1
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, models.ProtocolErrorf("tlv8: truncated header")
		}
		tag, length := data[0], int(data[1])
		data = data[2:]
		if len(data) < length {
			return nil, models.ProtocolErrorf("tlv8: value for tag 0x%02x truncated", tag)
		}
		if int(tag) == lastTag {
			fields[tag] = append(fields[tag], data[:length]...)
		} else {
			fields[tag] = append([]byte(nil), data[:length]...)
		}
		lastTag = int(tag)
		data = data[length:]
	}
	return fields, nil
}
