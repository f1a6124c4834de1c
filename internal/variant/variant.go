// Package variant implements the 7-bit little-endian variable-length
// integer encoding used to frame MediaRemote protocol messages.
package variant

import (
	"github.com/airtv-go/airtv/internal/models"
)

// Write appends the variant encoding of v to dst and returns the result.
func Write(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Read decodes a variant integer from the start of data, returning the value
// and the number of bytes consumed.
func Read(data []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0, models.ProtocolErrorf("variant integer overflows 64 bits")
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, models.ProtocolErrorf("truncated variant integer")
}
