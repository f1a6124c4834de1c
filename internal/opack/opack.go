// Package opack implements Apple's self-describing binary serialization
// used by the Companion protocol. Pack and Unpack are inverse over the
// supported value domain: nil, bools, UUIDs, integers, floats, strings,
// byte strings, arrays, and dictionaries with string keys. Strings repeated
// within one value are emitted once and back-referenced with pointer tags.
package opack

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/google/uuid"
)

const (
	tagTrue       = 0x01
	tagFalse      = 0x02
	tagTerminator = 0x03
	tagNull       = 0x04
	tagUUID       = 0x05
	tagSmallInt   = 0x08 // 0x08 + v for v < 0x28
	tagInt8       = 0x30
	tagInt16      = 0x31
	tagInt32      = 0x32
	tagInt64      = 0x33
	tagFloat32    = 0x35
	tagFloat64    = 0x36
	tagShortStr   = 0x40 // 0x40 + len for len <= 0x20
	tagLongStr    = 0x61 // 0x61..0x64: 1..4 length bytes
	tagShortBytes = 0x70 // 0x70 + len for len <= 0x20
	tagLongBytes  = 0x91 // 0x91..0x94: 1..4 length bytes
	tagPointer    = 0xA0 // 0xA0 + idx for idx <= 0x20
	tagPointer8   = 0xC1
	tagPointer16  = 0xC2
	tagArray      = 0xD0 // 0xD0 + n for n < 0xF; 0xDF endless
	tagDict       = 0xE0 // 0xE0 + n for n < 0xF; 0xEF endless
)

// Pack serializes a value.
func Pack(value any) ([]byte, error) {
	p := &packer{seen: make(map[string]int)}
	if err := p.pack(value); err != nil {
		return nil, err
	}
	return p.out, nil
}

type packer struct {
	out  []byte
	seen map[string]int // string -> back-reference index
}

func (p *packer) pack(value any) error {
	switch v := value.(type) {
	case nil:
		p.out = append(p.out, tagNull)
	case bool:
		if v {
			p.out = append(p.out, tagTrue)
		} else {
			p.out = append(p.out, tagFalse)
		}
	case uuid.UUID:
		p.out = append(p.out, tagUUID)
		p.out = append(p.out, v[:]...)
	case int:
		p.packInt(uint64(v))
	case int64:
		p.packInt(uint64(v))
	case uint64:
		p.packInt(v)
	case float32:
		p.out = append(p.out, tagFloat32)
		p.out = binary.LittleEndian.AppendUint32(p.out, math.Float32bits(v))
	case float64:
		p.out = append(p.out, tagFloat64)
		p.out = binary.LittleEndian.AppendUint64(p.out, math.Float64bits(v))
	case string:
		p.packString(v)
	case []byte:
		p.packBytes(v)
	case []any:
		if len(v) < 0xF {
			p.out = append(p.out, byte(tagArray+len(v)))
		} else {
			p.out = append(p.out, tagArray|0xF)
		}
		for _, item := range v {
			if err := p.pack(item); err != nil {
				return err
			}
		}
		if len(v) >= 0xF {
			p.out = append(p.out, tagTerminator)
		}
	case map[string]any:
		if len(v) < 0xF {
			p.out = append(p.out, byte(tagDict+len(v)))
		} else {
			p.out = append(p.out, tagDict|0xF)
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.packString(k)
			if err := p.pack(v[k]); err != nil {
				return err
			}
		}
		if len(v) >= 0xF {
			p.out = append(p.out, tagTerminator)
		}
	default:
		return models.ProtocolErrorf("opack: unsupported type %T", value)
	}
	return nil
}

func (p *packer) packInt(v uint64) {
	switch {
	case v < 0x28:
		p.out = append(p.out, byte(tagSmallInt+v))
	case v <= 0xFF:
		p.out = append(p.out, tagInt8, byte(v))
	case v <= 0xFFFF:
		p.out = append(p.out, tagInt16)
		p.out = binary.LittleEndian.AppendUint16(p.out, uint16(v))
	case v <= 0xFFFFFFFF:
		p.out = append(p.out, tagInt32)
		p.out = binary.LittleEndian.AppendUint32(p.out, uint32(v))
	default:
		p.out = append(p.out, tagInt64)
		p.out = binary.LittleEndian.AppendUint64(p.out, v)
	}
}

func (p *packer) packString(s string) {
	if idx, ok := p.seen[s]; ok {
		p.packPointer(idx)
		return
	}
	p.seen[s] = len(p.seen)

	n := len(s)
	switch {
	case n <= 0x20:
		p.out = append(p.out, byte(tagShortStr+n))
	case n <= 0xFF:
		p.out = append(p.out, tagLongStr, byte(n))
	case n <= 0xFFFF:
		p.out = append(p.out, tagLongStr+1)
		p.out = binary.LittleEndian.AppendUint16(p.out, uint16(n))
	case n <= 0xFFFFFF:
		p.out = append(p.out, tagLongStr+2, byte(n), byte(n>>8), byte(n>>16))
	default:
		p.out = append(p.out, tagLongStr+3)
		p.out = binary.LittleEndian.AppendUint32(p.out, uint32(n))
	}
	p.out = append(p.out, s...)
}

func (p *packer) packBytes(b []byte) {
	n := len(b)
	switch {
	case n <= 0x20:
		p.out = append(p.out, byte(tagShortBytes+n))
	case n <= 0xFF:
		p.out = append(p.out, tagLongBytes, byte(n))
	case n <= 0xFFFF:
		p.out = append(p.out, tagLongBytes+1)
		p.out = binary.LittleEndian.AppendUint16(p.out, uint16(n))
	case n <= 0xFFFFFF:
		p.out = append(p.out, tagLongBytes+2, byte(n), byte(n>>8), byte(n>>16))
	default:
		p.out = append(p.out, tagLongBytes+3)
		p.out = binary.LittleEndian.AppendUint32(p.out, uint32(n))
	}
	p.out = append(p.out, b...)
}

func (p *packer) packPointer(idx int) {
	switch {
	case idx <= 0x20:
		p.out = append(p.out, byte(tagPointer+idx))
	case idx <= 0xFF:
		p.out = append(p.out, tagPointer8, byte(idx))
	default:
		p.out = append(p.out, tagPointer16)
		p.out = binary.LittleEndian.AppendUint16(p.out, uint16(idx))
	}
}

// Unpack deserializes one value, returning it and the number of bytes
// consumed. Integers decode as int64, short floats as float32.
func Unpack(data []byte) (any, int, error) {
	u := &unpacker{data: data}
	v, err := u.unpack()
	if err != nil {
		return nil, 0, err
	}
	return v, u.pos, nil
}

type unpacker struct {
	data    []byte
	pos     int
	strings []string
}

func (u *unpacker) take(n int) ([]byte, error) {
	if u.pos+n > len(u.data) {
		return nil, models.ProtocolErrorf("opack: truncated value")
	}
	b := u.data[u.pos : u.pos+n]
	u.pos += n
	return b, nil
}

func (u *unpacker) unpack() (any, error) {
	hdr, err := u.take(1)
	if err != nil {
		return nil, err
	}
	tag := hdr[0]

	switch {
	case tag == tagTrue:
		return true, nil
	case tag == tagFalse:
		return false, nil
	case tag == tagNull:
		return nil, nil
	case tag == tagUUID:
		b, err := u.take(16)
		if err != nil {
			return nil, err
		}
		var id uuid.UUID
		copy(id[:], b)
		return id, nil
	case tag >= tagSmallInt && tag < tagSmallInt+0x28:
		return int64(tag - tagSmallInt), nil
	case tag >= tagInt8 && tag <= tagInt64:
		n := 1 << (tag - tagInt8)
		b, err := u.take(n)
		if err != nil {
			return nil, err
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return int64(v), nil
	case tag == tagFloat32:
		b, err := u.take(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case tag == tagFloat64:
		b, err := u.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case tag >= tagShortStr && tag <= tagShortStr+0x20:
		return u.unpackString(int(tag - tagShortStr))
	case tag >= tagLongStr && tag <= tagLongStr+3:
		n, err := u.takeLength(int(tag-tagLongStr) + 1)
		if err != nil {
			return nil, err
		}
		return u.unpackString(n)
	case tag >= tagShortBytes && tag <= tagShortBytes+0x20:
		return u.unpackBytes(int(tag - tagShortBytes))
	case tag >= tagLongBytes && tag <= tagLongBytes+3:
		n, err := u.takeLength(int(tag-tagLongBytes) + 1)
		if err != nil {
			return nil, err
		}
		return u.unpackBytes(n)
	case tag >= tagPointer && tag <= tagPointer+0x20:
		return u.resolvePointer(int(tag - tagPointer))
	case tag == tagPointer8:
		b, err := u.take(1)
		if err != nil {
			return nil, err
		}
		return u.resolvePointer(int(b[0]))
	case tag == tagPointer16:
		b, err := u.take(2)
		if err != nil {
			return nil, err
		}
		return u.resolvePointer(int(binary.LittleEndian.Uint16(b)))
	case tag >= tagArray && tag < tagArray+0x10:
		return u.unpackArray(tag&0xF, tag == tagArray|0xF)
	case tag >= tagDict && tag < tagDict+0x10:
		return u.unpackDict(tag&0xF, tag == tagDict|0xF)
	default:
		return nil, models.ProtocolErrorf("opack: unknown tag 0x%02x", tag)
	}
}

func (u *unpacker) takeLength(bytes int) (int, error) {
	b, err := u.take(bytes)
	if err != nil {
		return 0, err
	}
	var n int
	for i := bytes - 1; i >= 0; i-- {
		n = n<<8 | int(b[i])
	}
	return n, nil
}

func (u *unpacker) unpackString(n int) (string, error) {
	b, err := u.take(n)
	if err != nil {
		return "", err
	}
	s := string(b)
	u.strings = append(u.strings, s)
	return s, nil
}

func (u *unpacker) unpackBytes(n int) ([]byte, error) {
	b, err := u.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (u *unpacker) resolvePointer(idx int) (string, error) {
	if idx >= len(u.strings) {
		return "", models.ProtocolErrorf("opack: pointer %d beyond %d cached strings", idx, len(u.strings))
	}
	return u.strings[idx], nil
}

func (u *unpacker) atTerminator() bool {
	if u.pos < len(u.data) && u.data[u.pos] == tagTerminator {
		u.pos++
		return true
	}
	return false
}

func (u *unpacker) unpackArray(count byte, endless bool) ([]any, error) {
	out := []any{}
	for i := 0; endless || i < int(count); i++ {
		if endless && u.atTerminator() {
			break
		}
		v, err := u.unpack()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (u *unpacker) unpackDict(count byte, endless bool) (map[string]any, error) {
	out := make(map[string]any)
	for i := 0; endless || i < int(count); i++ {
		if endless && u.atTerminator() {
			break
		}
		k, err := u.unpack()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, models.ProtocolErrorf("opack: dict key is %T, not string", k)
		}
		v, err := u.unpack()
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
