// Package dmap implements the tagged binary format used by DAAP/DACP: every
// field is a 4-character ASCII tag, a 4-byte big-endian length, and a value.
// Container tags recurse; leaf values are typed by a tag dictionary.
package dmap

import (
	"bytes"
	"encoding/binary"

	"github.com/airtv-go/airtv/internal/models"
	"howett.net/plist"
)

// Type describes how a leaf tag's value is decoded.
type Type int

const (
	TypeContainer Type = iota
	TypeString
	TypeUint
	TypeBool
	TypePlist
	TypeBytes
	TypeIgnore
)

// Entry is one parsed field. Container entries hold []Entry values.
type Entry struct {
	Tag   string
	Value any
}

// tagTypes is the external tag dictionary. Unknown tags decode as raw bytes.
var tagTypes = map[string]Type{
	// pairing
	"cmpa": TypeContainer,
	"cmpg": TypeUint,
	"cmnm": TypeString,
	"cmty": TypeString,
	// login
	"mlog": TypeContainer,
	"mlid": TypeUint,
	"mstt": TypeUint,
	// playstatus
	"cmst": TypeContainer,
	"caps": TypeUint,
	"cash": TypeUint,
	"carp": TypeUint,
	"cant": TypeUint,
	"cast": TypeUint,
	"cann": TypeString,
	"cana": TypeString,
	"canl": TypeString,
	"cang": TypeString,
	"cmsr": TypeUint,
	"canp": TypeBytes,
	"casu": TypeBool,
	// getproperty / volume
	"cmgt": TypeContainer,
	"cmvo": TypeUint,
	// server info
	"msrv": TypeContainer,
	"mpro": TypeUint,
	"apro": TypeUint,
	"minm": TypeString,
	// media kind
	"cmmk": TypeUint,
	"ceQR": TypeContainer,
	"ceQS": TypePlist,
}

// TypeOf returns the dictionary type for a tag; unknown tags are TypeBytes.
func TypeOf(tag string) Type {
	if t, ok := tagTypes[tag]; ok {
		return t
	}
	return TypeBytes
}

// Parse decodes a DMAP buffer into its top-level entries.
func Parse(data []byte) ([]Entry, error) {
	var out []Entry
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, models.ErrInvalidDmapData
		}
		tag := string(data[:4])
		length := int(binary.BigEndian.Uint32(data[4:8]))
		if length < 0 || len(data) < 8+length {
			return nil, models.ErrInvalidDmapData
		}
		value := data[8 : 8+length]
		data = data[8+length:]

		entry, err := decodeValue(tag, value)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func decodeValue(tag string, value []byte) (*Entry, error) {
	switch TypeOf(tag) {
	case TypeContainer:
		children, err := Parse(value)
		if err != nil {
			return nil, err
		}
		return &Entry{Tag: tag, Value: children}, nil
	case TypeString:
		return &Entry{Tag: tag, Value: string(value)}, nil
	case TypeUint:
		return &Entry{Tag: tag, Value: decodeUint(value)}, nil
	case TypeBool:
		return &Entry{Tag: tag, Value: len(value) > 0 && value[0] != 0}, nil
	case TypePlist:
		var decoded any
		if _, err := plist.Unmarshal(value, &decoded); err != nil {
			return nil, models.ErrInvalidDmapData
		}
		return &Entry{Tag: tag, Value: decoded}, nil
	case TypeIgnore:
		return nil, nil
	default:
		return &Entry{Tag: tag, Value: append([]byte(nil), value...)}, nil
	}
}

func decodeUint(value []byte) uint64 {
	var v uint64
	for _, b := range value {
		v = v<<8 | uint64(b)
	}
	return v
}

// First walks entries along a tag path and returns the first match, or nil.
func First(data []byte, path ...string) (any, error) {
	entries, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return firstIn(entries, path), nil
}

func firstIn(entries []Entry, path []string) any {
	if len(path) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.Tag != path[0] {
			continue
		}
		if len(path) == 1 {
			return e.Value
		}
		if children, ok := e.Value.([]Entry); ok {
			if v := firstIn(children, path[1:]); v != nil {
				return v
			}
		}
	}
	return nil
}

// Encoding helpers.

func appendField(dst []byte, tag string, value []byte) []byte {
	dst = append(dst, tag...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// String encodes a string leaf.
func String(tag, value string) []byte {
	return appendField(nil, tag, []byte(value))
}

// Uint8 encodes a 1-byte unsigned leaf.
func Uint8(tag string, value uint8) []byte {
	return appendField(nil, tag, []byte{value})
}

// Uint32 encodes a 4-byte big-endian unsigned leaf.
func Uint32(tag string, value uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return appendField(nil, tag, buf[:])
}

// Uint64 encodes an 8-byte big-endian unsigned leaf.
func Uint64(tag string, value uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return appendField(nil, tag, buf[:])
}

// Bool encodes a 1-byte boolean leaf.
func Bool(tag string, value bool) []byte {
	b := byte(0)
	if value {
		b = 1
	}
	return appendField(nil, tag, []byte{b})
}

// Container encodes a container holding the concatenation of its children.
func Container(tag string, children ...[]byte) []byte {
	return appendField(nil, tag, bytes.Join(children, nil))
}
