package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CredentialsType classifies HAP credentials by their buffer layout.
type CredentialsType int

const (
	CredentialsNull CredentialsType = iota
	CredentialsLegacy
	CredentialsHAP
	CredentialsTransient
)

func (t CredentialsType) String() string {
	switch t {
	case CredentialsNull:
		return "Null"
	case CredentialsLegacy:
		return "Legacy"
	case CredentialsHAP:
		return "HAP"
	case CredentialsTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// HapCredentials is the long-term pairing state for one device. It is
// serialized as four colon-separated hex tokens: ltpk:ltsk:atvId:clientId.
type HapCredentials struct {
	LTPK     []byte // accessory's long-term public key
	LTSK     []byte // our long-term secret key
	ATVID    []byte // accessory identifier
	ClientID []byte // our identifier
}

// TransientCredentials is the distinguished marker for transient pairing.
// It serializes as all-zero tokens.
var TransientCredentials = &HapCredentials{
	LTPK:     make([]byte, 32),
	LTSK:     make([]byte, 32),
	ATVID:    make([]byte, 32),
	ClientID: make([]byte, 32),
}

// Type infers the credential kind from buffer sizes. The heuristic is part
// of the on-disk format: all-empty is Null; a 32-byte ltsk with an 8-byte
// clientId and empty ltpk/atvId is Legacy; anything else is HAP. The
// all-zero transient marker is detected before the size checks.
func (c *HapCredentials) Type() CredentialsType {
	if c == nil {
		return CredentialsNull
	}
	if c.isTransient() {
		return CredentialsTransient
	}
	if len(c.LTPK) == 0 && len(c.ATVID) == 0 {
		if len(c.LTSK) == 32 && len(c.ClientID) == 8 {
			return CredentialsLegacy
		}
		if len(c.LTSK) == 0 && len(c.ClientID) == 0 {
			return CredentialsNull
		}
	}
	return CredentialsHAP
}

func (c *HapCredentials) isTransient() bool {
	if len(c.LTPK) != 32 || len(c.LTSK) != 32 || len(c.ATVID) != 32 || len(c.ClientID) != 32 {
		return false
	}
	for _, buf := range [][]byte{c.LTPK, c.LTSK, c.ATVID, c.ClientID} {
		for _, b := range buf {
			if b != 0 {
				return false
			}
		}
	}
	return true
}

// String serializes the credentials as ltpk:ltsk:atvId:clientId hex tokens.
func (c *HapCredentials) String() string {
	return strings.Join([]string{
		hex.EncodeToString(c.LTPK),
		hex.EncodeToString(c.LTSK),
		hex.EncodeToString(c.ATVID),
		hex.EncodeToString(c.ClientID),
	}, ":")
}

// ParseCredentials parses the four-token hex serialization.
func ParseCredentials(s string) (*HapCredentials, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty credential string", ErrInvalidCredentials)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 tokens, got %d", ErrInvalidCredentials, len(parts))
	}
	bufs := make([][]byte, 4)
	for i, p := range parts {
		buf, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d: %v", ErrInvalidCredentials, i, err)
		}
		bufs[i] = buf
	}
	return &HapCredentials{LTPK: bufs[0], LTSK: bufs[1], ATVID: bufs[2], ClientID: bufs[3]}, nil
}
