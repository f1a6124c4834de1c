package models

import (
	"net/netip"
	"strings"
)

// RawService is a single mDNS service record as it came off the wire.
// Records with port 0 or no address cannot be used for control but still
// contribute to deep-sleep detection.
type RawService struct {
	Type       string
	Name       string
	Address    netip.Addr // zero value when the record carried no A record
	Port       uint16
	Properties map[string]string
}

// MutableService is a control service attached to a device configuration.
// Credentials and Password are written once by the pairing handler and are
// read-only afterwards.
type MutableService struct {
	Identifier       string
	Protocol         Protocol
	Port             uint16
	Properties       map[string]string
	Credentials      string
	Password         string
	Enabled          bool
	RequiresPassword bool
	Pairing          PairingRequirement
}

// NewService creates an enabled service with normalized (lower-cased)
// property keys.
func NewService(identifier string, protocol Protocol, port uint16, properties map[string]string) *MutableService {
	return &MutableService{
		Identifier: identifier,
		Protocol:   protocol,
		Port:       port,
		Properties: normalizeProperties(properties),
		Enabled:    true,
		Pairing:    PairingUnsupported,
	}
}

// Merge folds another service record into this one. Credentials and password
// are only overwritten by non-empty incoming values; properties are unioned
// with the incoming side winning on key collision.
func (s *MutableService) Merge(other *MutableService) {
	if other == nil {
		return
	}
	if other.Identifier != "" {
		s.Identifier = other.Identifier
	}
	if other.Credentials != "" {
		s.Credentials = other.Credentials
	}
	if other.Password != "" {
		s.Password = other.Password
	}
	if other.Port != 0 {
		s.Port = other.Port
	}
	if s.Properties == nil {
		s.Properties = make(map[string]string)
	}
	for k, v := range other.Properties {
		s.Properties[strings.ToLower(k)] = v
	}
}

// Property returns a TXT property by case-insensitive key.
func (s *MutableService) Property(key string) (string, bool) {
	v, ok := s.Properties[strings.ToLower(key)]
	return v, ok
}

func normalizeProperties(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[strings.ToLower(k)] = v
	}
	return out
}
