package airtv

import (
	"strings"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/facade"
	"github.com/airtv-go/airtv/internal/models"
)

// Re-exported model types forming the public API surface.
type (
	// DeviceConfig aggregates the discovered services of one device.
	DeviceConfig = models.DeviceConfig
	// MutableService is one control service on a device.
	MutableService = models.MutableService
	// Protocol identifies a control protocol.
	Protocol = models.Protocol
	// PairingRequirement describes whether a service must be paired.
	PairingRequirement = models.PairingRequirement
	// HapCredentials is the long-term pairing state for a device.
	HapCredentials = models.HapCredentials
	// Playing is a playback snapshot.
	Playing = models.Playing
	// FeatureSet is the set of supported features.
	FeatureSet = models.FeatureSet
	// PowerState is the device power state.
	PowerState = models.PowerState
	// AppleTV is the connected device handle.
	AppleTV = facade.AppleTV
	// PairingHandler drives one pairing flow.
	PairingHandler = core.PairingHandler
	// PushListener receives push updates.
	PushListener = core.PushListener
	// Artwork is one piece of cover art.
	Artwork = core.Artwork
	// App is an installed application.
	App = core.App
)

// Protocol identifiers.
const (
	ProtocolMRP       = models.ProtocolMRP
	ProtocolDMAP      = models.ProtocolDMAP
	ProtocolAirPlay   = models.ProtocolAirPlay
	ProtocolCompanion = models.ProtocolCompanion
	ProtocolRAOP      = models.ProtocolRAOP
)

// ParseProtocol maps a protocol name (case-insensitive) to its identifier.
func ParseProtocol(name string) (Protocol, bool) {
	for _, p := range []Protocol{
		ProtocolMRP, ProtocolDMAP, ProtocolAirPlay, ProtocolCompanion, ProtocolRAOP,
	} {
		if strings.EqualFold(p.String(), name) {
			return p, true
		}
	}
	return 0, false
}
