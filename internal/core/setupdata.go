package core

import (
	"context"

	"github.com/airtv-go/airtv/internal/models"
)

// Interfaces is the capability record a protocol exposes after setup. Every
// field is optional; nil means the protocol does not provide the capability.
type Interfaces struct {
	RemoteControl RemoteControl
	Metadata      Metadata
	Power         Power
	Audio         Audio
	Apps          Apps
	UserAccounts  UserAccounts
	Keyboard      Keyboard
	TouchGestures TouchGestures
	Stream        Stream
	PushUpdater   PushUpdater
}

// SetupData is one protocol's contribution to a connected device: how to
// connect and disconnect it, its capability implementations, and the
// features it supports. Created during connect and retained until the
// facade closes.
type SetupData struct {
	Protocol models.Protocol

	// Connect establishes the protocol session. Returning an error skips
	// this protocol but leaves the rest of the device usable.
	Connect func(ctx context.Context) error

	// Close tears the session down and blocks until background tasks have
	// stopped.
	Close func(ctx context.Context) error

	// DeviceInfo contributes attributes to the aggregated DeviceInfo.
	DeviceInfo func() map[string]any

	Interfaces Interfaces
	Features   models.FeatureSet
}

// DeviceListener observes the lifetime of a connected device. The facade
// guarantees at most one invocation per connection.
type DeviceListener interface {
	// ConnectionLost is called when a protocol connection dies unexpectedly.
	ConnectionLost(err error)
	// ConnectionClosed is called after a deliberate close.
	ConnectionClosed()
}

// Core is the per-service context handed to a protocol's setup function.
type Core struct {
	Config          *models.DeviceConfig
	Service         *models.MutableService
	StateDispatcher *StateDispatcher
	DeviceListener  DeviceListener
}

// PairingHandler runs one pairing flow for a protocol. Begin starts the
// exchange, the PIN is supplied when required, and Finish completes it;
// on success the handler writes credentials to its service.
type PairingHandler interface {
	// DeviceProvidesPin reports whether the device shows a PIN the user
	// enters here (true) or this side presents a PIN to enter on the
	// device (false).
	DeviceProvidesPin() bool
	Pin(pin string)
	Begin(ctx context.Context) error
	Finish(ctx context.Context) error
	HasPaired() bool
	Service() *models.MutableService
	Close(ctx context.Context) error
}
