package pairing

import (
	"context"

	"github.com/airtv-go/airtv/internal/models"
)

// HapHandler adapts a SetupProcedure to the generic pairing handler shape
// used by the entry points: begin, provide PIN, finish, credentials land on
// the service.
type HapHandler struct {
	service   *models.MutableService
	procedure *SetupProcedure
	closeFn   func(ctx context.Context) error

	pin    string
	paired bool
}

// NewHapHandler builds a handler around a protocol-specific exchanger.
// closeFn tears down the transport the exchanger runs on.
func NewHapHandler(service *models.MutableService, procedure *SetupProcedure, closeFn func(ctx context.Context) error) *HapHandler {
	return &HapHandler{service: service, procedure: procedure, closeFn: closeFn}
}

// DeviceProvidesPin is true: the device displays a PIN for the user to
// enter here.
func (h *HapHandler) DeviceProvidesPin() bool { return true }

// Pin stores the PIN shown on the device.
func (h *HapHandler) Pin(pin string) { h.pin = pin }

// Service returns the service being paired.
func (h *HapHandler) Service() *models.MutableService { return h.service }

// HasPaired reports whether Finish completed successfully.
func (h *HapHandler) HasPaired() bool { return h.paired }

// Begin starts the M1/M2 exchange so the device shows its PIN.
func (h *HapHandler) Begin(ctx context.Context) error {
	return h.procedure.Start(ctx)
}

// Finish completes pairing and stores serialized credentials on the
// service.
func (h *HapHandler) Finish(ctx context.Context) error {
	if h.pin == "" {
		return &models.PairingError{Step: "M3", Err: models.ErrNoCredentials}
	}
	credentials, err := h.procedure.Finish(ctx, h.pin)
	if err != nil {
		return err
	}
	h.service.Credentials = credentials.String()
	h.paired = true
	return nil
}

// Close tears down the pairing transport.
func (h *HapHandler) Close(ctx context.Context) error {
	if h.closeFn != nil {
		return h.closeFn(ctx)
	}
	return nil
}
