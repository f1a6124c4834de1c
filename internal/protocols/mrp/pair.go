package mrp

import (
	"context"
	"net"
	"strconv"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
)

// Pair creates the MRP pairing handler: a bare connection, the device
// information exchange, then HAP pair-setup tunneled through
// CRYPTO_PAIRING messages.
func Pair(c *core.Core) core.PairingHandler {
	return &pairHandler{core: c}
}

type pairHandler struct {
	core *core.Core

	protocol *Protocol
	inner    *pairing.HapHandler
}

func (p *pairHandler) DeviceProvidesPin() bool { return true }
func (p *pairHandler) Service() *models.MutableService { return p.core.Service }
func (p *pairHandler) HasPaired() bool { return p.inner != nil && p.inner.HasPaired() }
func (p *pairHandler) Pin(pin string) { p.inner.Pin(pin) }

func (p *pairHandler) Begin(ctx context.Context) error {
	addr := net.JoinHostPort(p.core.Config.Address.String(), strconv.Itoa(int(p.core.Service.Port)))
	connection, err := DialConnection(ctx, addr)
	if err != nil {
		return err
	}
	protocol := NewProtocolWithConnection(p.core.Service, connection)
	protocol.StartBare()
	p.protocol = protocol

	// The device expects device information before any pairing frame.
	info := &protos.DeviceInfo{
		UniqueIdentifier: protocol.clientID,
		Name:             "airtv",
		BundleIdentifier: "com.airtv.remote",
	}
	if _, err := protocol.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypeDeviceInfo,
		Payload: info.Marshal(),
	}, false); err != nil {
		protocol.Stop()
		return err
	}

	procedure := pairing.NewSetupProcedure(&cryptoPairingExchanger{p: protocol}, false)
	p.inner = pairing.NewHapHandler(p.core.Service, procedure, func(ctx context.Context) error {
		protocol.Stop()
		return nil
	})
	return p.inner.Begin(ctx)
}

func (p *pairHandler) Finish(ctx context.Context) error { return p.inner.Finish(ctx) }

func (p *pairHandler) Close(ctx context.Context) error {
	if p.inner != nil {
		return p.inner.Close(ctx)
	}
	if p.protocol != nil {
		p.protocol.Stop()
	}
	return nil
}
