package airplay

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/protocols/mrp"
	"github.com/google/uuid"
	"howett.net/plist"
)

// Data stream channel key derivation.
const (
	dataStreamSaltPrefix = "DataStream-Salt"
	dataStreamOutputInfo = "DataStream-Output-Encryption-Key"
	dataStreamInputInfo  = "DataStream-Input-Encryption-Key"
)

// TunnelEligible reports whether the device supports remote control over
// an AirPlay data stream: an Apple TV on tvOS 13 or later with HAP
// credentials, or a HomePod with transient credentials.
func TunnelEligible(service *models.MutableService, model string, osVersion string) bool {
	credentials := credentialsType(service)
	switch {
	case strings.HasPrefix(model, "AppleTV"):
		return osAtLeast(osVersion, 13) && credentials == models.CredentialsHAP
	case strings.HasPrefix(model, "AudioAccessory"):
		return credentials == models.CredentialsTransient
	default:
		return false
	}
}

func credentialsType(service *models.MutableService) models.CredentialsType {
	if service.Credentials == "" {
		if ServiceFeatures(service).Has(SupportsTransientPairing) {
			return models.CredentialsTransient
		}
		return models.CredentialsNull
	}
	credentials, err := models.ParseCredentials(service.Credentials)
	if err != nil {
		return models.CredentialsNull
	}
	return credentials.Type()
}

func osAtLeast(version string, major int) bool {
	head, _, _ := strings.Cut(version, ".")
	value, err := strconv.Atoi(head)
	return err == nil && value >= major
}

// maybeTunnel yields an MRP setup record when the device is eligible.
func maybeTunnel(c *core.Core) []core.SetupData {
	model, _ := c.Service.Property("model")
	osVersion, _ := c.Service.Property("osvers")
	if !TunnelEligible(c.Service, model, osVersion) {
		return nil
	}

	tunnel := &Tunnel{core: c}
	protocol := mrp.NewTunnelProtocol(c.Service, tunnel.Connect)
	return mrp.SetupWithProtocol(c, protocol)
}

// Tunnel establishes the MRP-over-AirPlay data stream: pair-verify on the
// control connection, a SETUP exchange for the event channel, a stream
// SETUP for the remote-control data channel, and finally an encrypted TCP
// connection to the returned data port.
type Tunnel struct {
	core *core.Core

	control *conn.HttpConnection
}

// Connect returns an MRP connection running over the data stream channel.
func (t *Tunnel) Connect(ctx context.Context) (*mrp.Connection, error) {
	addr := net.JoinHostPort(t.core.Config.Address.String(), strconv.Itoa(int(t.core.Service.Port)))
	control, err := conn.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	t.control = control
	session := NewSession(control)

	verifier, err := t.authenticate(ctx, session)
	if err != nil {
		control.Close()
		return nil, err
	}

	// Announce ourselves and learn the event channel.
	if _, err := t.setup(ctx, map[string]any{
		"deviceID":                 strings.ToUpper(t.core.Config.Identifier()),
		"sessionUUID":              uuid.NewString(),
		"macAddress":               t.core.Config.Identifier(),
		"model":                    "airtv",
		"name":                     "airtv",
		"isScreenMirroringSession": false,
	}); err != nil {
		control.Close()
		return nil, err
	}

	seed := rand.Uint64()
	streamSetup, err := t.setup(ctx, map[string]any{
		"streams": []any{map[string]any{
			"type":                 130,
			"controlType":          2,
			"channelID":            strings.ToUpper(uuid.NewString()),
			"seed":                 seed,
			"clientUUID":           strings.ToUpper(uuid.NewString()),
			"clientTypeUUID":       "1910A70F-DBC0-4242-AF95-115DB30604E1",
			"wantsDedicatedSocket": true,
		}},
	})
	if err != nil {
		control.Close()
		return nil, err
	}
	dataPort, err := streamDataPort(streamSetup)
	if err != nil {
		control.Close()
		return nil, err
	}

	salt := fmt.Sprintf("%s%d", dataStreamSaltPrefix, seed)
	outKey, inKey, err := verifier(salt)
	if err != nil {
		control.Close()
		return nil, err
	}

	dataAddr := net.JoinHostPort(t.core.Config.Address.String(), strconv.Itoa(dataPort))
	data, err := mrp.DialConnection(ctx, dataAddr)
	if err != nil {
		control.Close()
		return nil, err
	}
	if err := data.EnableEncryption(outKey, inKey); err != nil {
		control.Close()
		return nil, err
	}
	return data, nil
}

// Close tears down the control connection backing the tunnel.
func (t *Tunnel) Close() {
	if t.control != nil {
		t.control.Close()
	}
}

// authenticate verifies the session and returns a key deriver bound to the
// established shared secret.
func (t *Tunnel) authenticate(ctx context.Context, session *Session) (func(salt string) ([]byte, []byte, error), error) {
	if t.core.Service.Credentials != "" {
		credentials, err := models.ParseCredentials(t.core.Service.Credentials)
		if err != nil {
			return nil, err
		}
		if credentials.Type() == models.CredentialsHAP {
			verify := pairing.NewVerifyProcedure(&httpTlvExchanger{session: session, path: "/pair-setup"}, credentials)
			hasKeys, err := verify.Verify(ctx)
			if err != nil {
				return nil, err
			}
			if !hasKeys {
				return nil, models.ErrInvalidCredentials
			}
			if err := enableControlEncryption(session, verify.EncryptionKeys); err != nil {
				return nil, err
			}
			return func(salt string) ([]byte, []byte, error) {
				return verify.EncryptionKeys(salt, dataStreamOutputInfo, dataStreamInputInfo)
			}, nil
		}
	}

	// HomePod path: transient pairing.
	setup := pairing.NewSetupProcedure(&httpTlvExchanger{session: session, path: "/pair-setup"}, true)
	if err := setup.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := setup.Finish(ctx, pairing.TransientPin); err != nil {
		return nil, err
	}
	derive := func(salt, out, in string) ([]byte, []byte, error) {
		return pairing.TransientKeys(setup, salt, out, in)
	}
	if err := enableControlEncryption(session, derive); err != nil {
		return nil, err
	}
	return func(salt string) ([]byte, []byte, error) {
		return pairing.TransientKeys(setup, salt, dataStreamOutputInfo, dataStreamInputInfo)
	}, nil
}

func enableControlEncryption(session *Session, derive func(salt, out, in string) ([]byte, []byte, error)) error {
	outKey, inKey, err := derive("Control-Salt", "Control-Write-Encryption-Key", "Control-Read-Encryption-Key")
	if err != nil {
		return err
	}
	return session.Connection.EnableEncryption(outKey, inKey)
}

// setup issues one RTSP SETUP carrying a binary plist.
func (t *Tunnel) setup(ctx context.Context, body map[string]any) (map[string]any, error) {
	encoded, err := PlistBody(body)
	if err != nil {
		return nil, err
	}
	resp, err := t.control.SendAndReceive(ctx, conn.Request{
		Method:   "SETUP",
		URI:      "rtsp://" + t.core.Config.Address.String(),
		Protocol: "RTSP/1.0",
		Headers: []conn.Header{
			{Key: "User-Agent", Value: conn.UserAgent},
			{Key: "X-Apple-HKP", Value: "4"},
			{Key: "Content-Type", Value: "application/x-apple-binary-plist"},
			{Key: "CSeq", Value: "0"},
		},
		Body: encoded,
	}, false)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if _, err := plist.Unmarshal(resp.Body, &out); err != nil {
		return nil, models.ProtocolErrorf("airplay: malformed setup response: %v", err)
	}
	return out, nil
}

func streamDataPort(setup map[string]any) (int, error) {
	streams, _ := setup["streams"].([]any)
	if len(streams) == 0 {
		return 0, models.ProtocolErrorf("airplay: setup response has no streams")
	}
	stream, _ := streams[0].(map[string]any)
	switch port := stream["dataPort"].(type) {
	case uint64:
		return int(port), nil
	case int64:
		return int(port), nil
	case float64:
		return int(port), nil
	default:
		return 0, models.ProtocolErrorf("airplay: stream is missing dataPort")
	}
}
