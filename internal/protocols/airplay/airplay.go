package airplay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/tlv8"
	"howett.net/plist"
)

// ServiceType is the mDNS service type for AirPlay receivers.
const ServiceType = "_airplay._tcp.local"

// Scan returns the mDNS handlers for AirPlay.
func Scan() map[string]mdns.ServiceHandler {
	return map[string]mdns.ServiceHandler{
		ServiceType: {
			Protocol: models.ProtocolAirPlay,
			Parse: func(raw models.RawService) *models.MutableService {
				return models.NewService(raw.Properties["deviceid"], models.ProtocolAirPlay, raw.Port, raw.Properties)
			},
			DeviceName: func(raw models.RawService) string { return raw.Name },
		},
	}
}

// DeviceInfo derives device attributes from AirPlay TXT properties.
func DeviceInfo(serviceType string, properties map[string]string) map[string]any {
	if serviceType != ServiceType {
		return nil
	}
	out := map[string]any{}
	if model, ok := properties["model"]; ok {
		out["model"] = model
	}
	if version, ok := properties["osvers"]; ok {
		out["version"] = version
	}
	if mac, ok := properties["deviceid"]; ok {
		out["mac"] = mac
	}
	if psi, ok := properties["psi"]; ok {
		out["output_device_id"] = psi
	}
	return out
}

// ServiceInfo derives pairing requirements from the access control list
// and feature flags.
func ServiceInfo(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
	if pw, ok := service.Property("pw"); ok && (pw == "1" || strings.EqualFold(pw, "true")) {
		service.RequiresPassword = true
	}
	if acl, ok := service.Property("acl"); ok && acl == "1" {
		service.Pairing = models.PairingDisabled
		return
	}
	features := ServiceFeatures(service)
	switch {
	case service.Credentials != "":
		service.Pairing = models.PairingNotNeeded
	case features.Has(SupportsCoreUtilsPairingAndEncryption):
		service.Pairing = models.PairingMandatory
	case features.Has(SupportsTransientPairing):
		service.Pairing = models.PairingNotNeeded
	default:
		service.Pairing = models.PairingOptional
	}
}

// NeedsSyntheticRaop reports whether the device advertises unified
// advertiser info without a separate RAOP record, in which case a RAOP
// sibling service is synthesized from the AirPlay one.
func NeedsSyntheticRaop(config *models.DeviceConfig) bool {
	airplay := config.Service(models.ProtocolAirPlay)
	if airplay == nil || config.Service(models.ProtocolRAOP) != nil {
		return false
	}
	return ServiceFeatures(airplay).Has(SupportsUnifiedAdvertiserInfo)
}

// SyntheticRaopService builds the implied RAOP sibling.
func SyntheticRaopService(airplay *models.MutableService) *models.MutableService {
	service := models.NewService(airplay.Identifier, models.ProtocolRAOP, airplay.Port, airplay.Properties)
	service.Credentials = airplay.Credentials
	service.Password = airplay.Password
	return service
}

func airplayFeatures() models.FeatureSet {
	return models.NewFeatureSet(models.FeaturePlayURL)
}

// Setup builds the AirPlay contribution: the URL stream interface plus,
// when the device is eligible, an MRP tunnel record.
func Setup(c *core.Core) []core.SetupData {
	stream := &urlStream{core: c}
	out := []core.SetupData{{
		Protocol: models.ProtocolAirPlay,
		Connect:  stream.connect,
		Close: func(ctx context.Context) error {
			stream.close()
			return nil
		},
		DeviceInfo: func() map[string]any { return nil },
		Interfaces: core.Interfaces{Stream: stream},
		Features:   airplayFeatures(),
	}}

	if tunnel := maybeTunnel(c); tunnel != nil {
		out = append(out, tunnel...)
	}
	return out
}

// Session is an authenticated HTTP session against an AirPlay receiver.
type Session struct {
	Connection *conn.HttpConnection
}

// NewSession wraps a connection.
func NewSession(connection *conn.HttpConnection) *Session {
	return &Session{Connection: connection}
}

// ExchangeTlv posts one pairing TLV to a HAP endpoint (pair-setup or
// pair-verify), implementing the exchanger used by the procedures.
type httpTlvExchanger struct {
	session *Session
	path    string
}

func (e *httpTlvExchanger) ExchangeTlv(ctx context.Context, step string, fields map[byte][]byte) (map[byte][]byte, error) {
	path := e.path
	if strings.HasPrefix(step, "verify") {
		path = "/pair-verify"
	}
	resp, err := e.session.Connection.SendAndReceive(ctx, conn.Request{
		Method: "POST",
		URI:    path,
		Headers: []conn.Header{
			{Key: "User-Agent", Value: conn.UserAgent},
			{Key: "X-Apple-HKP", Value: "4"},
			{Key: "Content-Type", Value: "application/octet-stream"},
		},
		Body: tlv8.Write(fields),
	}, false)
	if err != nil {
		return nil, err
	}
	return tlv8.Read(resp.Body)
}

// Verify authenticates the session with HAP credentials and switches the
// connection to AEAD framing.
func (s *Session) Verify(ctx context.Context, credentials *models.HapCredentials) error {
	verifier := pairing.NewVerifyProcedure(&httpTlvExchanger{session: s, path: "/pair-setup"}, credentials)
	hasKeys, err := verifier.Verify(ctx)
	if err != nil {
		return err
	}
	if !hasKeys {
		return nil
	}
	outKey, inKey, err := verifier.EncryptionKeys(
		"Control-Salt", "Control-Write-Encryption-Key", "Control-Read-Encryption-Key")
	if err != nil {
		return err
	}
	return s.Connection.EnableEncryption(outKey, inKey)
}

// VerifyTransient runs transient pair-setup (HomePod) and switches the
// connection to AEAD framing keyed from the SRP session.
func (s *Session) VerifyTransient(ctx context.Context) error {
	setup := pairing.NewSetupProcedure(&httpTlvExchanger{session: s, path: "/pair-setup"}, true)
	if err := setup.Start(ctx); err != nil {
		return err
	}
	if _, err := setup.Finish(ctx, pairing.TransientPin); err != nil {
		return err
	}
	outKey, inKey, err := pairing.TransientKeys(setup,
		"Control-Salt", "Control-Write-Encryption-Key", "Control-Read-Encryption-Key")
	if err != nil {
		return err
	}
	return s.Connection.EnableEncryption(outKey, inKey)
}

// PlayURL asks the receiver to play a URL from position 0.
func (s *Session) PlayURL(ctx context.Context, url string) error {
	body, err := plist.Marshal(map[string]any{
		"Content-Location": url,
		"Start-Position":   0.0,
	}, plist.BinaryFormat)
	if err != nil {
		return err
	}
	_, err = s.Connection.SendAndReceive(ctx, conn.Request{
		Method: "POST",
		URI:    "/play",
		Headers: []conn.Header{
			{Key: "User-Agent", Value: conn.UserAgent},
			{Key: "Content-Type", Value: "application/x-apple-binary-plist"},
		},
		Body: body,
	}, false)
	return err
}

// Stop ends playback.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.Connection.SendAndReceive(ctx, conn.Request{
		Method:  "POST",
		URI:     "/stop",
		Headers: []conn.Header{{Key: "User-Agent", Value: conn.UserAgent}},
	}, true)
	return err
}

// urlStream implements the stream capability over one session.
type urlStream struct {
	core *core.Core

	session *Session
}

func (u *urlStream) Supports(c core.Command) bool {
	return c == core.CmdPlayURL
}

func (u *urlStream) connect(ctx context.Context) error {
	addr := net.JoinHostPort(u.core.Config.Address.String(), strconv.Itoa(int(u.core.Service.Port)))
	connection, err := conn.Dial(ctx, addr)
	if err != nil {
		return err
	}
	session := NewSession(connection)

	if u.core.Service.Credentials != "" {
		credentials, err := models.ParseCredentials(u.core.Service.Credentials)
		if err != nil {
			connection.Close()
			return err
		}
		switch credentials.Type() {
		case models.CredentialsHAP:
			err = session.Verify(ctx, credentials)
		case models.CredentialsTransient:
			err = session.VerifyTransient(ctx)
		}
		if err != nil {
			connection.Close()
			return err
		}
	}
	u.session = session
	return nil
}

func (u *urlStream) close() {
	if u.session != nil {
		u.session.Connection.Close()
		u.session = nil
	}
}

func (u *urlStream) PlayURL(ctx context.Context, url string) error {
	if u.session == nil {
		return fmt.Errorf("%w: not connected", models.ErrInvalidState)
	}
	return u.session.PlayURL(ctx, url)
}

func (u *urlStream) StreamFile(ctx context.Context, source io.Reader) error {
	return models.ErrNotSupported
}

func (u *urlStream) StopStream(ctx context.Context) error {
	if u.session == nil {
		return nil
	}
	return u.session.Stop(ctx)
}

// Pair creates a HAP pairing handler over the receiver's HTTP surface.
func Pair(c *core.Core) core.PairingHandler {
	return &pairHandler{core: c}
}

type pairHandler struct {
	core *core.Core

	session *Session
	inner   *pairing.HapHandler
}

func (p *pairHandler) DeviceProvidesPin() bool { return true }
func (p *pairHandler) Service() *models.MutableService { return p.core.Service }
func (p *pairHandler) HasPaired() bool { return p.inner != nil && p.inner.HasPaired() }
func (p *pairHandler) Pin(pin string) { p.inner.Pin(pin) }

func (p *pairHandler) Begin(ctx context.Context) error {
	addr := net.JoinHostPort(p.core.Config.Address.String(), strconv.Itoa(int(p.core.Service.Port)))
	connection, err := conn.Dial(ctx, addr)
	if err != nil {
		return err
	}
	p.session = NewSession(connection)
	procedure := pairing.NewSetupProcedure(&httpTlvExchanger{session: p.session, path: "/pair-setup"}, false)
	p.inner = pairing.NewHapHandler(p.core.Service, procedure, func(ctx context.Context) error {
		connection.Close()
		return nil
	})
	return p.inner.Begin(ctx)
}

func (p *pairHandler) Finish(ctx context.Context) error { return p.inner.Finish(ctx) }

func (p *pairHandler) Close(ctx context.Context) error {
	if p.inner != nil {
		return p.inner.Close(ctx)
	}
	return nil
}

// ParseInfoPlist decodes a /info response body.
func ParseInfoPlist(body []byte) (map[string]any, error) {
	var out map[string]any
	if _, err := plist.Unmarshal(body, &out); err != nil {
		return nil, models.ProtocolErrorf("airplay: malformed info plist: %v", err)
	}
	return out, nil
}

// PlistBody marshals a request body as a binary plist.
func PlistBody(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := plist.NewBinaryEncoder(&buf)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
