package raop

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/tlv8"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"howett.net/plist"
)

// StreamProtocol negotiates transports for one session generation and
// processes outgoing audio packets.
type StreamProtocol interface {
	// Setup negotiates the session and fills the context's server, control,
	// and timing ports. The local ports are offered to the receiver.
	Setup(ctx context.Context, controlPort, timingPort uint16) error
	// ProcessPacket prepares one RTP audio packet for the wire.
	ProcessPacket(packet []byte, seqno uint16) []byte
	// Teardown ends the session.
	Teardown(ctx context.Context)
}

// rtspTlvExchanger posts pairing TLVs over the RTSP connection.
type rtspTlvExchanger struct {
	session *conn.RtspSession
}

func (e *rtspTlvExchanger) ExchangeTlv(ctx context.Context, step string, fields map[byte][]byte) (map[byte][]byte, error) {
	path := "/pair-setup"
	if len(step) >= 6 && step[:6] == "verify" {
		path = "/pair-verify"
	}
	resp, err := e.session.Exchange(ctx, "POST", path, []conn.Header{
		{Key: "X-Apple-HKP", Value: "4"},
		{Key: "Content-Type", Value: "application/octet-stream"},
	}, tlv8.Write(fields), false)
	if err != nil {
		return nil, err
	}
	return tlv8.Read(resp.Body)
}

// VerifySession runs pair-verify (or transient pair-setup) on the RTSP
// link and enables AEAD framing when the credentials provide keys.
func VerifySession(ctx context.Context, session *conn.RtspSession, credentials string) error {
	if credentials == "" {
		return nil
	}
	parsed, err := models.ParseCredentials(credentials)
	if err != nil {
		return err
	}
	switch parsed.Type() {
	case models.CredentialsNull:
		return nil
	case models.CredentialsLegacy:
		// Legacy devices authenticate on the AirPlay HTTP surface; the RTSP
		// link stays in the clear.
		return nil
	case models.CredentialsTransient:
		setup := pairing.NewSetupProcedure(&rtspTlvExchanger{session: session}, true)
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
		return session.Connection.EnableEncryption(outKey, inKey)
	default:
		verify := pairing.NewVerifyProcedure(&rtspTlvExchanger{session: session}, parsed)
		hasKeys, err := verify.Verify(ctx)
		if err != nil {
			return err
		}
		if !hasKeys {
			return nil
		}
		outKey, inKey, err := verify.EncryptionKeys(
			"Control-Salt", "Control-Write-Encryption-Key", "Control-Read-Encryption-Key")
		if err != nil {
			return err
		}
		return session.Connection.EnableEncryption(outKey, inKey)
	}
}

// AirPlayV1 is the legacy RAOP session flow: SDP announce followed by a
// transport SETUP and RECORD.
type AirPlayV1 struct {
	Session *conn.RtspSession
	Context *StreamContext
}

// Setup announces the stream and negotiates UDP transports.
func (v *AirPlayV1) Setup(ctx context.Context, controlPort, timingPort uint16) error {
	if err := VerifySession(ctx, v.Session, v.Context.Credentials); err != nil {
		return err
	}

	local := "0.0.0.0"
	if addr, ok := v.Session.Connection.LocalAddr().(*net.TCPAddr); ok {
		local = addr.IP.String()
	}
	remote := "0.0.0.0"
	if addr, ok := v.Session.Connection.RemoteAddr().(*net.TCPAddr); ok {
		remote = addr.IP.String()
	}

	sdp := fmt.Sprintf(
		"v=0\r\n"+
			"o=iTunes %d 0 IN IP4 %s\r\n"+
			"s=iTunes\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio 0 RTP/AVP 96\r\n"+
			"a=rtpmap:96 L16/%d/%d\r\n",
		v.Session.SessionID, local, remote, v.Context.SampleRate, v.Context.Channels)
	if _, err := v.Session.Announce(ctx, sdp); err != nil {
		return err
	}

	transport := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		controlPort, timingPort)
	resp, err := v.Session.Setup(ctx, []conn.Header{{Key: "Transport", Value: transport}}, nil)
	if err != nil {
		return err
	}
	params := conn.ParseTransport(resp.Header("Transport"))
	if v.Context.ServerPort, err = conn.TransportPort(params, "server_port"); err != nil {
		return err
	}
	if v.Context.ControlPort, err = conn.TransportPort(params, "control_port"); err != nil {
		return err
	}
	if port, err := conn.TransportPort(params, "timing_port"); err == nil {
		v.Context.TimingPort = port
	}
	v.Context.RtspSessionID = resp.Header("Session")

	record, err := v.Session.Record(ctx, []conn.Header{
		{Key: "Range", Value: "npt=0-"},
		{Key: "Session", Value: v.Context.RtspSessionID},
		{Key: "RTP-Info", Value: fmt.Sprintf("seq=%d;rtptime=%d", v.Context.RtpSeq, v.Context.RtpTime)},
	})
	if err != nil {
		return err
	}
	if latency := record.Header("Audio-Latency"); latency != "" {
		if value, err := strconv.ParseUint(latency, 10, 32); err == nil {
			v.Context.Latency = uint32(value)
		}
	}
	return nil
}

// ProcessPacket passes audio through unchanged (v1 streams in the clear).
func (v *AirPlayV1) ProcessPacket(packet []byte, seqno uint16) []byte { return packet }

// Teardown ends the session.
func (v *AirPlayV1) Teardown(ctx context.Context) {
	_, _ = v.Session.Teardown(ctx)
}

// AirPlayV2 is the buffered-era flow: binary plist SETUP exchanges and
// per-packet ChaCha20-Poly1305 audio encryption keyed by the returned shk.
type AirPlayV2 struct {
	Session *conn.RtspSession
	Context *StreamContext

	aead cipher.AEAD
}

// NewAirPlayV2ForTest builds a v2 protocol with a preinstalled audio key,
// bypassing session negotiation (test fixture).
func NewAirPlayV2ForTest(shk []byte) *AirPlayV2 {
	aead, _ := chacha20poly1305.New(shk)
	return &AirPlayV2{aead: aead}
}

// Setup announces the device, negotiates the audio stream, and installs
// the audio key.
func (v *AirPlayV2) Setup(ctx context.Context, controlPort, timingPort uint16) error {
	if err := VerifySession(ctx, v.Session, v.Context.Credentials); err != nil {
		return err
	}

	deviceSetup := map[string]any{
		"deviceID":             v.Session.DacpID,
		"sessionUUID":          uuid.NewString(),
		"timingPort":           int(timingPort),
		"timingProtocol":       "NTP",
		"isMultiSelectAirPlay": true,
	}
	if _, err := v.setupPlist(ctx, deviceSetup); err != nil {
		return err
	}

	streamSetup := map[string]any{
		"streams": []any{map[string]any{
			"type":                 130,
			"controlType":          2,
			"channelID":            uuid.NewString(),
			"seed":                 int64(v.Session.SessionID),
			"clientUUID":           uuid.NewString(),
			"clientTypeUUID":       "1910A70F-DBC0-4242-AF95-115DB30604E1",
			"wantsDedicatedSocket": true,
			"audioFormat":          0x40000, // 44.1 kHz / 16-bit / 2-channel PCM
			"latencyMin":           int(v.Context.Latency),
			"latencyMax":           int(v.Context.Latency),
			"controlPort":          int(controlPort),
		}},
	}
	response, err := v.setupPlist(ctx, streamSetup)
	if err != nil {
		return err
	}
	stream, err := firstStream(response)
	if err != nil {
		return err
	}

	if port, ok := plistPort(stream["dataPort"]); ok {
		v.Context.ServerPort = port
	} else {
		return models.ProtocolErrorf("raop: stream setup missing dataPort")
	}
	if port, ok := plistPort(stream["controlPort"]); ok {
		v.Context.ControlPort = port
	}
	if port, ok := plistPort(response["timingPort"]); ok {
		v.Context.TimingPort = port
	}

	shk, _ := stream["shk"].([]byte)
	if len(shk) != chacha20poly1305.KeySize {
		return models.ProtocolErrorf("raop: stream setup carries %d-byte shk", len(shk))
	}
	if v.aead, err = chacha20poly1305.New(shk); err != nil {
		return err
	}

	_, err = v.Session.Record(ctx, []conn.Header{
		{Key: "Range", Value: "npt=0-"},
		{Key: "RTP-Info", Value: fmt.Sprintf("seq=%d;rtptime=%d", v.Context.RtpSeq, v.Context.RtpTime)},
	})
	return err
}

// ProcessPacket seals the payload: nonce is the sequence number as a
// little-endian 64-bit value padded to 12 bytes, the AAD is the first four
// header bytes, and the tag follows the ciphertext.
func (v *AirPlayV2) ProcessPacket(packet []byte, seqno uint16) []byte {
	const headerLen = 12
	if v.aead == nil || len(packet) < headerLen {
		return packet
	}
	header := packet[:headerLen]
	payload := packet[headerLen:]

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], uint64(seqno))

	out := make([]byte, 0, len(packet)+16)
	out = append(out, header...)
	return v.aead.Seal(out, nonce, payload, header[:4])
}

// Teardown ends the session.
func (v *AirPlayV2) Teardown(ctx context.Context) {
	_, _ = v.Session.Teardown(ctx)
}

func (v *AirPlayV2) setupPlist(ctx context.Context, body map[string]any) (map[string]any, error) {
	encoded, err := plist.Marshal(body, plist.BinaryFormat)
	if err != nil {
		return nil, err
	}
	resp, err := v.Session.Setup(ctx, nil, encoded)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if len(resp.Body) > 0 {
		if _, err := plist.Unmarshal(resp.Body, &out); err != nil {
			return nil, models.ProtocolErrorf("raop: malformed setup response: %v", err)
		}
	}
	return out, nil
}

func firstStream(response map[string]any) (map[string]any, error) {
	streams, _ := response["streams"].([]any)
	if len(streams) == 0 {
		return nil, models.ProtocolErrorf("raop: setup response has no streams")
	}
	stream, ok := streams[0].(map[string]any)
	if !ok {
		return nil, models.ProtocolErrorf("raop: malformed stream entry")
	}
	return stream, nil
}

func plistPort(value any) (uint16, bool) {
	switch v := value.(type) {
	case uint64:
		return uint16(v), true
	case int64:
		return uint16(v), true
	case float64:
		return uint16(v), true
	default:
		return 0, false
	}
}
