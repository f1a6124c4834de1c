package companion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/opack"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/tlv8"
)

// ServiceType is the mDNS service type for Companion.
const ServiceType = "_companion-link._tcp.local"

// Encryption key derivation parameters.
const (
	clientEncryptInfo = "ClientEncrypt-main"
	serverEncryptInfo = "ServerEncrypt-main"
)

// rpfl bits controlling pairing requirements.
const (
	rpflPairingDisabled = 0x04
	rpflPinMandatory    = 0x4000
)

// HID command codes.
const (
	hidUp          = 1
	hidDown        = 2
	hidLeft        = 3
	hidRight       = 4
	hidMenu        = 5
	hidSelect      = 6
	hidHome        = 7
	hidVolumeUp    = 8
	hidVolumeDown  = 9
	hidScreensaver = 11
	hidSleep       = 12
	hidWake        = 13
	hidPlayPause   = 14
)

// Media control command numbers.
const (
	mcPlay         = 1
	mcPause        = 2
	mcNextTrack    = 5
	mcPrevTrack    = 6
	mcSkipForward  = 8
	mcSkipBackward = 9
)

// Media control feature bits announced in the _mcF bitmap.
const (
	McfPlay         = 0x1
	McfPause        = 0x2
	McfNextTrack    = 0x4
	McfPrevTrack    = 0x8
	McfSkipForward  = 0x200
	McfSkipBackward = 0x400
)

// System status values carried by SystemStatus/TVSystemStatus events.
const (
	statusAsleep      = 0x01
	statusScreensaver = 0x02
	statusAwake       = 0x03
	statusIdle        = 0x04
)

// Scan returns the mDNS handlers for Companion.
func Scan() map[string]mdns.ServiceHandler {
	return map[string]mdns.ServiceHandler{
		ServiceType: {
			Protocol: models.ProtocolCompanion,
			Parse: func(raw models.RawService) *models.MutableService {
				return models.NewService(raw.Properties["rpmac"], models.ProtocolCompanion, raw.Port, raw.Properties)
			},
			DeviceName: func(raw models.RawService) string { return raw.Name },
		},
	}
}

// DeviceInfo derives device attributes from Companion TXT properties.
func DeviceInfo(serviceType string, properties map[string]string) map[string]any {
	if serviceType != ServiceType {
		return nil
	}
	out := map[string]any{}
	if model, ok := properties["rpmd"]; ok {
		out["model"] = model
	}
	return out
}

// ServiceInfo applies the rpfl pairing bits: 0x04 disables pairing,
// 0x4000 requires a PIN; anything else leaves pairing unsupported.
func ServiceInfo(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
	if service.Credentials != "" {
		service.Pairing = models.PairingNotNeeded
		return
	}
	flags, ok := service.Property("rpfl")
	if !ok {
		service.Pairing = models.PairingUnsupported
		return
	}
	value, err := strconv.ParseUint(strings.TrimPrefix(flags, "0x"), 16, 64)
	if err != nil {
		service.Pairing = models.PairingUnsupported
		return
	}
	switch {
	case value&rpflPairingDisabled != 0:
		service.Pairing = models.PairingDisabled
	case value&rpflPinMandatory != 0:
		service.Pairing = models.PairingMandatory
	default:
		service.Pairing = models.PairingUnsupported
	}
}

// Api is the request/response surface of one companion session.
type Api struct {
	service *models.MutableService
	addr    string

	mu       sync.Mutex
	conn     *Connection
	pending  map[int64]chan map[string]any
	events   map[string][]func(map[string]any)
	xid      int64
	features uint64 // _mcF bitmap

	powerState   models.PowerState
	dispatcher   *core.ProtocolStateDispatcher
	pairingReply chan Frame
}

// NewApi creates a session for the device behind the core.
func NewApi(c *core.Core) *Api {
	return &Api{
		service:    c.Service,
		addr:       net.JoinHostPort(c.Config.Address.String(), strconv.Itoa(int(c.Service.Port))),
		pending:    make(map[int64]chan map[string]any),
		events:     make(map[string][]func(map[string]any)),
		powerState: models.PowerStateUnknown,
		dispatcher: c.StateDispatcher.ProtocolDispatcher(models.ProtocolCompanion),
	}
}

// NewApiWithConnection creates a session on an existing connection (tests).
func NewApiWithConnection(service *models.MutableService, conn *Connection) *Api {
	return &Api{
		service:    service,
		conn:       conn,
		pending:    make(map[int64]chan map[string]any),
		events:     make(map[string][]func(map[string]any)),
		powerState: models.PowerStateUnknown,
	}
}

// StartBare attaches callbacks and the reader without the encryption
// handshake; used when the peer side is driven directly (tests, tunnels).
func (a *Api) StartBare() {
	a.conn.SetCallbacks(a.handleFrame, a.handleClosed)
	a.conn.Start()
}

// ListenEvent registers a listener for one event id.
func (a *Api) ListenEvent(id string, fn func(content map[string]any)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[id] = append(a.events[id], fn)
}

// Connect dials the device, establishes the encrypted channel, starts the
// session, and subscribes to media-control and system-status events.
func (a *Api) Connect(ctx context.Context) error {
	if a.conn == nil {
		conn, err := DialConnection(ctx, a.addr)
		if err != nil {
			return err
		}
		a.conn = conn
	}
	a.conn.SetCallbacks(a.handleFrame, a.handleClosed)
	a.conn.Start()

	if err := a.establishEncryption(ctx); err != nil {
		a.conn.Close()
		return err
	}

	if _, err := a.SendRequest(ctx, "_sessionStart", map[string]any{
		"_srvT": "com.apple.tvremoteservices",
		"_sid":  int64(0),
	}); err != nil {
		return err
	}

	a.ListenEvent("_iMC", a.HandleMediaControlFlags)
	a.ListenEvent("SystemStatus", a.HandleSystemStatus)
	a.ListenEvent("TVSystemStatus", a.HandleSystemStatus)
	return a.SendEvent("_interest", map[string]any{
		"_regEvents": []any{"_iMC", "SystemStatus", "TVSystemStatus"},
	})
}

// establishEncryption runs pair-verify with stored HAP credentials, or a
// transient pair-setup when only transient credentials exist.
func (a *Api) establishEncryption(ctx context.Context) error {
	if a.service.Credentials == "" {
		return fmt.Errorf("%w: companion requires pairing", models.ErrNoCredentials)
	}
	credentials, err := models.ParseCredentials(a.service.Credentials)
	if err != nil {
		return err
	}

	switch credentials.Type() {
	case models.CredentialsHAP:
		verify := pairing.NewVerifyProcedure(&frameExchanger{api: a, start: FramePVStart, next: FramePVNext}, credentials)
		hasKeys, err := verify.Verify(ctx)
		if err != nil {
			return err
		}
		if !hasKeys {
			return models.ErrInvalidCredentials
		}
		outKey, inKey, err := verify.EncryptionKeys("", clientEncryptInfo, serverEncryptInfo)
		if err != nil {
			return err
		}
		return a.conn.EnableEncryption(outKey, inKey)
	case models.CredentialsTransient:
		setup := pairing.NewSetupProcedure(&frameExchanger{api: a, start: FramePSStart, next: FramePSNext}, true)
		if err := setup.Start(ctx); err != nil {
			return err
		}
		if _, err := setup.Finish(ctx, pairing.TransientPin); err != nil {
			return err
		}
		outKey, inKey, err := pairing.TransientKeys(setup, "", clientEncryptInfo, serverEncryptInfo)
		if err != nil {
			return err
		}
		return a.conn.EnableEncryption(outKey, inKey)
	default:
		return models.ErrInvalidCredentials
	}
}

// Close shuts the session down.
func (a *Api) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// SetClosedCallback forwards connection loss.
func (a *Api) SetClosedCallback(fn func(error)) {
	if a.conn != nil {
		a.conn.SetCallbacks(a.handleFrame, fn)
	}
}

// SendRequest sends one request frame and waits for its response, matched
// by transaction id.
func (a *Api) SendRequest(ctx context.Context, id string, content map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.xid++
	xid := a.xid
	ch := make(chan map[string]any, 1)
	a.pending[xid] = ch
	a.mu.Unlock()

	remove := func() {
		a.mu.Lock()
		delete(a.pending, xid)
		a.mu.Unlock()
	}

	if err := a.sendOpack(map[string]any{
		"_i": id,
		"_t": int64(2),
		"_x": xid,
		"_c": content,
	}); err != nil {
		remove()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, models.ErrConnectionLost
		}
		if errCode, present := resp["_ec"]; present {
			return resp, &models.CommandError{Command: id, SendError: uint64(asInt64(errCode))}
		}
		return resp, nil
	case <-ctx.Done():
		remove()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request %s", models.ErrTimeout, id)
		}
		return nil, ctx.Err()
	}
}

// SendEvent sends one fire-and-forget event frame.
func (a *Api) SendEvent(id string, content map[string]any) error {
	return a.sendOpack(map[string]any{
		"_i": id,
		"_t": int64(1),
		"_c": content,
	})
}

func (a *Api) sendOpack(payload map[string]any) error {
	data, err := packOpack(payload)
	if err != nil {
		return err
	}
	return a.conn.Send(Frame{Type: FrameEOpack, Data: data})
}

func (a *Api) handleFrame(frame Frame) {
	if frame.Type != FrameEOpack && frame.Type != FrameUOpack && frame.Type != FramePOpack {
		a.handlePairingFrame(frame)
		return
	}
	payload, err := DecodeOpack(frame.Data)
	if err != nil {
		return
	}
	switch asInt64(payload["_t"]) {
	case 3: // response
		a.mu.Lock()
		ch, ok := a.pending[asInt64(payload["_x"])]
		if ok {
			delete(a.pending, asInt64(payload["_x"]))
		}
		a.mu.Unlock()
		if ok {
			content, _ := payload["_c"].(map[string]any)
			if content == nil {
				content = map[string]any{}
			}
			if ec, present := payload["_ec"]; present {
				content["_ec"] = ec
			}
			ch <- content
		}
	case 1: // event
		id, _ := payload["_i"].(string)
		content, _ := payload["_c"].(map[string]any)
		a.mu.Lock()
		fns := append(([]func(map[string]any))(nil), a.events[id]...)
		a.mu.Unlock()
		for _, fn := range fns {
			fn(content)
		}
	}
}

func (a *Api) handleClosed(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]chan map[string]any)
	a.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// HandleMediaControlFlags records the announced media feature bitmap.
func (a *Api) HandleMediaControlFlags(content map[string]any) {
	a.mu.Lock()
	a.features = uint64(asInt64(content["_mcF"]))
	a.mu.Unlock()
}

// MediaFeatures returns the current _mcF bitmap.
func (a *Api) MediaFeatures() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.features
}

// HandleSystemStatus maps system status events onto power states:
// asleep turns the device Off, screensaver/awake/idle mean On.
func (a *Api) HandleSystemStatus(content map[string]any) {
	state := models.PowerStateUnknown
	switch asInt64(content["_sS"]) {
	case statusAsleep:
		state = models.PowerStateOff
	case statusScreensaver, statusAwake, statusIdle:
		state = models.PowerStateOn
	default:
		return
	}
	a.mu.Lock()
	changed := a.powerState != state
	a.powerState = state
	dispatcher := a.dispatcher
	a.mu.Unlock()
	if changed && dispatcher != nil {
		dispatcher.Dispatch(core.StatePower, state)
	}
}

// PowerState returns the last observed power state.
func (a *Api) PowerState() models.PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powerState
}

// HidCommand presses and releases one HID key. Hold inserts a one second
// delay between press and release.
func (a *Api) HidCommand(ctx context.Context, code int, hold bool) error {
	if _, err := a.SendRequest(ctx, "_hidC", map[string]any{
		"_hBtS": int64(1),
		"_hidC": int64(code),
	}); err != nil {
		return err
	}
	if hold {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := a.SendRequest(ctx, "_hidC", map[string]any{
		"_hBtS": int64(2),
		"_hidC": int64(code),
	})
	return err
}

// MediaControl issues one media control command.
func (a *Api) MediaControl(ctx context.Context, command int) error {
	_, err := a.SendRequest(ctx, "_mcc", map[string]any{"_mcc": int64(command)})
	return err
}

// handlePairingFrame routes PS/PV replies to the frame exchanger.
func (a *Api) handlePairingFrame(frame Frame) {
	a.mu.Lock()
	ch := a.pairingReply
	a.pairingReply = nil
	a.mu.Unlock()
	if ch != nil {
		ch <- frame
	}
}

// frameExchanger tunnels pairing TLVs through PS/PV opack frames: the
// first step uses the start frame type, subsequent steps the next type.
type frameExchanger struct {
	api   *Api
	start FrameType
	next  FrameType

	started bool
}

func (e *frameExchanger) ExchangeTlv(ctx context.Context, step string, fields map[byte][]byte) (map[byte][]byte, error) {
	frameType := e.next
	if !e.started {
		frameType = e.start
		e.started = true
	}
	body, err := packOpack(map[string]any{
		"_pd":   tlv8.Write(fields),
		"_auTy": int64(4),
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Frame, 1)
	e.api.mu.Lock()
	e.api.pairingReply = ch
	e.api.mu.Unlock()

	if err := e.api.conn.Send(Frame{Type: frameType, Data: body}); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	select {
	case reply := <-ch:
		payload, err := DecodeOpack(reply.Data)
		if err != nil {
			return nil, err
		}
		pd, _ := payload["_pd"].([]byte)
		if pd == nil {
			return nil, models.ProtocolErrorf("companion: pairing frame missing _pd")
		}
		return tlv8.Read(pd)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: pairing %s", models.ErrTimeout, step)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func packOpack(value map[string]any) ([]byte, error) {
	return opack.Pack(value)
}
