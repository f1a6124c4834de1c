package mrp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
	"github.com/airtv-go/airtv/internal/tlv8"
	"github.com/google/uuid"
)

const (
	// defaultTimeout bounds one correlated exchange.
	defaultTimeout = 5 * time.Second
	// heartbeatInterval paces the keep-alive; one missed beat is retried,
	// a second failure closes the connection.
	heartbeatInterval = 30 * time.Second

	encryptionSalt = "MediaRemote-Salt"
	writeInfo      = "MediaRemote-Write-Encryption-Key"
	readInfo       = "MediaRemote-Read-Encryption-Key"
)

// connState is the protocol lifecycle.
type connState int

const (
	stateNotConnected connState = iota
	stateConnecting
	stateConnected
	stateReady
	stateStopped
)

// Protocol drives one MRP session: the connect handshake, correlated
// exchanges, listener dispatch, heartbeating, and player state tracking.
type Protocol struct {
	service     *models.MutableService
	addr        string
	clientID    string
	credentials *models.HapCredentials

	mu        sync.Mutex
	state     connState
	pending   map[string]chan *protos.Message
	listeners map[protos.MessageType][]func(*protos.Message)

	connection *Connection
	dialFn     func(ctx context.Context) (*Connection, error)
	tunneled   bool
	psm        *PlayerStateManager

	heartbeatCancel context.CancelFunc
	closedCallback  func(error)

	peerInfo *protos.DeviceInfo
}

// NewProtocol creates an engine for the device behind the core.
func NewProtocol(c *core.Core) *Protocol {
	p := newProtocol(c.Service)
	p.addr = net.JoinHostPort(c.Config.Address.String(), strconv.Itoa(int(c.Service.Port)))
	return p
}

// NewTunnelProtocol creates an engine whose transport is produced by a
// connect function (MRP over an AirPlay data stream). The channel arrives
// already encrypted, so pair-verify is skipped during the handshake.
func NewTunnelProtocol(service *models.MutableService, connect func(ctx context.Context) (*Connection, error)) *Protocol {
	p := newProtocol(service)
	p.dialFn = connect
	p.tunneled = true
	return p
}

// NewProtocolWithConnection creates an engine on an existing connection,
// used by tests.
func NewProtocolWithConnection(service *models.MutableService, connection *Connection) *Protocol {
	p := newProtocol(service)
	p.connection = connection
	return p
}

func newProtocol(service *models.MutableService) *Protocol {
	p := &Protocol{
		service:   service,
		clientID:  uuid.NewString(),
		pending:   make(map[string]chan *protos.Message),
		listeners: make(map[protos.MessageType][]func(*protos.Message)),
	}
	p.psm = NewPlayerStateManager(p)
	return p
}

// SetClosedCallback installs the connection-lost callback.
func (p *Protocol) SetClosedCallback(fn func(error)) { p.closedCallback = fn }

// PlayerState returns the state manager for this session.
func (p *Protocol) PlayerState() *PlayerStateManager { return p.psm }

// PeerInfo returns the device information received during the handshake.
func (p *Protocol) PeerInfo() *protos.DeviceInfo { return p.peerInfo }

// Listen registers a message listener for one type.
func (p *Protocol) Listen(t protos.MessageType, fn func(*protos.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[t] = append(p.listeners[t], fn)
}

// Start runs the connect sequence: device information first, pair-verify
// and channel encryption when credentials exist, then connection state and
// the update subscriptions.
func (p *Protocol) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateNotConnected {
		p.mu.Unlock()
		return fmt.Errorf("%w: protocol already started", models.ErrInvalidState)
	}
	p.state = stateConnecting
	p.mu.Unlock()

	if p.service.Credentials != "" {
		credentials, err := models.ParseCredentials(p.service.Credentials)
		if err != nil {
			return err
		}
		p.credentials = credentials
		// Adopt the identity we paired with.
		if len(credentials.ClientID) > 0 {
			p.clientID = string(credentials.ClientID)
		}
	}

	if p.connection == nil {
		var connection *Connection
		var err error
		if p.dialFn != nil {
			connection, err = p.dialFn(ctx)
		} else {
			connection, err = DialConnection(ctx, p.addr)
		}
		if err != nil {
			p.setState(stateStopped)
			return err
		}
		p.connection = connection
	}
	p.connection.SetCallbacks(p.handleMessage, p.handleClosed)
	p.connection.Start()
	p.setState(stateConnected)

	if err := p.handshake(ctx); err != nil {
		p.Stop()
		return err
	}

	p.setState(stateReady)
	hbCtx, cancel := context.WithCancel(context.Background())
	p.heartbeatCancel = cancel
	go p.heartbeatLoop(hbCtx)
	return nil
}

func (p *Protocol) handshake(ctx context.Context) error {
	info := &protos.DeviceInfo{
		UniqueIdentifier:   p.clientID,
		Name:               "airtv",
		SystemBuildVersion: "17K449",
		BundleIdentifier:   "com.airtv.remote",
		ProtocolVersion:    1,
	}
	reply, err := p.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypeDeviceInfo,
		Payload: info.Marshal(),
	}, false)
	if err != nil {
		return err
	}
	if peer, err := protos.ParseDeviceInfo(reply.Payload); err == nil {
		p.peerInfo = peer
	}
	p.dispatchListeners(reply)

	if !p.tunneled && p.credentials != nil && p.credentials.Type() == models.CredentialsHAP {
		verify := pairing.NewVerifyProcedure(&cryptoPairingExchanger{p: p}, p.credentials)
		hasKeys, err := verify.Verify(ctx)
		if err != nil {
			return err
		}
		if hasKeys {
			outKey, inKey, err := verify.EncryptionKeys(encryptionSalt, writeInfo, readInfo)
			if err != nil {
				return err
			}
			if err := p.connection.EnableEncryption(outKey, inKey); err != nil {
				return err
			}
		}
	}

	state := &protos.SetConnectionState{State: 2}
	if err := p.connection.Send(&protos.Message{
		Type:    protos.TypeSetConnectionState,
		Payload: state.Marshal(),
	}); err != nil {
		return err
	}

	config := &protos.ClientUpdatesConfig{
		ArtworkUpdates:    true,
		NowPlayingUpdates: true,
		VolumeUpdates:     true,
		KeyboardUpdates:   true,
	}
	if _, err := p.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypeClientUpdatesConfig,
		Payload: config.Marshal(),
	}, false); err != nil {
		return err
	}
	if _, err := p.SendAndReceive(ctx, &protos.Message{
		Type: protos.TypeGetKeyboardSession,
	}, false); err != nil {
		return err
	}
	return nil
}

// typeKey correlates replies to initial exchanges that carry no identifier.
func typeKey(t protos.MessageType) string {
	return fmt.Sprintf("type_%d", t)
}

// SendAndReceive sends a message and waits for the correlated reply. With
// generateIdentifier the message is tagged with a fresh UUID; otherwise the
// reply is matched by message type. A timeout removes the pending entry
// before surfacing so a late reply cannot resolve a finished call.
func (p *Protocol) SendAndReceive(ctx context.Context, msg *protos.Message, generateIdentifier bool) (*protos.Message, error) {
	var key string
	if generateIdentifier {
		msg.Identifier = uuid.NewString()
		key = msg.Identifier
	} else {
		key = typeKey(msg.Type)
	}

	ch := make(chan *protos.Message, 1)
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return nil, models.ErrConnectionLost
	}
	p.pending[key] = ch
	p.mu.Unlock()

	remove := func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}

	if err := p.connection.Send(msg); err != nil {
		remove()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, models.ErrConnectionLost
		}
		return reply, nil
	case <-ctx.Done():
		remove()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: message type %d", models.ErrTimeout, msg.Type)
		}
		return nil, ctx.Err()
	}
}

// Send writes a message without waiting for a reply.
func (p *Protocol) Send(msg *protos.Message) error {
	return p.connection.Send(msg)
}

// SendCommand sends one media command and checks the result.
func (p *Protocol) SendCommand(ctx context.Context, command *protos.SendCommand, name string) error {
	reply, err := p.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypeSendCommand,
		Payload: command.Marshal(),
	}, true)
	if err != nil {
		return err
	}
	result, err := protos.ParseCommandResult(reply.Payload)
	if err != nil {
		return err
	}
	if result.SendError != 0 {
		return &models.CommandError{Command: name, SendError: result.SendError}
	}
	return nil
}

func (p *Protocol) handleMessage(msg *protos.Message) {
	p.mu.Lock()
	var ch chan *protos.Message
	if msg.Identifier != "" {
		if c, ok := p.pending[msg.Identifier]; ok {
			ch = c
			delete(p.pending, msg.Identifier)
		}
	}
	if ch == nil {
		key := typeKey(msg.Type)
		if c, ok := p.pending[key]; ok {
			ch = c
			delete(p.pending, key)
		}
	}
	p.mu.Unlock()

	if ch != nil {
		ch <- msg
		return
	}
	p.psm.HandleMessage(msg)
	p.dispatchListeners(msg)
}

func (p *Protocol) dispatchListeners(msg *protos.Message) {
	p.mu.Lock()
	fns := append(([]func(*protos.Message))(nil), p.listeners[msg.Type]...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (p *Protocol) handleClosed(err error) {
	p.mu.Lock()
	alreadyStopped := p.state == stateStopped
	p.state = stateStopped
	pending := p.pending
	p.pending = make(map[string]chan *protos.Message)
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if p.heartbeatCancel != nil {
		p.heartbeatCancel()
	}
	if !alreadyStopped && p.closedCallback != nil {
		p.closedCallback(err)
	}
}

func (p *Protocol) setState(s connState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Protocol) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateStopped
}

// StartBare attaches callbacks and the reader without running the connect
// handshake; the tunnel owner (or a test) drives the exchange itself.
func (p *Protocol) StartBare() {
	p.connection.SetCallbacks(p.handleMessage, p.handleClosed)
	p.connection.Start()
	p.setState(stateConnected)
}

// Stop tears the session down and fails outstanding exchanges.
func (p *Protocol) Stop() {
	if p.heartbeatCancel != nil {
		p.heartbeatCancel()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	p.handleClosed(nil)
}

func (p *Protocol) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.stopped() {
			return
		}
		hbCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		_, err := p.SendAndReceive(hbCtx, &protos.Message{Type: protos.TypeGenericMessage}, true)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		slog.Debug("mrp: heartbeat failed", "failures", failures, "err", err)
		if failures >= 2 {
			slog.Warn("mrp: heartbeat lost, closing connection")
			p.connection.shutdown(fmt.Errorf("%w: heartbeat", models.ErrConnectionLost))
			return
		}
	}
}

// cryptoPairingExchanger tunnels pairing TLVs through CRYPTO_PAIRING
// messages, correlated by type since the accessory replies without
// identifiers during verification.
type cryptoPairingExchanger struct {
	p *Protocol
}

func (e *cryptoPairingExchanger) ExchangeTlv(ctx context.Context, step string, fields map[byte][]byte) (map[byte][]byte, error) {
	payload := &protos.CryptoPairing{PairingData: tlv8.Write(fields)}
	reply, err := e.p.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypeCryptoPairing,
		Payload: payload.Marshal(),
	}, false)
	if err != nil {
		return nil, err
	}
	parsed, err := protos.ParseCryptoPairing(reply.Payload)
	if err != nil {
		return nil, err
	}
	return tlv8.Read(parsed.PairingData)
}
