package mrp

import (
	"context"
	"strings"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
)

// ServiceType is the mDNS service type for MediaRemote.
const ServiceType = "_mediaremotetv._tcp.local"

// HID usage (page, usage) pairs for the remote buttons.
var hidButtons = map[core.Command][2]uint32{
	core.CmdUp:         {1, 0x8C},
	core.CmdDown:       {1, 0x8D},
	core.CmdLeft:       {1, 0x8B},
	core.CmdRight:      {1, 0x8A},
	core.CmdSelect:     {1, 0x89},
	core.CmdMenu:       {1, 0x86},
	core.CmdHome:       {12, 0x40},
	core.CmdTopMenu:    {12, 0x60},
	core.CmdVolumeUp:   {12, 0xE9},
	core.CmdVolumeDown: {12, 0xEA},
}

// Scan returns the mDNS handlers for MRP.
func Scan() map[string]mdns.ServiceHandler {
	return map[string]mdns.ServiceHandler{
		ServiceType: {
			Protocol: models.ProtocolMRP,
			Parse: func(raw models.RawService) *models.MutableService {
				return models.NewService(raw.Properties["uniqueidentifier"], models.ProtocolMRP, raw.Port, raw.Properties)
			},
			DeviceName: func(raw models.RawService) string {
				return raw.Properties["name"]
			},
		},
	}
}

// DeviceInfo derives device attributes from MRP TXT properties.
func DeviceInfo(serviceType string, properties map[string]string) map[string]any {
	if serviceType != ServiceType {
		return nil
	}
	out := map[string]any{"os": models.OSTvOS}
	if build, ok := properties["systembuildversion"]; ok {
		out["build_number"] = build
	}
	if mac, ok := properties["macaddress"]; ok {
		out["mac"] = mac
	}
	if model, ok := properties["modelname"]; ok {
		out["model"] = model
	}
	if id, ok := properties["localairplayreceiverpairingidentity"]; ok {
		out["output_device_id"] = id
	}
	return out
}

// ServiceInfo refines pairing requirements: MRP always requires pairing
// before commands are accepted.
func ServiceInfo(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
	if service.Credentials != "" {
		service.Pairing = models.PairingNotNeeded
	} else {
		service.Pairing = models.PairingMandatory
	}
}

// mrpFeatures are the features the protocol exposes once connected.
func mrpFeatures() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureUp, models.FeatureDown, models.FeatureLeft, models.FeatureRight,
		models.FeatureSelect, models.FeatureMenu, models.FeatureHome, models.FeatureTopMenu,
		models.FeaturePlay, models.FeaturePause, models.FeaturePlayPause, models.FeatureStop,
		models.FeatureNext, models.FeaturePrevious, models.FeatureSkipForward, models.FeatureSkipBackward,
		models.FeatureSetPosition, models.FeatureShuffle, models.FeatureRepeat,
		models.FeatureVolumeUp, models.FeatureVolumeDown, models.FeatureSetVolume, models.FeatureVolume,
		models.FeatureTitle, models.FeatureArtist, models.FeatureAlbum, models.FeatureGenre,
		models.FeatureTotalTime, models.FeaturePosition, models.FeatureArtwork,
		models.FeaturePushUpdates, models.FeatureTurnOn, models.FeatureTurnOff, models.FeaturePowerState,
		models.FeatureTextGet, models.FeatureTextSet, models.FeatureTextAppend, models.FeatureTextClear,
	)
}

// Setup builds the MRP contribution for a device.
func Setup(c *core.Core) []core.SetupData {
	return SetupWithProtocol(c, NewProtocol(c))
}

// SetupWithProtocol builds the MRP capability record around an existing
// engine; the AirPlay tunnel uses this with a tunneled protocol.
func SetupWithProtocol(c *core.Core, protocol *Protocol) []core.SetupData {
	dispatcher := c.StateDispatcher.ProtocolDispatcher(models.ProtocolMRP)

	remote := &remoteControl{protocol: protocol}
	meta := &metadata{protocol: protocol, identifier: c.Config.Identifier()}
	audio := &audio{protocol: protocol, dispatcher: dispatcher}
	power := &power{protocol: protocol}
	keyboard := &keyboard{protocol: protocol}
	pusher := &pushUpdater{protocol: protocol, metadata: meta}
	pusher.Dispatcher = dispatcher

	protocol.Listen(protos.TypeVolumeDidChange, audio.handleVolumeChange)
	protocol.SetClosedCallback(func(err error) {
		if err != nil && c.DeviceListener != nil {
			c.DeviceListener.ConnectionLost(err)
		}
	})

	return []core.SetupData{{
		Protocol: models.ProtocolMRP,
		Connect: func(ctx context.Context) error {
			return protocol.Start(ctx)
		},
		Close: func(ctx context.Context) error {
			pusher.Stop()
			protocol.Stop()
			return nil
		},
		DeviceInfo: func() map[string]any {
			if info := protocol.PeerInfo(); info != nil {
				return map[string]any{
					"name":         info.Name,
					"build_number": info.SystemBuildVersion,
				}
			}
			return nil
		},
		Interfaces: core.Interfaces{
			RemoteControl: remote,
			Metadata:      meta,
			Audio:         audio,
			Power:         power,
			Keyboard:      keyboard,
			PushUpdater:   pusher,
		},
		Features: mrpFeatures(),
	}}
}

// remoteControl drives navigation (HID events) and playback (commands).
type remoteControl struct {
	protocol *Protocol
}

func (r *remoteControl) Supports(c core.Command) bool {
	switch c {
	case core.CmdSkipForward, core.CmdSkipBackward, core.CmdSetPosition,
		core.CmdSetShuffle, core.CmdSetRepeat, core.CmdPlay, core.CmdPause,
		core.CmdPlayPause, core.CmdStop, core.CmdNext, core.CmdPrevious:
		return true
	}
	_, ok := hidButtons[c]
	return ok
}

func (r *remoteControl) pressButton(ctx context.Context, cmd core.Command) error {
	button, ok := hidButtons[cmd]
	if !ok {
		return models.ErrNotSupported
	}
	down := &protos.SendHIDEvent{UsagePage: button[0], Usage: button[1], Down: true}
	if err := r.protocol.Send(&protos.Message{Type: protos.TypeSendHIDEvent, Payload: down.Marshal()}); err != nil {
		return err
	}
	up := &protos.SendHIDEvent{UsagePage: button[0], Usage: button[1]}
	return r.protocol.Send(&protos.Message{Type: protos.TypeSendHIDEvent, Payload: up.Marshal()})
}

func (r *remoteControl) Up(ctx context.Context) error { return r.pressButton(ctx, core.CmdUp) }
func (r *remoteControl) Down(ctx context.Context) error { return r.pressButton(ctx, core.CmdDown) }
func (r *remoteControl) Left(ctx context.Context) error { return r.pressButton(ctx, core.CmdLeft) }
func (r *remoteControl) Right(ctx context.Context) error { return r.pressButton(ctx, core.CmdRight) }
func (r *remoteControl) Select(ctx context.Context) error { return r.pressButton(ctx, core.CmdSelect) }
func (r *remoteControl) Menu(ctx context.Context) error { return r.pressButton(ctx, core.CmdMenu) }
func (r *remoteControl) Home(ctx context.Context) error { return r.pressButton(ctx, core.CmdHome) }
func (r *remoteControl) TopMenu(ctx context.Context) error {
	return r.pressButton(ctx, core.CmdTopMenu)
}

func (r *remoteControl) Play(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandPlay}, "play")
}

func (r *remoteControl) Pause(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandPause}, "pause")
}

func (r *remoteControl) PlayPause(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandTogglePlayPause}, "play_pause")
}

func (r *remoteControl) Stop(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandStop}, "stop")
}

func (r *remoteControl) Next(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandNextTrack}, "next")
}

func (r *remoteControl) Previous(ctx context.Context) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandPreviousTrack}, "previous")
}

func (r *remoteControl) SkipForward(ctx context.Context, seconds float64) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{
		Command: protos.CommandSkipForward, SkipInterval: seconds,
	}, "skip_forward")
}

func (r *remoteControl) SkipBackward(ctx context.Context, seconds float64) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{
		Command: protos.CommandSkipBackward, SkipInterval: seconds,
	}, "skip_backward")
}

func (r *remoteControl) SetPosition(ctx context.Context, seconds int) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{
		Command: protos.CommandSeekToPlaybackPosition, PlaybackPosition: float64(seconds),
	}, "set_position")
}

func (r *remoteControl) SetShuffle(ctx context.Context, state models.ShuffleState) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{
		Command: protos.CommandChangeShuffleMode, ShuffleMode: uint64(state) + 1,
	}, "set_shuffle")
}

func (r *remoteControl) SetRepeat(ctx context.Context, state models.RepeatState) error {
	return r.protocol.SendCommand(ctx, &protos.SendCommand{
		Command: protos.CommandChangeRepeatMode, RepeatMode: uint64(state) + 1,
	}, "set_repeat")
}

// metadata exposes the reconciled player state.
type metadata struct {
	protocol   *Protocol
	identifier string
}

func (m *metadata) Supports(c core.Command) bool {
	return c == core.CmdPlaying || c == core.CmdArtwork
}

func (m *metadata) Playing(ctx context.Context) (*models.Playing, error) {
	state := m.protocol.PlayerState().Playing()
	playing := BuildPlaying(state, time.Now())
	if state.ItemIdentifier != "" {
		playing.SetHash(state.ItemIdentifier)
	}
	return &playing, nil
}

func (m *metadata) Artwork(ctx context.Context, width, height int) (*core.Artwork, error) {
	request := &protos.PlaybackQueueRequest{
		Location:      0,
		Length:        1,
		ArtworkWidth:  float64(width),
		ArtworkHeight: float64(height),
	}
	reply, err := m.protocol.SendAndReceive(ctx, &protos.Message{
		Type:    protos.TypePlaybackQueueRequest,
		Payload: request.Marshal(),
	}, true)
	if err != nil {
		return nil, err
	}
	state, err := protos.ParseSetState(reply.Payload)
	if err != nil {
		return nil, err
	}
	for _, item := range state.ContentItems {
		if len(item.Artwork) > 0 {
			contentType := "image/jpeg"
			if strings.HasPrefix(string(item.Artwork[:min(4, len(item.Artwork))]), "\x89PNG") {
				contentType = "image/png"
			}
			return &core.Artwork{Bytes: item.Artwork, ContentType: contentType, Width: width, Height: height}, nil
		}
	}
	return nil, models.ErrNotSupported
}

// audio tracks absolute volume reported by the device.
type audio struct {
	protocol   *Protocol
	dispatcher *core.ProtocolStateDispatcher

	volume float64 // percent
}

func (a *audio) Supports(c core.Command) bool {
	switch c {
	case core.CmdVolume, core.CmdSetVolume, core.CmdVolumeUp, core.CmdVolumeDown:
		return true
	}
	return false
}

func (a *audio) handleVolumeChange(msg *protos.Message) {
	change, err := protos.ParseVolumeDidChange(msg.Payload)
	if err != nil {
		return
	}
	a.volume = float64(change.Volume) * 100
	a.dispatcher.Dispatch(core.StateVolume, a.volume)
}

func (a *audio) Volume() float64 { return a.volume }

func (a *audio) SetVolume(ctx context.Context, volume float64) error {
	payload := &protos.SetVolume{Volume: float32(volume / 100)}
	return a.protocol.Send(&protos.Message{Type: protos.TypeSetVolume, Payload: payload.Marshal()})
}

func (a *audio) VolumeUp(ctx context.Context) error {
	return (&remoteControl{protocol: a.protocol}).pressButton(ctx, core.CmdVolumeUp)
}

func (a *audio) VolumeDown(ctx context.Context) error {
	return (&remoteControl{protocol: a.protocol}).pressButton(ctx, core.CmdVolumeDown)
}

// power wakes and sleeps the device.
type power struct {
	protocol *Protocol
	state    models.PowerState
}

func (p *power) Supports(c core.Command) bool {
	return c == core.CmdTurnOn || c == core.CmdTurnOff || c == core.CmdPowerState
}

func (p *power) PowerState() models.PowerState { return p.state }

func (p *power) TurnOn(ctx context.Context) error {
	err := p.protocol.Send(&protos.Message{Type: protos.TypeWakeDevice})
	if err == nil {
		p.state = models.PowerStateOn
	}
	return err
}

func (p *power) TurnOff(ctx context.Context) error {
	// Sleep is a suspend HID press.
	down := &protos.SendHIDEvent{UsagePage: 1, Usage: 0x82, Down: true}
	if err := p.protocol.Send(&protos.Message{Type: protos.TypeSendHIDEvent, Payload: down.Marshal()}); err != nil {
		return err
	}
	up := &protos.SendHIDEvent{UsagePage: 1, Usage: 0x82}
	if err := p.protocol.Send(&protos.Message{Type: protos.TypeSendHIDEvent, Payload: up.Marshal()}); err != nil {
		return err
	}
	p.state = models.PowerStateOff
	return nil
}

// keyboard drives the virtual keyboard session.
type keyboard struct {
	protocol *Protocol
}

func (k *keyboard) Supports(c core.Command) bool {
	switch c {
	case core.CmdTextGet, core.CmdTextSet, core.CmdTextAppend, core.CmdTextClear:
		return true
	}
	return false
}

func (k *keyboard) TextGet(ctx context.Context) (string, error) {
	reply, err := k.protocol.SendAndReceive(ctx, &protos.Message{Type: protos.TypeGetKeyboardSession}, true)
	if err != nil {
		return "", err
	}
	return protos.ParseKeyboardText(reply.Payload)
}

func (k *keyboard) TextSet(ctx context.Context, text string) error {
	input := &protos.TextInput{Text: text, ClearText: true}
	return k.protocol.Send(&protos.Message{Type: protos.TypeTextInput, Payload: input.Marshal()})
}

func (k *keyboard) TextAppend(ctx context.Context, text string) error {
	input := &protos.TextInput{Text: text}
	return k.protocol.Send(&protos.Message{Type: protos.TypeTextInput, Payload: input.Marshal()})
}

func (k *keyboard) TextClear(ctx context.Context) error {
	input := &protos.TextInput{ClearText: true}
	return k.protocol.Send(&protos.Message{Type: protos.TypeTextInput, Payload: input.Marshal()})
}

// pushUpdater bridges the player state manager into the push pipeline.
type pushUpdater struct {
	core.PushUpdaterBase
	protocol *Protocol
	metadata *metadata

	active bool
}

func (p *pushUpdater) Active() bool { return p.active }

func (p *pushUpdater) Start(ctx context.Context) error {
	if p.active {
		return nil
	}
	p.protocol.PlayerState().SetListener(p)
	p.active = true
	return nil
}

func (p *pushUpdater) Stop() {
	if !p.active {
		return
	}
	p.protocol.PlayerState().SetListener(nil)
	p.active = false
}

// StateUpdated implements the player state listener.
func (p *pushUpdater) StateUpdated() {
	playing, err := p.metadata.Playing(context.Background())
	if err != nil {
		p.PostError(err)
		return
	}
	p.PostUpdate(playing)
}
