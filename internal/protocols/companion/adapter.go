package companion

import (
	"context"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
)

func companionFeatures() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureUp, models.FeatureDown, models.FeatureLeft, models.FeatureRight,
		models.FeatureSelect, models.FeatureMenu, models.FeatureHome,
		models.FeaturePlayPause, models.FeatureVolumeUp, models.FeatureVolumeDown,
		models.FeatureTurnOn, models.FeatureTurnOff, models.FeaturePowerState,
		models.FeatureAppList, models.FeatureLaunchApp, models.FeatureAccountList,
		models.FeatureTouchGestures,
	)
}

// Setup builds the Companion contribution for a device.
func Setup(c *core.Core) []core.SetupData {
	api := NewApi(c)

	remote := &remoteControl{api: api}
	power := &power{api: api}
	apps := &apps{api: api}
	accounts := &accounts{api: api}
	touch := &touchGestures{api: api}
	audio := &audio{api: api}

	return []core.SetupData{{
		Protocol: models.ProtocolCompanion,
		Connect: func(ctx context.Context) error {
			if err := api.Connect(ctx); err != nil {
				return err
			}
			api.SetClosedCallback(func(err error) {
				if err != nil && c.DeviceListener != nil {
					c.DeviceListener.ConnectionLost(err)
				}
			})
			return nil
		},
		Close: func(ctx context.Context) error {
			api.Close()
			return nil
		},
		DeviceInfo: func() map[string]any { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: remote,
			Power:         power,
			Apps:          apps,
			UserAccounts:  accounts,
			TouchGestures: touch,
			Audio:         audio,
		},
		Features: companionFeatures(),
	}}
}

// Pair creates a pairing handler that dials its own connection on Begin.
func Pair(c *core.Core) core.PairingHandler {
	return &pairHandler{core: c}
}

type pairHandler struct {
	core *core.Core

	api   *Api
	inner *pairing.HapHandler
}

func (p *pairHandler) DeviceProvidesPin() bool { return true }
func (p *pairHandler) Service() *models.MutableService { return p.core.Service }
func (p *pairHandler) HasPaired() bool { return p.inner != nil && p.inner.HasPaired() }
func (p *pairHandler) Pin(pin string) { p.inner.Pin(pin) }

func (p *pairHandler) Begin(ctx context.Context) error {
	api := NewApi(p.core)
	conn, err := DialConnection(ctx, api.addr)
	if err != nil {
		return err
	}
	api.conn = conn
	conn.SetCallbacks(api.handleFrame, api.handleClosed)
	conn.Start()
	p.api = api

	procedure := pairing.NewSetupProcedure(&frameExchanger{api: api, start: FramePSStart, next: FramePSNext}, false)
	p.inner = pairing.NewHapHandler(p.core.Service, procedure, func(ctx context.Context) error {
		api.Close()
		return nil
	})
	return p.inner.Begin(ctx)
}

func (p *pairHandler) Finish(ctx context.Context) error {
	return p.inner.Finish(ctx)
}

func (p *pairHandler) Close(ctx context.Context) error {
	if p.inner != nil {
		return p.inner.Close(ctx)
	}
	return nil
}

// remoteControl maps navigation to HID commands and playback to media
// control commands gated on the announced feature bitmap.
type remoteControl struct {
	api *Api
}

func (r *remoteControl) Supports(c core.Command) bool {
	switch c {
	case core.CmdUp, core.CmdDown, core.CmdLeft, core.CmdRight,
		core.CmdSelect, core.CmdMenu, core.CmdHome, core.CmdPlayPause:
		return true
	case core.CmdPlay:
		return r.api.MediaFeatures()&McfPlay != 0
	case core.CmdPause:
		return r.api.MediaFeatures()&McfPause != 0
	case core.CmdNext:
		return r.api.MediaFeatures()&McfNextTrack != 0
	case core.CmdPrevious:
		return r.api.MediaFeatures()&McfPrevTrack != 0
	case core.CmdSkipForward:
		return r.api.MediaFeatures()&McfSkipForward != 0
	case core.CmdSkipBackward:
		return r.api.MediaFeatures()&McfSkipBackward != 0
	default:
		return false
	}
}

func (r *remoteControl) Up(ctx context.Context) error { return r.api.HidCommand(ctx, hidUp, false) }
func (r *remoteControl) Down(ctx context.Context) error { return r.api.HidCommand(ctx, hidDown, false) }
func (r *remoteControl) Left(ctx context.Context) error { return r.api.HidCommand(ctx, hidLeft, false) }
func (r *remoteControl) Right(ctx context.Context) error { return r.api.HidCommand(ctx, hidRight, false) }

func (r *remoteControl) Select(ctx context.Context) error {
	return r.api.HidCommand(ctx, hidSelect, false)
}

func (r *remoteControl) Menu(ctx context.Context) error { return r.api.HidCommand(ctx, hidMenu, false) }
func (r *remoteControl) Home(ctx context.Context) error { return r.api.HidCommand(ctx, hidHome, false) }

func (r *remoteControl) TopMenu(ctx context.Context) error { return models.ErrNotSupported }

func (r *remoteControl) Play(ctx context.Context) error { return r.api.MediaControl(ctx, mcPlay) }
func (r *remoteControl) Pause(ctx context.Context) error { return r.api.MediaControl(ctx, mcPause) }

func (r *remoteControl) PlayPause(ctx context.Context) error {
	return r.api.HidCommand(ctx, hidPlayPause, false)
}

func (r *remoteControl) Stop(ctx context.Context) error { return models.ErrNotSupported }

func (r *remoteControl) Next(ctx context.Context) error {
	return r.api.MediaControl(ctx, mcNextTrack)
}

func (r *remoteControl) Previous(ctx context.Context) error {
	return r.api.MediaControl(ctx, mcPrevTrack)
}

func (r *remoteControl) SkipForward(ctx context.Context, seconds float64) error {
	return r.api.MediaControl(ctx, mcSkipForward)
}

func (r *remoteControl) SkipBackward(ctx context.Context, seconds float64) error {
	return r.api.MediaControl(ctx, mcSkipBackward)
}

func (r *remoteControl) SetPosition(ctx context.Context, seconds int) error {
	return models.ErrNotSupported
}

func (r *remoteControl) SetShuffle(ctx context.Context, state models.ShuffleState) error {
	return models.ErrNotSupported
}

func (r *remoteControl) SetRepeat(ctx context.Context, state models.RepeatState) error {
	return models.ErrNotSupported
}

// power derives state from system status events and toggles with HID
// sleep/wake.
type power struct {
	api *Api
}

func (p *power) Supports(c core.Command) bool {
	return c == core.CmdPowerState || c == core.CmdTurnOn || c == core.CmdTurnOff
}

func (p *power) PowerState() models.PowerState { return p.api.PowerState() }

func (p *power) TurnOn(ctx context.Context) error {
	return p.api.HidCommand(ctx, hidWake, false)
}

func (p *power) TurnOff(ctx context.Context) error {
	return p.api.HidCommand(ctx, hidSleep, false)
}

// apps lists and launches applications.
type apps struct {
	api *Api
}

func (a *apps) Supports(c core.Command) bool {
	return c == core.CmdAppList || c == core.CmdLaunchApp
}

func (a *apps) AppList(ctx context.Context) ([]core.App, error) {
	resp, err := a.api.SendRequest(ctx, "FetchLaunchableApplicationsEvent", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out []core.App
	for bundleID, name := range resp {
		if display, ok := name.(string); ok {
			out = append(out, core.App{Identifier: bundleID, Name: display})
		}
	}
	return out, nil
}

func (a *apps) LaunchApp(ctx context.Context, bundleID string) error {
	_, err := a.api.SendRequest(ctx, "_launchApp", map[string]any{"_bundleID": bundleID})
	return err
}

// accounts lists and switches device user accounts.
type accounts struct {
	api *Api
}

func (a *accounts) Supports(c core.Command) bool {
	return c == core.CmdAccountList
}

func (a *accounts) AccountList(ctx context.Context) ([]core.UserAccount, error) {
	resp, err := a.api.SendRequest(ctx, "FetchUserAccounts", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out []core.UserAccount
	for id, name := range resp {
		if display, ok := name.(string); ok {
			out = append(out, core.UserAccount{Identifier: id, Name: display})
		}
	}
	return out, nil
}

func (a *accounts) SwitchAccount(ctx context.Context, accountID string) error {
	_, err := a.api.SendRequest(ctx, "SwitchUserAccount", map[string]any{"_userID": accountID})
	return err
}

// touchGestures synthesizes trackpad events.
type touchGestures struct {
	api *Api
}

// Touch phases on the wire.
const (
	touchPhaseBegan = 1
	touchPhaseMoved = 2
	touchPhaseEnded = 4
)

func (t *touchGestures) Supports(c core.Command) bool {
	return c == core.CmdSwipe || c == core.CmdClick
}

func (t *touchGestures) Swipe(ctx context.Context, startX, startY, endX, endY, durationMs int) error {
	const steps = 8
	for i := 0; i <= steps; i++ {
		phase := touchPhaseMoved
		switch i {
		case 0:
			phase = touchPhaseBegan
		case steps:
			phase = touchPhaseEnded
		}
		frac := float64(i) / steps
		x := startX + int(float64(endX-startX)*frac)
		y := startY + int(float64(endY-startY)*frac)
		if err := t.api.SendEvent("_hidT", map[string]any{
			"_cx":  int64(x),
			"_cy":  int64(y),
			"_tFg": int64(phase),
			"_ns":  int64(durationMs) * int64(time.Millisecond) * int64(i) / steps,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *touchGestures) TouchAction(ctx context.Context, x, y int, action core.TouchAction) error {
	phase := touchPhaseMoved
	switch action {
	case core.TouchPress:
		phase = touchPhaseBegan
	case core.TouchRelease:
		phase = touchPhaseEnded
	}
	return t.api.SendEvent("_hidT", map[string]any{
		"_cx": int64(x), "_cy": int64(y), "_tFg": int64(phase), "_ns": int64(0),
	})
}

func (t *touchGestures) TouchClick(ctx context.Context, action core.TouchAction) error {
	return t.api.HidCommand(ctx, hidSelect, action == core.TouchHold)
}

// audio maps volume steps to HID commands.
type audio struct {
	api *Api
}

func (a *audio) Supports(c core.Command) bool {
	return c == core.CmdVolumeUp || c == core.CmdVolumeDown
}

func (a *audio) Volume() float64 { return 0 }

func (a *audio) SetVolume(ctx context.Context, volume float64) error {
	return models.ErrNotSupported
}

func (a *audio) VolumeUp(ctx context.Context) error {
	return a.api.HidCommand(ctx, hidVolumeUp, false)
}

func (a *audio) VolumeDown(ctx context.Context) error {
	return a.api.HidCommand(ctx, hidVolumeDown, false)
}
