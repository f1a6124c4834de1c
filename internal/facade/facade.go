package facade

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
)

// AppleTV is the unified device handle: every capability call is routed to
// the highest-priority connected protocol that supports it.
type AppleTV struct {
	Config     *models.DeviceConfig
	Dispatcher *core.StateDispatcher

	remote   *Relayer
	metadata *Relayer
	power    *Relayer
	audio    *Relayer
	apps     *Relayer
	accounts *Relayer
	keyboard *Relayer
	touch    *Relayer
	stream   *Relayer

	mu        sync.Mutex
	setupData []core.SetupData
	features  models.FeatureSet
	connected bool
	closed    bool

	push           *pushRelay
	deviceListener core.DeviceListener
	listenerOnce   sync.Once
}

// NewAppleTV creates an unconnected facade for a device configuration.
func NewAppleTV(config *models.DeviceConfig, listener core.DeviceListener) *AppleTV {
	atv := &AppleTV{
		Config:     config,
		Dispatcher: core.NewStateDispatcher(),
		remote:     NewRelayer(DefaultPriorities),
		metadata:   NewRelayer(DefaultPriorities),
		power:      NewRelayer(PowerPriorities),
		audio:      NewRelayer(DefaultPriorities),
		apps:       NewRelayer(DefaultPriorities),
		accounts:   NewRelayer(DefaultPriorities),
		keyboard:   NewRelayer(DefaultPriorities),
		touch:      NewRelayer(DefaultPriorities),
		stream:     NewRelayer(DefaultPriorities),
		features:   models.NewFeatureSet(),
	}
	atv.push = &pushRelay{}
	atv.deviceListener = listener
	return atv
}

// DeviceListener returns a single-shot wrapper around the external
// listener: whichever protocol loses its connection first wins, later
// notifications are dropped.
func (a *AppleTV) DeviceListener() core.DeviceListener {
	return &onceListener{atv: a}
}

type onceListener struct {
	atv *AppleTV
}

func (l *onceListener) ConnectionLost(err error) {
	l.atv.listenerOnce.Do(func() {
		l.atv.Dispatcher.Dispatch(core.StateMessage{State: core.StateConnection, Value: err})
		if l.atv.deviceListener != nil {
			l.atv.deviceListener.ConnectionLost(err)
		}
	})
}

func (l *onceListener) ConnectionClosed() {
	l.atv.listenerOnce.Do(func() {
		if l.atv.deviceListener != nil {
			l.atv.deviceListener.ConnectionClosed()
		}
	})
}

// AddSetupData queues one protocol's setup record for Connect.
func (a *AppleTV) AddSetupData(data core.SetupData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setupData = append(a.setupData, data)
}

// Connect runs every queued protocol's connect callback and registers the
// interfaces of the ones that succeed. It may be called once; a protocol
// failure skips that protocol but keeps the device usable as long as at
// least one protocol connected.
func (a *AppleTV) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return fmt.Errorf("%w: already connected", models.ErrInvalidState)
	}
	a.connected = true
	setupData := append([]core.SetupData(nil), a.setupData...)
	a.mu.Unlock()

	succeeded := 0
	for _, data := range setupData {
		if err := data.Connect(ctx); err != nil {
			slog.Warn("facade: protocol failed to connect",
				"protocol", data.Protocol, "device", a.Config.Name, "err", err)
			continue
		}
		succeeded++
		a.register(data)
	}
	if succeeded == 0 {
		return fmt.Errorf("%w: no protocol could connect", models.ErrConnectionFailed)
	}
	return nil
}

func (a *AppleTV) register(data core.SetupData) {
	ifs := data.Interfaces
	a.remote.Register(ifs.RemoteControl, data.Protocol)
	a.metadata.Register(ifs.Metadata, data.Protocol)
	a.power.Register(ifs.Power, data.Protocol)
	a.audio.Register(ifs.Audio, data.Protocol)
	a.apps.Register(ifs.Apps, data.Protocol)
	a.accounts.Register(ifs.UserAccounts, data.Protocol)
	a.keyboard.Register(ifs.Keyboard, data.Protocol)
	a.touch.Register(ifs.TouchGestures, data.Protocol)
	a.stream.Register(ifs.Stream, data.Protocol)
	if ifs.PushUpdater != nil {
		a.push.add(ifs.PushUpdater)
	}

	a.mu.Lock()
	for f := range data.Features {
		a.features.Add(f)
	}
	a.mu.Unlock()
}

// Close tears everything down. It is idempotent: the push relay is
// cancelled, every setup record's close callback runs, and all of them
// are awaited before returning.
func (a *AppleTV) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	setupData := a.setupData
	a.mu.Unlock()

	a.push.stopAll()

	var wg sync.WaitGroup
	errs := make(chan error, len(setupData))
	for _, data := range setupData {
		wg.Add(1)
		go func(d core.SetupData) {
			defer wg.Done()
			if err := d.Close(ctx); err != nil {
				errs <- err
			}
		}(data)
	}
	wg.Wait()
	close(errs)

	(&onceListener{atv: a}).ConnectionClosed()
	for err := range errs {
		return err
	}
	return nil
}

// Takeover routes every capability through one protocol until the
// returned release function is called. Only one takeover is active at a
// time.
func (a *AppleTV) Takeover(protocol models.Protocol) func() {
	for _, r := range a.relayers() {
		r.SetTakeover(protocol)
	}
	return func() {
		for _, r := range a.relayers() {
			r.SetTakeover(0)
		}
	}
}

func (a *AppleTV) relayers() []*Relayer {
	return []*Relayer{
		a.remote, a.metadata, a.power, a.audio, a.apps,
		a.accounts, a.keyboard, a.touch, a.stream,
	}
}

// MainProtocol is the protocol serving remote control commands.
func (a *AppleTV) MainProtocol() models.Protocol {
	return a.remote.MainProtocol()
}

// Features returns the union of connected protocol features.
func (a *AppleTV) Features() models.FeatureSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := models.NewFeatureSet()
	for f := range a.features {
		out.Add(f)
	}
	return out
}

// RemoteControl surface.

func (a *AppleTV) relayRemote(cmd core.Command) (core.RemoteControl, error) {
	impl, err := a.remote.Relay(cmd)
	if err != nil {
		return nil, err
	}
	return impl.(core.RemoteControl), nil
}

// Up presses the up key.
func (a *AppleTV) Up(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdUp)
	if err != nil {
		return err
	}
	return impl.Up(ctx)
}

// Down presses the down key.
func (a *AppleTV) Down(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdDown)
	if err != nil {
		return err
	}
	return impl.Down(ctx)
}

// Left presses the left key.
func (a *AppleTV) Left(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdLeft)
	if err != nil {
		return err
	}
	return impl.Left(ctx)
}

// Right presses the right key.
func (a *AppleTV) Right(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdRight)
	if err != nil {
		return err
	}
	return impl.Right(ctx)
}

// Select activates the focused item.
func (a *AppleTV) Select(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdSelect)
	if err != nil {
		return err
	}
	return impl.Select(ctx)
}

// Menu presses the menu key.
func (a *AppleTV) Menu(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdMenu)
	if err != nil {
		return err
	}
	return impl.Menu(ctx)
}

// Home presses the home key.
func (a *AppleTV) Home(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdHome)
	if err != nil {
		return err
	}
	return impl.Home(ctx)
}

// TopMenu returns to the main menu.
func (a *AppleTV) TopMenu(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdTopMenu)
	if err != nil {
		return err
	}
	return impl.TopMenu(ctx)
}

// Play starts playback.
func (a *AppleTV) Play(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdPlay)
	if err != nil {
		return err
	}
	return impl.Play(ctx)
}

// Pause pauses playback.
func (a *AppleTV) Pause(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdPause)
	if err != nil {
		return err
	}
	return impl.Pause(ctx)
}

// PlayPause toggles playback.
func (a *AppleTV) PlayPause(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdPlayPause)
	if err != nil {
		return err
	}
	return impl.PlayPause(ctx)
}

// Stop stops playback.
func (a *AppleTV) Stop(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdStop)
	if err != nil {
		return err
	}
	return impl.Stop(ctx)
}

// Next skips to the next item.
func (a *AppleTV) Next(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdNext)
	if err != nil {
		return err
	}
	return impl.Next(ctx)
}

// Previous skips to the previous item.
func (a *AppleTV) Previous(ctx context.Context) error {
	impl, err := a.relayRemote(core.CmdPrevious)
	if err != nil {
		return err
	}
	return impl.Previous(ctx)
}

// SkipForward jumps forward.
func (a *AppleTV) SkipForward(ctx context.Context, seconds float64) error {
	impl, err := a.relayRemote(core.CmdSkipForward)
	if err != nil {
		return err
	}
	return impl.SkipForward(ctx, seconds)
}

// SkipBackward jumps backward.
func (a *AppleTV) SkipBackward(ctx context.Context, seconds float64) error {
	impl, err := a.relayRemote(core.CmdSkipBackward)
	if err != nil {
		return err
	}
	return impl.SkipBackward(ctx, seconds)
}

// SetPosition seeks to an absolute position.
func (a *AppleTV) SetPosition(ctx context.Context, seconds int) error {
	impl, err := a.relayRemote(core.CmdSetPosition)
	if err != nil {
		return err
	}
	return impl.SetPosition(ctx, seconds)
}

// SetShuffle changes the shuffle mode.
func (a *AppleTV) SetShuffle(ctx context.Context, state models.ShuffleState) error {
	impl, err := a.relayRemote(core.CmdSetShuffle)
	if err != nil {
		return err
	}
	return impl.SetShuffle(ctx, state)
}

// SetRepeat changes the repeat mode.
func (a *AppleTV) SetRepeat(ctx context.Context, state models.RepeatState) error {
	impl, err := a.relayRemote(core.CmdSetRepeat)
	if err != nil {
		return err
	}
	return impl.SetRepeat(ctx, state)
}

// Playing returns the current playback snapshot.
func (a *AppleTV) Playing(ctx context.Context) (*models.Playing, error) {
	impl, err := a.metadata.Relay(core.CmdPlaying)
	if err != nil {
		return nil, err
	}
	return impl.(core.Metadata).Playing(ctx)
}

// Artwork fetches cover art, downscaled to fit the requested bounds when
// both are positive.
func (a *AppleTV) Artwork(ctx context.Context, width, height int) (*core.Artwork, error) {
	impl, err := a.metadata.Relay(core.CmdArtwork)
	if err != nil {
		return nil, err
	}
	art, err := impl.(core.Metadata).Artwork(ctx, width, height)
	if err != nil {
		return nil, err
	}
	return scaleArtwork(art, width, height), nil
}

// PowerState reads the device power state.
func (a *AppleTV) PowerState() models.PowerState {
	impl, err := a.power.Relay(core.CmdPowerState)
	if err != nil {
		return models.PowerStateUnknown
	}
	return impl.(core.Power).PowerState()
}

// TurnOn wakes the device.
func (a *AppleTV) TurnOn(ctx context.Context) error {
	impl, err := a.power.Relay(core.CmdTurnOn)
	if err != nil {
		return err
	}
	return impl.(core.Power).TurnOn(ctx)
}

// TurnOff puts the device to sleep.
func (a *AppleTV) TurnOff(ctx context.Context) error {
	impl, err := a.power.Relay(core.CmdTurnOff)
	if err != nil {
		return err
	}
	return impl.(core.Power).TurnOff(ctx)
}

// Volume reads the current volume percentage.
func (a *AppleTV) Volume() float64 {
	impl, err := a.audio.Relay(core.CmdVolume)
	if err != nil {
		return 0
	}
	return impl.(core.Audio).Volume()
}

// SetVolume sets an absolute volume percentage.
func (a *AppleTV) SetVolume(ctx context.Context, volume float64) error {
	impl, err := a.audio.Relay(core.CmdSetVolume)
	if err != nil {
		return err
	}
	return impl.(core.Audio).SetVolume(ctx, volume)
}

// VolumeUp steps the volume up.
func (a *AppleTV) VolumeUp(ctx context.Context) error {
	impl, err := a.audio.Relay(core.CmdVolumeUp)
	if err != nil {
		return err
	}
	return impl.(core.Audio).VolumeUp(ctx)
}

// VolumeDown steps the volume down.
func (a *AppleTV) VolumeDown(ctx context.Context) error {
	impl, err := a.audio.Relay(core.CmdVolumeDown)
	if err != nil {
		return err
	}
	return impl.(core.Audio).VolumeDown(ctx)
}

// AppList lists installed applications.
func (a *AppleTV) AppList(ctx context.Context) ([]core.App, error) {
	impl, err := a.apps.Relay(core.CmdAppList)
	if err != nil {
		return nil, err
	}
	return impl.(core.Apps).AppList(ctx)
}

// LaunchApp starts an application by bundle identifier.
func (a *AppleTV) LaunchApp(ctx context.Context, bundleID string) error {
	impl, err := a.apps.Relay(core.CmdLaunchApp)
	if err != nil {
		return err
	}
	return impl.(core.Apps).LaunchApp(ctx, bundleID)
}

// AccountList lists device user accounts.
func (a *AppleTV) AccountList(ctx context.Context) ([]core.UserAccount, error) {
	impl, err := a.accounts.Relay(core.CmdAccountList)
	if err != nil {
		return nil, err
	}
	return impl.(core.UserAccounts).AccountList(ctx)
}

// TextGet reads the virtual keyboard text.
func (a *AppleTV) TextGet(ctx context.Context) (string, error) {
	impl, err := a.keyboard.Relay(core.CmdTextGet)
	if err != nil {
		return "", err
	}
	return impl.(core.Keyboard).TextGet(ctx)
}

// TextSet replaces the virtual keyboard text.
func (a *AppleTV) TextSet(ctx context.Context, text string) error {
	impl, err := a.keyboard.Relay(core.CmdTextSet)
	if err != nil {
		return err
	}
	return impl.(core.Keyboard).TextSet(ctx, text)
}

// TextAppend appends to the virtual keyboard text.
func (a *AppleTV) TextAppend(ctx context.Context, text string) error {
	impl, err := a.keyboard.Relay(core.CmdTextAppend)
	if err != nil {
		return err
	}
	return impl.(core.Keyboard).TextAppend(ctx, text)
}

// TextClear clears the virtual keyboard text.
func (a *AppleTV) TextClear(ctx context.Context) error {
	impl, err := a.keyboard.Relay(core.CmdTextClear)
	if err != nil {
		return err
	}
	return impl.(core.Keyboard).TextClear(ctx)
}

// Swipe performs a trackpad swipe.
func (a *AppleTV) Swipe(ctx context.Context, startX, startY, endX, endY, durationMs int) error {
	impl, err := a.touch.Relay(core.CmdSwipe)
	if err != nil {
		return err
	}
	return impl.(core.TouchGestures).Swipe(ctx, startX, startY, endX, endY, durationMs)
}

// PlayURL plays a URL on the device.
func (a *AppleTV) PlayURL(ctx context.Context, url string) error {
	impl, err := a.stream.Relay(core.CmdPlayURL)
	if err != nil {
		return err
	}
	return impl.(core.Stream).PlayURL(ctx, url)
}

// StreamFile streams local audio to the device.
func (a *AppleTV) StreamFile(ctx context.Context, source io.Reader) error {
	impl, err := a.stream.Relay(core.CmdStreamFile)
	if err != nil {
		return err
	}
	return impl.(core.Stream).StreamFile(ctx, source)
}

// PushUpdates returns the aggregated push update surface.
func (a *AppleTV) PushUpdates() core.PushUpdater {
	return a.push
}

// pushRelay aggregates the per-protocol push updaters.
type pushRelay struct {
	mu       sync.Mutex
	updaters []core.PushUpdater
	active   bool
}

func (p *pushRelay) add(u core.PushUpdater) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updaters = append(p.updaters, u)
}

func (p *pushRelay) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *pushRelay) Start(ctx context.Context) error {
	p.mu.Lock()
	updaters := append([]core.PushUpdater(nil), p.updaters...)
	p.active = len(updaters) > 0
	p.mu.Unlock()
	if len(updaters) == 0 {
		return models.ErrNotSupported
	}
	for _, u := range updaters {
		if err := u.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *pushRelay) Stop() {
	p.mu.Lock()
	updaters := append([]core.PushUpdater(nil), p.updaters...)
	p.active = false
	p.mu.Unlock()
	for _, u := range updaters {
		u.Stop()
	}
}

func (p *pushRelay) stopAll() { p.Stop() }

func (p *pushRelay) Subscribe(listener core.PushListener) func() {
	p.mu.Lock()
	updaters := append([]core.PushUpdater(nil), p.updaters...)
	p.mu.Unlock()
	cancels := make([]func(), 0, len(updaters))
	for _, u := range updaters {
		cancels = append(cancels, u.Subscribe(listener))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
