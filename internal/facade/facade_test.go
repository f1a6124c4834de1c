package facade_test

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/facade"
	"github.com/airtv-go/airtv/internal/models"
)

// fakeRemote records which protocol served a command.
type fakeRemote struct {
	core.SupportedCommands
	name    models.Protocol
	lastCmd *models.Protocol
}

func newFakeRemote(name models.Protocol, last *models.Protocol, cmds ...core.Command) *fakeRemote {
	return &fakeRemote{SupportedCommands: core.NewSupportedCommands(cmds...), name: name, lastCmd: last}
}

func (f *fakeRemote) mark() error { *f.lastCmd = f.name; return nil }

func (f *fakeRemote) Up(context.Context) error { return f.mark() }
func (f *fakeRemote) Down(context.Context) error { return f.mark() }
func (f *fakeRemote) Left(context.Context) error { return f.mark() }
func (f *fakeRemote) Right(context.Context) error { return f.mark() }
func (f *fakeRemote) Select(context.Context) error { return f.mark() }
func (f *fakeRemote) Menu(context.Context) error { return f.mark() }
func (f *fakeRemote) Home(context.Context) error { return f.mark() }
func (f *fakeRemote) TopMenu(context.Context) error { return f.mark() }
func (f *fakeRemote) Play(context.Context) error { return f.mark() }
func (f *fakeRemote) Pause(context.Context) error { return f.mark() }
func (f *fakeRemote) PlayPause(context.Context) error { return f.mark() }
func (f *fakeRemote) Stop(context.Context) error { return f.mark() }
func (f *fakeRemote) Next(context.Context) error { return f.mark() }
func (f *fakeRemote) Previous(context.Context) error { return f.mark() }
func (f *fakeRemote) SkipForward(context.Context, float64) error { return f.mark() }
func (f *fakeRemote) SkipBackward(context.Context, float64) error { return f.mark() }
func (f *fakeRemote) SetPosition(context.Context, int) error { return f.mark() }
func (f *fakeRemote) SetShuffle(context.Context, models.ShuffleState) error { return f.mark() }
func (f *fakeRemote) SetRepeat(context.Context, models.RepeatState) error { return f.mark() }

func newConnectedFacade(t *testing.T, last *models.Protocol) *facade.AppleTV {
	t.Helper()
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.7"))
	atv := facade.NewAppleTV(config, nil)

	atv.AddSetupData(core.SetupData{
		Protocol: models.ProtocolMRP,
		Connect:  func(context.Context) error { return nil },
		Close:    func(context.Context) error { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: newFakeRemote(models.ProtocolMRP, last, core.CmdUp, core.CmdPlay),
		},
		Features: models.NewFeatureSet(models.FeatureUp, models.FeaturePlay),
	})
	atv.AddSetupData(core.SetupData{
		Protocol: models.ProtocolCompanion,
		Connect:  func(context.Context) error { return nil },
		Close:    func(context.Context) error { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: newFakeRemote(models.ProtocolCompanion, last, core.CmdUp, core.CmdHome),
		},
		Features: models.NewFeatureSet(models.FeatureUp, models.FeatureHome),
	})

	if err := atv.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return atv
}

func TestRelayPicksPriorityProtocol(t *testing.T) {
	var last models.Protocol
	atv := newConnectedFacade(t, &last)

	if err := atv.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if last != models.ProtocolMRP {
		t.Errorf("up served by %s, want MRP", last)
	}

	// Home is only supported by Companion; the relayer must skip MRP.
	if err := atv.Home(context.Background()); err != nil {
		t.Fatalf("home: %v", err)
	}
	if last != models.ProtocolCompanion {
		t.Errorf("home served by %s, want Companion", last)
	}
}

func TestRelayNotSupported(t *testing.T) {
	var last models.Protocol
	atv := newConnectedFacade(t, &last)

	err := atv.Stop(context.Background())
	if !errors.Is(err, models.ErrNotSupported) {
		t.Errorf("unsupported command error = %v", err)
	}
}

func TestTakeoverAndRelease(t *testing.T) {
	var last models.Protocol
	atv := newConnectedFacade(t, &last)

	if p := atv.MainProtocol(); p != models.ProtocolMRP {
		t.Errorf("main protocol = %s, want MRP", p)
	}

	release := atv.Takeover(models.ProtocolCompanion)
	if p := atv.MainProtocol(); p != models.ProtocolCompanion {
		t.Errorf("after takeover main protocol = %s, want Companion", p)
	}
	_ = atv.Up(context.Background())
	if last != models.ProtocolCompanion {
		t.Errorf("takeover did not reroute: %s", last)
	}

	release()
	if p := atv.MainProtocol(); p != models.ProtocolMRP {
		t.Errorf("after release main protocol = %s, want MRP", p)
	}
}

func TestConnectOnceAndCloseIdempotent(t *testing.T) {
	var last models.Protocol
	atv := newConnectedFacade(t, &last)

	if err := atv.Connect(context.Background()); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second connect error = %v", err)
	}
	if err := atv.Close(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := atv.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestConnectSkipsFailingProtocol(t *testing.T) {
	var last models.Protocol
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.7"))
	atv := facade.NewAppleTV(config, nil)

	atv.AddSetupData(core.SetupData{
		Protocol: models.ProtocolMRP,
		Connect:  func(context.Context) error { return models.ErrConnectionFailed },
		Close:    func(context.Context) error { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: newFakeRemote(models.ProtocolMRP, &last, core.CmdUp),
		},
	})
	atv.AddSetupData(core.SetupData{
		Protocol: models.ProtocolCompanion,
		Connect:  func(context.Context) error { return nil },
		Close:    func(context.Context) error { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: newFakeRemote(models.ProtocolCompanion, &last, core.CmdUp),
		},
	})

	if err := atv.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = atv.Up(context.Background())
	if last != models.ProtocolCompanion {
		t.Errorf("failed protocol still registered: %s", last)
	}
}

func TestFeaturesUnion(t *testing.T) {
	var last models.Protocol
	atv := newConnectedFacade(t, &last)

	features := atv.Features()
	for _, f := range []models.Feature{models.FeatureUp, models.FeaturePlay, models.FeatureHome} {
		if !features.Has(f) {
			t.Errorf("feature %s missing from union", f)
		}
	}
}

type recordingListener struct {
	updates atomic.Int32
	lastErr atomic.Value
}

func (r *recordingListener) PlaystatusUpdate(*models.Playing) { r.updates.Add(1) }
func (r *recordingListener) PlaystatusError(err error) { r.lastErr.Store(err) }

func TestPushUpdaterDeduplication(t *testing.T) {
	base := &core.PushUpdaterBase{}
	listener := &recordingListener{}
	cancel := base.Subscribe(listener)
	defer cancel()

	playing := models.Playing{Title: "Song"}
	base.PostUpdate(&playing)
	same := models.Playing{Title: "Song"}
	base.PostUpdate(&same)
	different := models.Playing{Title: "Other"}
	base.PostUpdate(&different)

	deadline := time.Now().Add(time.Second)
	for listener.updates.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := listener.updates.Load(); n != 2 {
		t.Errorf("listener updates = %d, want 2 (duplicate suppressed)", n)
	}
}

func TestSingleShotDeviceListener(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.7"))
	var lost atomic.Int32
	atv := facade.NewAppleTV(config, listenerFunc(func(error) { lost.Add(1) }))

	listener := atv.DeviceListener()
	listener.ConnectionLost(models.ErrConnectionLost)
	listener.ConnectionLost(models.ErrConnectionLost)
	listener.ConnectionClosed()

	if n := lost.Load(); n != 1 {
		t.Errorf("ConnectionLost delivered %d times, want 1", n)
	}
}

type listenerFunc func(error)

func (f listenerFunc) ConnectionLost(err error) { f(err) }
func (f listenerFunc) ConnectionClosed()        {}
