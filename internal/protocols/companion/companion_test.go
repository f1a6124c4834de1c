package companion_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/opack"
	"github.com/airtv-go/airtv/internal/protocols/companion"
)

// fixtureDevice answers companion requests over the other end of a pipe.
type fixtureDevice struct {
	conn     *companion.Connection
	requests atomic.Int64
}

func startFixture(t *testing.T, c net.Conn) *fixtureDevice {
	t.Helper()
	f := &fixtureDevice{conn: companion.NewConnection(c)}
	f.conn.SetCallbacks(f.handle, nil)
	f.conn.Start()
	return f
}

func (f *fixtureDevice) handle(frame companion.Frame) {
	payload, err := companion.DecodeOpack(frame.Data)
	if err != nil {
		return
	}
	if payload["_t"] != int64(2) {
		return
	}
	f.requests.Add(1)
	response := map[string]any{
		"_t": int64(3),
		"_x": payload["_x"],
		"_c": map[string]any{"handled": true},
	}
	if payload["_i"] == "FetchLaunchableApplicationsEvent" {
		response["_c"] = map[string]any{"com.apple.TVMusic": "Music"}
	}
	data, err := opack.Pack(response)
	if err != nil {
		return
	}
	_ = f.conn.Send(companion.Frame{Type: frame.Type, Data: data})
}

func (f *fixtureDevice) sendEvent(id string, content map[string]any) error {
	data, err := opack.Pack(map[string]any{
		"_i": id,
		"_t": int64(1),
		"_c": content,
	})
	if err != nil {
		return err
	}
	return f.conn.Send(companion.Frame{Type: companion.FrameEOpack, Data: data})
}

func newTestApi(t *testing.T) (*companion.Api, *fixtureDevice) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fixture := startFixture(t, serverSide)

	service := models.NewService("id", models.ProtocolCompanion, 49153, nil)
	api := companion.NewApiWithConnection(service, companion.NewConnection(clientSide))
	api.StartBare()
	t.Cleanup(api.Close)
	return api, fixture
}

func TestRequestResponseByTransactionID(t *testing.T) {
	api, _ := newTestApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := api.SendRequest(ctx, "_sessionStart", map[string]any{"_srvT": "x"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["handled"] != true {
		t.Errorf("response = %v", resp)
	}
}

func TestHidCommandIsPressAndRelease(t *testing.T) {
	api, fixture := newTestApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := api.HidCommand(ctx, 6, false); err != nil {
		t.Fatalf("hid: %v", err)
	}
	if n := fixture.requests.Load(); n != 2 {
		t.Errorf("single tap sent %d requests, want 2 (press + release)", n)
	}
}

func TestMediaControlFeatureBitmap(t *testing.T) {
	api, fixture := newTestApi(t)

	updates := make(chan struct{}, 1)
	api.ListenEvent("_iMC", api.HandleMediaControlFlags)
	api.ListenEvent("_iMC", func(map[string]any) { updates <- struct{}{} })

	if err := fixture.sendEvent("_iMC", map[string]any{"_mcF": int64(companion.McfPlay | companion.McfSkipForward)}); err != nil {
		t.Fatalf("event: %v", err)
	}
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}

	features := api.MediaFeatures()
	if features&companion.McfPlay == 0 || features&companion.McfSkipForward == 0 {
		t.Errorf("features = %#x", features)
	}
	if features&companion.McfPause != 0 {
		t.Errorf("pause bit unexpectedly set: %#x", features)
	}
}

func TestAppListParsing(t *testing.T) {
	api, _ := newTestApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := api.SendRequest(ctx, "FetchLaunchableApplicationsEvent", map[string]any{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["com.apple.TVMusic"] != "Music" {
		t.Errorf("apps = %v", resp)
	}
}

func TestServiceInfoPairingBits(t *testing.T) {
	cases := []struct {
		rpfl string
		want models.PairingRequirement
	}{
		{"0x4", models.PairingDisabled},
		{"0x4000", models.PairingMandatory},
		{"0x62792", models.PairingUnsupported},
	}
	for _, c := range cases {
		service := models.NewService("id", models.ProtocolCompanion, 49153, map[string]string{"rpfl": c.rpfl})
		companion.ServiceInfo(service, nil, nil)
		if service.Pairing != c.want {
			t.Errorf("rpfl %s -> %s, want %s", c.rpfl, service.Pairing, c.want)
		}
	}

	service := models.NewService("id", models.ProtocolCompanion, 49153, map[string]string{"rpfl": "0x4"})
	service.Credentials = "a:b:c:d"
	companion.ServiceInfo(service, nil, nil)
	if service.Pairing != models.PairingNotNeeded {
		t.Errorf("with credentials = %s", service.Pairing)
	}
}

func TestSystemStatusPowerMapping(t *testing.T) {
	api, fixture := newTestApi(t)
	api.ListenEvent("SystemStatus", api.HandleSystemStatus)

	if err := fixture.sendEvent("SystemStatus", map[string]any{"_sS": int64(1)}); err != nil {
		t.Fatalf("event: %v", err)
	}
	waitFor(t, func() bool { return api.PowerState() == models.PowerStateOff })

	if err := fixture.sendEvent("SystemStatus", map[string]any{"_sS": int64(3)}); err != nil {
		t.Fatalf("event: %v", err)
	}
	waitFor(t, func() bool { return api.PowerState() == models.PowerStateOn })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
