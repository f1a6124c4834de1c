package dmapproto_test

import (
	"testing"

	"github.com/airtv-go/airtv/internal/dmap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/dmapproto"
)

func playstatusBody(caps uint64, title string, totalMs, remainingMs uint32) []byte {
	return dmap.Container("cmst",
		dmap.Uint32("cmsr", 17),
		dmap.Uint8("caps", uint8(caps)),
		dmap.String("cann", title),
		dmap.String("cana", "Artist"),
		dmap.String("canl", "Album"),
		dmap.Uint32("cast", totalMs),
		dmap.Uint32("cant", remainingMs),
	)
}

func TestBuildPlayingFromPlaystatus(t *testing.T) {
	playing, err := dmapproto.BuildPlaying(playstatusBody(4, "Track", 180000, 120000))
	if err != nil {
		t.Fatalf("BuildPlaying: %v", err)
	}
	if playing.DeviceState != models.DeviceStatePlaying {
		t.Errorf("state = %s", playing.DeviceState)
	}
	if playing.Title != "Track" || playing.Artist != "Artist" || playing.Album != "Album" {
		t.Errorf("metadata = %+v", playing)
	}
	if *playing.TotalTime != 180 {
		t.Errorf("total = %d", *playing.TotalTime)
	}
	// Position is total minus remaining.
	if *playing.Position != 60 {
		t.Errorf("position = %d", *playing.Position)
	}
}

func TestBuildPlayingStates(t *testing.T) {
	cases := []struct {
		caps uint64
		want models.DeviceState
	}{
		{2, models.DeviceStateStopped},
		{3, models.DeviceStatePaused},
		{4, models.DeviceStatePlaying},
		{5, models.DeviceStateSeeking},
	}
	for _, c := range cases {
		playing, err := dmapproto.BuildPlaying(playstatusBody(c.caps, "x", 1000, 1000))
		if err != nil {
			t.Fatalf("caps %d: %v", c.caps, err)
		}
		if playing.DeviceState != c.want {
			t.Errorf("caps %d -> %s, want %s", c.caps, playing.DeviceState, c.want)
		}
	}
}

func TestRevisionExtraction(t *testing.T) {
	if rev := dmapproto.Revision(playstatusBody(4, "x", 0, 0)); rev != 17 {
		t.Errorf("revision = %d", rev)
	}
	if rev := dmapproto.Revision([]byte{1, 2, 3}); rev != 0 {
		t.Errorf("malformed body revision = %d", rev)
	}
}

func TestScanHandlers(t *testing.T) {
	handlers := dmapproto.Scan()
	for _, st := range []string{dmapproto.ServiceTypeTouchAble, dmapproto.ServiceTypeAppleTV, dmapproto.ServiceTypeHSCP} {
		if _, ok := handlers[st]; !ok {
			t.Errorf("missing handler for %s", st)
		}
	}

	raw := models.RawService{
		Type: dmapproto.ServiceTypeHSCP,
		Name: "itunes_id",
		Port: 3689,
		Properties: map[string]string{
			"machine name": "My iTunes",
			"hg":           "hsgid-value",
		},
	}
	service := handlers[dmapproto.ServiceTypeHSCP].Parse(raw)
	if service.Credentials != "hsgid-value" {
		t.Errorf("hscp hsgid not adopted: %q", service.Credentials)
	}
	if name := handlers[dmapproto.ServiceTypeHSCP].DeviceName(raw); name != "My iTunes" {
		t.Errorf("device name = %q", name)
	}
}

func TestServiceInfoPairing(t *testing.T) {
	service := models.NewService("id", models.ProtocolDMAP, 3689, nil)
	dmapproto.ServiceInfo(service, nil, nil)
	if service.Pairing != models.PairingMandatory {
		t.Errorf("pairing without credentials = %s", service.Pairing)
	}

	service.Credentials = "0xAABB"
	dmapproto.ServiceInfo(service, nil, nil)
	if service.Pairing != models.PairingNotNeeded {
		t.Errorf("pairing with credentials = %s", service.Pairing)
	}
}
