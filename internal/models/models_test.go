package models_test

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/airtv-go/airtv/internal/models"
)

func TestServiceMergeKeepsCredentials(t *testing.T) {
	s := models.NewService("id1", models.ProtocolMRP, 49152, map[string]string{"Name": "Kitchen"})
	s.Credentials = "abc"
	s.Password = "secret"

	s.Merge(models.NewService("", models.ProtocolMRP, 0, map[string]string{"name": "Bedroom", "extra": "1"}))

	if s.Credentials != "abc" {
		t.Errorf("credentials overwritten: %q", s.Credentials)
	}
	if s.Password != "secret" {
		t.Errorf("password overwritten: %q", s.Password)
	}
	if s.Port != 49152 {
		t.Errorf("port overwritten: %d", s.Port)
	}
	if v, _ := s.Property("NAME"); v != "Bedroom" {
		t.Errorf("incoming property should win: %q", v)
	}
	if v, _ := s.Property("extra"); v != "1" {
		t.Errorf("property union missing key: %q", v)
	}
}

func TestServiceMergeOverwritesWithNonEmpty(t *testing.T) {
	s := models.NewService("", models.ProtocolAirPlay, 7000, nil)
	incoming := models.NewService("id2", models.ProtocolAirPlay, 7001, nil)
	incoming.Credentials = "creds"

	s.Merge(incoming)

	if s.Identifier != "id2" || s.Credentials != "creds" || s.Port != 7001 {
		t.Errorf("merge did not adopt non-empty values: %+v", s)
	}
}

func TestConfigIdentifierPriority(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	config.AddService(models.NewService("companion_id", models.ProtocolCompanion, 49153, nil))
	config.AddService(models.NewService("airplay_id", models.ProtocolAirPlay, 7000, nil))

	if got := config.Identifier(); got != "airplay_id" {
		t.Errorf("identifier = %q, want airplay_id", got)
	}

	config.AddService(models.NewService("mrp_id", models.ProtocolMRP, 49152, nil))
	if got := config.Identifier(); got != "mrp_id" {
		t.Errorf("identifier = %q, want mrp_id", got)
	}
}

func TestConfigMergesSameProtocol(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	config.AddService(models.NewService("a", models.ProtocolRAOP, 7000, nil))
	config.AddService(models.NewService("b", models.ProtocolRAOP, 7000, nil))

	if n := len(config.Services()); n != 1 {
		t.Fatalf("expected one service per protocol, got %d", n)
	}
	if config.Service(models.ProtocolRAOP).Identifier != "b" {
		t.Errorf("merge did not keep incoming identifier")
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := &models.HapCredentials{
		LTPK:     make([]byte, 32),
		LTSK:     []byte{1, 2, 3, 4},
		ATVID:    []byte("atvatvatv"),
		ClientID: []byte("clientcl"),
	}
	parsed, err := models.ParseCredentials(creds.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.String() != creds.String() {
		t.Errorf("round trip mismatch: %s != %s", parsed.String(), creds.String())
	}
	if parsed.Type() != models.CredentialsHAP {
		t.Errorf("type = %s, want HAP", parsed.Type())
	}
}

func TestCredentialsTypeInference(t *testing.T) {
	legacy := &models.HapCredentials{LTSK: make([]byte, 32), ClientID: make([]byte, 8)}
	if legacy.Type() != models.CredentialsLegacy {
		t.Errorf("legacy layout classified as %s", legacy.Type())
	}

	null := &models.HapCredentials{}
	if null.Type() != models.CredentialsNull {
		t.Errorf("empty layout classified as %s", null.Type())
	}

	if models.TransientCredentials.Type() != models.CredentialsTransient {
		t.Errorf("transient marker classified as %s", models.TransientCredentials.Type())
	}
	if !strings.Contains(models.TransientCredentials.String(), strings.Repeat("00", 32)) {
		t.Errorf("transient marker should serialize as zeros")
	}
}

func TestParseCredentialsRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "aa:bb:cc", "zz:aa:bb:cc"} {
		if _, err := models.ParseCredentials(input); err == nil {
			t.Errorf("ParseCredentials(%q) should fail", input)
		}
	}
}

func TestPlayingHashDefault(t *testing.T) {
	a := models.Playing{Title: "Song", Artist: "Artist", Album: "Album", TotalTime: models.Int(120)}
	b := models.Playing{Title: "Song", Artist: "Artist", Album: "Album", TotalTime: models.Int(120)}
	if a.Hash() != b.Hash() {
		t.Errorf("identical content should hash identically")
	}

	c := models.Playing{Title: "Other"}
	if a.Hash() == c.Hash() {
		t.Errorf("different content should hash differently")
	}

	b.SetHash("custom")
	if b.Hash() != "custom" {
		t.Errorf("explicit hash not honored: %q", b.Hash())
	}
}

func TestPlayingEquality(t *testing.T) {
	a := models.Playing{Title: "Song", Position: models.Int(10), TotalTime: models.Int(60)}
	b := models.Playing{Title: "Song", Position: models.Int(10), TotalTime: models.Int(60)}
	if !a.Equal(&b) {
		t.Errorf("equal snapshots reported unequal")
	}
	b.Position = models.Int(11)
	if a.Equal(&b) {
		t.Errorf("different positions reported equal")
	}
}

func TestNewPlayingClampsPosition(t *testing.T) {
	p := models.NewPlaying(models.Playing{Position: models.Int(100), TotalTime: models.Int(60)})
	if *p.Position != 60 {
		t.Errorf("position not clamped to total time: %d", *p.Position)
	}
	p = models.NewPlaying(models.Playing{Position: models.Int(-5)})
	if *p.Position != 0 {
		t.Errorf("negative position not clamped: %d", *p.Position)
	}
}

func TestDeviceInfoOSInference(t *testing.T) {
	cases := []struct {
		raw  string
		want models.OperatingSystem
	}{
		{"AppleTV6,2", models.OSTvOS},
		{"AudioAccessory5,1", models.OSTvOS},
		{"AirPort10,115", models.OSAirPortOS},
		{"SomethingElse", models.OSUnknown},
	}
	for _, c := range cases {
		info := models.NewDeviceInfo(models.DeviceInfo{RawModel: c.raw})
		if info.OS != c.want {
			t.Errorf("NewDeviceInfo(%q).OS = %s, want %s", c.raw, info.OS, c.want)
		}
	}
}

func TestFeatureRegistry(t *testing.T) {
	for _, f := range models.AllFeatures() {
		if f.String() == "Unknown" {
			t.Errorf("feature %d has no registered name", f)
		}
	}
}
