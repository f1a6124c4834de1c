package airplay_test

import (
	"net/netip"
	"testing"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/airplay"
)

func TestParseFeatures(t *testing.T) {
	features, err := airplay.ParseFeatures("0x00000000,0x00000040")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !features.Has(airplay.SupportsUnifiedMediaControl) {
		t.Error("unified media control flag not set")
	}

	features, err = airplay.ParseFeatures("0x5A7FFFF7,0x1E")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !features.Has(airplay.SupportsAudio) {
		t.Error("audio flag not set in mainline features")
	}
	if !features.Has(airplay.SupportsVideoV1) {
		t.Error("video v1 flag not set in mainline features")
	}

	features, err = airplay.ParseFeatures("0x00000000,0x00010000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !features.Has(airplay.SupportsCoreUtilsPairingAndEncryption) {
		t.Error("core utils pairing flag not set")
	}
}

func TestParseFeaturesRejectsGarbage(t *testing.T) {
	for _, input := range []string{"0xZZ", "1,2,3"} {
		if _, err := airplay.ParseFeatures(input); err == nil {
			t.Errorf("ParseFeatures(%q) should fail", input)
		}
	}
	if features, err := airplay.ParseFeatures(""); err != nil || features != 0 {
		t.Errorf("empty features = %#x, %v", features, err)
	}
}

func TestProtocolVersionSelection(t *testing.T) {
	service := models.NewService("id", models.ProtocolAirPlay, 7000,
		map[string]string{"features": "0x00000000,0x00010000"})
	if v := airplay.ProtocolVersion(service, airplay.VersionAuto); v != airplay.VersionV2 {
		t.Errorf("core-utils pairing device selected version %d, want V2", v)
	}

	legacy := models.NewService("id", models.ProtocolAirPlay, 7000,
		map[string]string{"features": "0x77"})
	if v := airplay.ProtocolVersion(legacy, airplay.VersionAuto); v != airplay.VersionV1 {
		t.Errorf("legacy device selected version %d, want V1", v)
	}
	if v := airplay.ProtocolVersion(legacy, airplay.VersionV2); v != airplay.VersionV2 {
		t.Errorf("explicit preference not honored: %d", v)
	}
}

func TestSyntheticRaopSibling(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.5"))
	service := models.NewService("aa:bb:cc", models.ProtocolAirPlay, 7000,
		map[string]string{"features": "0x00000000,0x10000000"}) // bit 60
	config.AddService(service)

	if !airplay.NeedsSyntheticRaop(config) {
		t.Fatal("unified advertiser device should synthesize RAOP")
	}
	raop := airplay.SyntheticRaopService(service)
	if raop.Protocol != models.ProtocolRAOP || raop.Port != 7000 || raop.Identifier != "aa:bb:cc" {
		t.Errorf("synthetic service = %+v", raop)
	}

	config.AddService(raop)
	if airplay.NeedsSyntheticRaop(config) {
		t.Error("existing RAOP service should suppress synthesis")
	}
}

func TestServiceInfoPairing(t *testing.T) {
	service := models.NewService("id", models.ProtocolAirPlay, 7000,
		map[string]string{"features": "0x00000000,0x00010000", "pw": "1"})
	airplay.ServiceInfo(service, nil, nil)
	if service.Pairing != models.PairingMandatory {
		t.Errorf("pairing = %s, want Mandatory", service.Pairing)
	}
	if !service.RequiresPassword {
		t.Error("pw=1 should require a password")
	}

	disabled := models.NewService("id", models.ProtocolAirPlay, 7000,
		map[string]string{"acl": "1"})
	airplay.ServiceInfo(disabled, nil, nil)
	if disabled.Pairing != models.PairingDisabled {
		t.Errorf("acl=1 pairing = %s, want Disabled", disabled.Pairing)
	}
}

func TestTunnelEligibility(t *testing.T) {
	hapService := models.NewService("id", models.ProtocolAirPlay, 7000, nil)
	hapService.Credentials = (&models.HapCredentials{
		LTPK: make([]byte, 32), LTSK: make([]byte, 32),
		ATVID: []byte("atv"), ClientID: []byte("client"),
	}).String()

	if !airplay.TunnelEligible(hapService, "AppleTV6,2", "13.4") {
		t.Error("tvOS 13 with HAP credentials should be eligible")
	}
	if airplay.TunnelEligible(hapService, "AppleTV6,2", "12.4") {
		t.Error("tvOS 12 should not be eligible")
	}

	transientService := models.NewService("id", models.ProtocolAirPlay, 7000, nil)
	transientService.Credentials = models.TransientCredentials.String()
	if !airplay.TunnelEligible(transientService, "AudioAccessory5,1", "14.0") {
		t.Error("HomePod with transient credentials should be eligible")
	}
	if airplay.TunnelEligible(transientService, "AppleTV6,2", "13.4") {
		t.Error("Apple TV with transient credentials should not be eligible")
	}
	if airplay.TunnelEligible(hapService, "MacBookPro15,1", "13.0") {
		t.Error("non Apple TV / HomePod models are never eligible")
	}
}
