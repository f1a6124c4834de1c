package airtv

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/storage"
)

func TestParseProtocol(t *testing.T) {
	cases := map[string]Protocol{
		"mrp":       ProtocolMRP,
		"MRP":       ProtocolMRP,
		"AirPlay":   ProtocolAirPlay,
		"companion": ProtocolCompanion,
		"raop":      ProtocolRAOP,
		"dmap":      ProtocolDMAP,
	}
	for name, want := range cases {
		got, ok := ParseProtocol(name)
		if !ok || got != want {
			t.Errorf("ParseProtocol(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseProtocol("telnet"); ok {
		t.Error("unknown protocol accepted")
	}
}

func TestFinishConfigAppliesStoredCredentials(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	config.AddService(models.NewService("mrp_id_1", models.ProtocolMRP, 49152, nil))

	registry := storage.NewRegistry()
	registry.Device("mrp_id_1").Protocol("MRP").Credentials = "aa:bb:cc:dd"

	finishConfig(config, registry)

	service := config.Service(models.ProtocolMRP)
	if service.Credentials != "aa:bb:cc:dd" {
		t.Errorf("credentials not applied: %q", service.Credentials)
	}
	if service.Pairing != models.PairingNotNeeded {
		t.Errorf("pairing = %s, want NotNeeded", service.Pairing)
	}
}

func TestFinishConfigSynthesizesRaop(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	airplayService := models.NewService("aa:bb", models.ProtocolAirPlay, 7000,
		map[string]string{"features": "0x00000000,0x10000000"})
	config.AddService(airplayService)

	finishConfig(config, nil)

	if config.Service(models.ProtocolRAOP) == nil {
		t.Error("unified advertiser info should synthesize a RAOP service")
	}
}

func TestUnicastPortEnv(t *testing.T) {
	t.Setenv(UnicastPortEnv, "1234")
	if port := unicastPort(); port != 1234 {
		t.Errorf("port = %d, want 1234", port)
	}
	t.Setenv(UnicastPortEnv, "garbage")
	if port := unicastPort(); port != 5353 {
		t.Errorf("port with bad env = %d, want 5353", port)
	}
}

func TestConnectWithoutServices(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	if _, err := Connect(context.Background(), config, nil); !errors.Is(err, models.ErrNoService) {
		t.Errorf("error = %v, want ErrNoService", err)
	}
}

func TestPairChecksRequirement(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	service := models.NewService("id", models.ProtocolCompanion, 49153, nil)
	service.Pairing = models.PairingDisabled
	config.AddService(service)

	if _, err := Pair(context.Background(), config, models.ProtocolCompanion, PairOptions{}); !errors.Is(err, models.ErrNotSupported) {
		t.Errorf("disabled pairing error = %v", err)
	}
	if _, err := Pair(context.Background(), config, models.ProtocolMRP, PairOptions{}); !errors.Is(err, models.ErrNoService) {
		t.Errorf("missing service error = %v", err)
	}
}

func TestDeviceInfoAggregation(t *testing.T) {
	config := models.NewDeviceConfig(netip.MustParseAddr("10.0.0.2"))
	config.AddService(models.NewService("mrp_id", models.ProtocolMRP, 49152,
		map[string]string{"systembuildversion": "17K449", "macaddress": "aa:bb:cc:dd:ee:ff"}))
	config.AddService(models.NewService("ap_id", models.ProtocolAirPlay, 7000,
		map[string]string{"model": "AppleTV6,2", "osvers": "13.4"}))

	info := DeviceInfo(config)
	if info.OS != models.OSTvOS {
		t.Errorf("os = %s, want tvOS", info.OS)
	}
	if info.BuildNumber != "17K449" || info.Version != "13.4" {
		t.Errorf("info = %+v", info)
	}
	if info.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("mac = %q", info.MAC)
	}
}
