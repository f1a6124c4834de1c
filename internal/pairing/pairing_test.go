package pairing_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/airtv-go/airtv/internal/dmap"
	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
)

func TestHapSetupAndVerify(t *testing.T) {
	ctx := context.Background()
	accessory, err := pairing.NewFixtureAccessory("1234")
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}

	setup := pairing.NewSetupProcedure(accessory, false)
	if err := setup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	creds, err := setup.Finish(ctx, "1234")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if creds.Type() != models.CredentialsHAP {
		t.Errorf("credentials type = %s", creds.Type())
	}
	if !bytes.Equal(creds.LTPK, accessory.LTPK()) {
		t.Error("credentials do not carry the accessory public key")
	}
	if string(creds.ATVID) != "fixture-accessory" {
		t.Errorf("atv id = %q", creds.ATVID)
	}

	verify := pairing.NewVerifyProcedure(accessory, creds)
	hasKeys, err := verify.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !hasKeys {
		t.Fatal("verify established no keys")
	}

	outKey, inKey, err := verify.EncryptionKeys("MediaRemote-Salt", "MediaRemote-Write-Encryption-Key", "MediaRemote-Read-Encryption-Key")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	// The accessory derives the same keys from its side of the DH secret.
	accOut, _ := hap.DeriveKey(accessory.VerifyShared(), "MediaRemote-Salt", "MediaRemote-Write-Encryption-Key")
	if !bytes.Equal(outKey, accOut) {
		t.Error("client and accessory derived different write keys")
	}
	if bytes.Equal(outKey, inKey) {
		t.Error("read and write keys must differ")
	}
}

func TestHapSetupWrongPin(t *testing.T) {
	ctx := context.Background()
	accessory, _ := pairing.NewFixtureAccessory("1234")

	setup := pairing.NewSetupProcedure(accessory, false)
	if err := setup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := setup.Finish(ctx, "0000")
	var pairErr *models.PairingError
	if !errors.As(err, &pairErr) {
		t.Fatalf("expected PairingError, got %v", err)
	}
}

func TestHapTransientSetup(t *testing.T) {
	ctx := context.Background()
	accessory, _ := pairing.NewFixtureAccessory("ignored")

	setup := pairing.NewSetupProcedure(accessory, true)
	if err := setup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	creds, err := setup.Finish(ctx, pairing.TransientPin)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if creds.Type() != models.CredentialsTransient {
		t.Errorf("credentials type = %s", creds.Type())
	}

	outKey, _, err := pairing.TransientKeys(setup, "DataStream-Salt", "DataStream-Output-Encryption-Key", "DataStream-Input-Encryption-Key")
	if err != nil {
		t.Fatalf("transient keys: %v", err)
	}
	accOut, _ := hap.DeriveKey(accessory.SessionKey(), "DataStream-Salt", "DataStream-Output-Encryption-Key")
	if !bytes.Equal(outKey, accOut) {
		t.Error("transient keys diverge from the accessory side")
	}
}

func TestVerifyWithNullCredentialsSkips(t *testing.T) {
	verify := pairing.NewVerifyProcedure(nil, &models.HapCredentials{})
	hasKeys, err := verify.Verify(context.Background())
	if err != nil || hasKeys {
		t.Errorf("null credentials: hasKeys=%v err=%v", hasKeys, err)
	}
}

func TestDmapPairingDigest(t *testing.T) {
	service := models.NewService("", models.ProtocolDMAP, 3689, nil)
	p := pairing.NewDmapPairing(service, "MyRemote", 0xAABBCCDDEEFF0011)
	p.Pin("1234")

	server := httptest.NewServer(p.Handler())
	defer server.Close()

	digest := md5.Sum([]byte("AABBCCDDEEFF0011" + "1\x00" + "2\x00" + "3\x00" + "4\x00"))
	body := hex.EncodeToString(digest[:])

	resp, err := http.Post(server.URL+"/pairing", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	payload := make([]byte, 256)
	n, _ := resp.Body.Read(payload)
	guid, err := dmap.First(payload[:n], "cmpa", "cmpg")
	if err != nil || guid.(uint64) != 0xAABBCCDDEEFF0011 {
		t.Errorf("cmpg = %v (%v)", guid, err)
	}
	if name, _ := dmap.First(payload[:n], "cmpa", "cmnm"); name.(string) != "MyRemote" {
		t.Errorf("cmnm = %v", name)
	}
	if kind, _ := dmap.First(payload[:n], "cmpa", "cmty"); kind.(string) != "iPhone" {
		t.Errorf("cmty = %v", kind)
	}
	if !p.HasPaired() {
		t.Error("handler not marked paired")
	}

	if err := p.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if service.Credentials != "0xAABBCCDDEEFF0011" {
		t.Errorf("credentials = %q", service.Credentials)
	}
}

func TestDmapPairingWrongDigest(t *testing.T) {
	service := models.NewService("", models.ProtocolDMAP, 3689, nil)
	p := pairing.NewDmapPairing(service, "MyRemote", 0xAABBCCDDEEFF0011)
	p.Pin("1234")

	server := httptest.NewServer(p.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/pairing", "text/plain", strings.NewReader("deadbeef"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if p.HasPaired() {
		t.Error("wrong digest marked paired")
	}
	if err := p.Finish(context.Background()); err == nil {
		t.Error("finish should fail before pairing")
	}
}

// legacyFixture is the accessory side of the legacy pair-setup-pin flow.
type legacyFixture struct {
	pin string
	srp *hap.ServerSession

	sawAuthTag []byte
}

func (f *legacyFixture) ExchangeRaw(_ context.Context, path string, body []byte) ([]byte, error) {
	return nil, nil // pair-pin-start has no payload
}

func (f *legacyFixture) ExchangePlist(_ context.Context, path string, body map[string]any) (map[string]any, error) {
	switch {
	case body["method"] == "pin":
		srv, err := hap.NewServerSession(body["user"].(string), f.pin)
		if err != nil {
			return nil, err
		}
		f.srp = srv
		return map[string]any{"pk": srv.PublicKey(), "salt": srv.Salt()}, nil
	case body["proof"] != nil:
		if !f.srp.ProcessAndVerify(body["pk"].([]byte), body["proof"].([]byte)) {
			return nil, &models.AuthenticationError{Reason: "bad proof"}
		}
		return map[string]any{"proof": f.srp.Proof()}, nil
	case body["epk"] != nil:
		f.sawAuthTag = body["authTag"].([]byte)
		return map[string]any{}, nil
	default:
		return nil, models.ProtocolErrorf("unexpected plist body")
	}
}

func TestLegacySetupRoundTrip(t *testing.T) {
	ctx := context.Background()
	fixture := &legacyFixture{pin: "1234"}

	existing := &models.HapCredentials{LTSK: bytes.Repeat([]byte{9}, 32), ClientID: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	proc, err := pairing.NewLegacySetupProcedure(fixture, existing)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	creds, err := proc.Finish(ctx, "1234")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if creds.Type() != models.CredentialsLegacy {
		t.Errorf("credentials type = %s", creds.Type())
	}
	if !bytes.Equal(creds.LTSK, existing.LTSK) || !bytes.Equal(creds.ClientID, existing.ClientID) {
		t.Error("existing legacy identity not reused")
	}
	if len(fixture.sawAuthTag) != 16 {
		t.Errorf("authTag length = %d, want 16", len(fixture.sawAuthTag))
	}
}
