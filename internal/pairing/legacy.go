package pairing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"golang.org/x/crypto/curve25519"
)

// PlistExchanger posts legacy pairing payloads: binary plists for the
// pair-setup-pin steps and raw binary blobs for pair-verify.
type PlistExchanger interface {
	ExchangePlist(ctx context.Context, path string, body map[string]any) (map[string]any, error)
	ExchangeRaw(ctx context.Context, path string, body []byte) ([]byte, error)
}

// LegacySetupProcedure implements the old AirPlay pair-setup-pin exchange
// used by AirPort Express and early Apple TV firmware.
type LegacySetupProcedure struct {
	exchanger PlistExchanger

	username string
	srp      *hap.ClientSession
	signKey  ed25519.PrivateKey
	clientID []byte
}

// NewLegacySetupProcedure creates a legacy pair-setup procedure. When the
// credentials already carry a legacy identity it is reused, otherwise a
// fresh one is generated.
func NewLegacySetupProcedure(exchanger PlistExchanger, existing *models.HapCredentials) (*LegacySetupProcedure, error) {
	p := &LegacySetupProcedure{exchanger: exchanger}
	if existing != nil && existing.Type() == models.CredentialsLegacy {
		p.signKey = ed25519.NewKeyFromSeed(existing.LTSK)
		p.clientID = existing.ClientID
	} else {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		p.signKey = priv
		p.clientID = make([]byte, 8)
		if _, err := rand.Read(p.clientID); err != nil {
			return nil, err
		}
	}
	p.username = strings.ToUpper(hex.EncodeToString(p.clientID))
	return p, nil
}

// Start requests the PIN display on the device.
func (p *LegacySetupProcedure) Start(ctx context.Context) error {
	if _, err := p.exchanger.ExchangeRaw(ctx, "/pair-pin-start", nil); err != nil {
		return &models.PairingError{Step: "pin-start", Err: err}
	}
	return nil
}

// Finish runs the three pair-setup-pin steps with the displayed PIN and
// returns legacy credentials (32-byte ltsk, 8-byte client id).
func (p *LegacySetupProcedure) Finish(ctx context.Context, pin string) (*models.HapCredentials, error) {
	step1, err := p.exchanger.ExchangePlist(ctx, "/pair-setup-pin", map[string]any{
		"method": "pin",
		"user":   p.username,
	})
	if err != nil {
		return nil, &models.PairingError{Step: "setup-pin-1", Err: err}
	}
	serverPub, _ := step1["pk"].([]byte)
	salt, _ := step1["salt"].([]byte)
	if len(serverPub) == 0 || len(salt) == 0 {
		return nil, &models.PairingError{Step: "setup-pin-1", Err: models.ErrInvalidResponse}
	}

	srp, err := hap.NewClientSession(p.username, pin)
	if err != nil {
		return nil, &models.PairingError{Step: "setup-pin-2", Err: err}
	}
	p.srp = srp
	if err := srp.ProcessChallenge(salt, serverPub); err != nil {
		return nil, &models.PairingError{Step: "setup-pin-2", Err: err}
	}
	if _, err := p.exchanger.ExchangePlist(ctx, "/pair-setup-pin", map[string]any{
		"pk":    srp.PublicKey(),
		"proof": srp.Proof(),
	}); err != nil {
		return nil, &models.PairingError{Step: "setup-pin-2", Err: err}
	}

	epk, tag, err := p.step3Material()
	if err != nil {
		return nil, &models.PairingError{Step: "setup-pin-3", Err: err}
	}
	if _, err := p.exchanger.ExchangePlist(ctx, "/pair-setup-pin", map[string]any{
		"epk":     epk,
		"authTag": tag,
	}); err != nil {
		return nil, &models.PairingError{Step: "setup-pin-3", Err: err}
	}

	return &models.HapCredentials{
		LTSK:     p.signKey.Seed(),
		ClientID: p.clientID,
	}, nil
}

// step3Material seals our long-term public key with keys derived from the
// SRP session: AES-128-GCM, key and nonce from HKDF. The 16-byte GCM tag
// travels separately as authTag.
func (p *LegacySetupProcedure) step3Material() (epk, tag []byte, err error) {
	aesKey, err := hap.DeriveKey(p.srp.SessionKey(), "Pair-Setup-AES-Key", "Pair-Setup-AES-Key")
	if err != nil {
		return nil, nil, err
	}
	aesIV, err := hap.DeriveKey(p.srp.SessionKey(), "Pair-Setup-AES-IV", "Pair-Setup-AES-IV")
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(aesKey[:16])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	ltpk := p.signKey.Public().(ed25519.PublicKey)
	sealed := gcm.Seal(nil, aesIV[:gcm.NonceSize()], ltpk, nil)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], sealed[split:], nil
}

// LegacyVerifyProcedure implements the raw-binary legacy pair-verify.
type LegacyVerifyProcedure struct {
	exchanger   PlistExchanger
	credentials *models.HapCredentials

	shared []byte
}

// NewLegacyVerifyProcedure creates a verify procedure for legacy
// credentials.
func NewLegacyVerifyProcedure(exchanger PlistExchanger, credentials *models.HapCredentials) *LegacyVerifyProcedure {
	return &LegacyVerifyProcedure{exchanger: exchanger, credentials: credentials}
}

// Verify performs the two-round binary exchange: our X25519 and Ed25519
// public keys prefixed with 01 00 00 00, then the AES-CTR encrypted
// signature prefixed with 00 00 00 00.
func (p *LegacyVerifyProcedure) Verify(ctx context.Context) (bool, error) {
	if p.credentials.Type() != models.CredentialsLegacy {
		return false, fmt.Errorf("%w: legacy verify needs legacy credentials", models.ErrInvalidCredentials)
	}

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return false, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return false, err
	}
	signKey := ed25519.NewKeyFromSeed(p.credentials.LTSK)
	ltpk := signKey.Public().(ed25519.PublicKey)

	blob := concat([]byte{1, 0, 0, 0}, public, ltpk)
	resp, err := p.exchanger.ExchangeRaw(ctx, "/pair-verify", blob)
	if err != nil {
		return false, &models.PairingError{Step: "verify-1", Err: err}
	}
	if len(resp) < 32 {
		return false, &models.PairingError{Step: "verify-1", Err: models.ErrInvalidResponse}
	}
	serverPublic := resp[:32]
	serverEncrypted := resp[32:]

	p.shared, err = curve25519.X25519(private[:], serverPublic)
	if err != nil {
		return false, &models.PairingError{Step: "verify-1", Err: err}
	}

	keyHash := sha512.Sum512(concat([]byte("Pair-Verify-AES-Key"), p.shared))
	ivHash := sha512.Sum512(concat([]byte("Pair-Verify-AES-IV"), p.shared))
	block, err := aes.NewCipher(keyHash[:16])
	if err != nil {
		return false, err
	}
	ctr := cipher.NewCTR(block, ivHash[:16])

	// Advance the keystream over the server's portion, then encrypt our
	// signature with the continuation.
	discard := make([]byte, len(serverEncrypted))
	ctr.XORKeyStream(discard, serverEncrypted)

	signature := ed25519.Sign(signKey, concat(public, serverPublic))
	encrypted := make([]byte, len(signature))
	ctr.XORKeyStream(encrypted, signature)

	if _, err := p.exchanger.ExchangeRaw(ctx, "/pair-verify", concat([]byte{0, 0, 0, 0}, encrypted)); err != nil {
		return false, &models.PairingError{Step: "verify-2", Err: err}
	}
	return true, nil
}
