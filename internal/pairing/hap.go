// Package pairing implements the pair-setup and pair-verify procedures
// shared by the protocols: the HAP M1-M6 state machine and its transient
// variant, the legacy AirPlay exchanges, and the inverted DMAP pairing
// server where the device connects to us.
package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/tlv8"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// TlvExchanger sends one TLV8 pairing frame and returns the peer's TLV8
// reply. Each protocol wraps the frames in its own envelope (protobuf for
// MRP, HTTP POST for AirPlay, RTSP POST for RAOP, PS_Start/PS_Next frames
// for Companion).
type TlvExchanger interface {
	ExchangeTlv(ctx context.Context, step string, fields map[byte][]byte) (map[byte][]byte, error)
}

// HKDF parameter strings for the HAP exchanges.
const (
	setupEncryptSalt    = "Pair-Setup-Encrypt-Salt"
	setupEncryptInfo    = "Pair-Setup-Encrypt-Info"
	controllerSignSalt  = "Pair-Setup-Controller-Sign-Salt"
	controllerSignInfo  = "Pair-Setup-Controller-Sign-Info"
	accessorySignSalt   = "Pair-Setup-Accessory-Sign-Salt"
	accessorySignInfo   = "Pair-Setup-Accessory-Sign-Info"
	verifyEncryptSalt   = "Pair-Verify-Encrypt-Salt"
	verifyEncryptInfo   = "Pair-Verify-Encrypt-Info"
	transientPairingPin = "3939"
)

// flagTransient asks the accessory for a session-only pairing.
const flagTransient = 0x10

func checkTlvError(step string, fields map[byte][]byte) error {
	code, ok := fields[tlv8.TagError]
	if !ok || len(code) == 0 || code[0] == 0 {
		return nil
	}
	if _, backoff := fields[tlv8.TagBackOff]; backoff {
		return &models.PairingError{Step: step, Err: models.ErrBackOff}
	}
	return &models.PairingError{Step: step, Err: fmt.Errorf("device error code %d", code[0])}
}

// SetupProcedure runs HAP pair-setup M1-M6 (or M1-M4 when transient) over
// an exchanger and produces long-term credentials.
type SetupProcedure struct {
	exchanger TlvExchanger
	transient bool

	srp  *hap.ClientSession
	salt []byte
	peer []byte
}

// NewSetupProcedure creates a pair-setup procedure.
func NewSetupProcedure(exchanger TlvExchanger, transient bool) *SetupProcedure {
	return &SetupProcedure{exchanger: exchanger, transient: transient}
}

// Start sends M1 and records the M2 challenge. The PIN is not needed until
// Finish, so the caller can prompt the user while the device shows it.
func (p *SetupProcedure) Start(ctx context.Context) error {
	m1 := map[byte][]byte{
		tlv8.TagMethod: {0},
		tlv8.TagSeqNo:  {1},
	}
	if p.transient {
		flags := make([]byte, 4)
		binary.LittleEndian.PutUint32(flags, flagTransient)
		m1[tlv8.TagFlags] = flags
	}
	m2, err := p.exchanger.ExchangeTlv(ctx, "M1", m1)
	if err != nil {
		return &models.PairingError{Step: "M1", Err: err}
	}
	if err := checkTlvError("M2", m2); err != nil {
		return err
	}
	p.salt, p.peer = m2[tlv8.TagSalt], m2[tlv8.TagPublicKey]
	if len(p.salt) == 0 || len(p.peer) == 0 {
		return &models.PairingError{Step: "M2", Err: models.ErrInvalidResponse}
	}
	return nil
}

// Finish runs M3-M6 with the user-supplied PIN and returns credentials.
// Transient sessions complete after M4; the caller derives channel keys
// from SessionKey instead of credentials.
func (p *SetupProcedure) Finish(ctx context.Context, pin string) (*models.HapCredentials, error) {
	if p.peer == nil {
		return nil, &models.PairingError{Step: "M3", Err: models.ErrInvalidState}
	}
	srp, err := hap.NewClientSession(hap.SRPUsername, pin)
	if err != nil {
		return nil, &models.PairingError{Step: "M3", Err: err}
	}
	p.srp = srp
	if err := srp.ProcessChallenge(p.salt, p.peer); err != nil {
		return nil, &models.PairingError{Step: "M3", Err: err}
	}

	m4, err := p.exchanger.ExchangeTlv(ctx, "M3", map[byte][]byte{
		tlv8.TagSeqNo:     {3},
		tlv8.TagPublicKey: srp.PublicKey(),
		tlv8.TagProof:     srp.Proof(),
	})
	if err != nil {
		return nil, &models.PairingError{Step: "M3", Err: err}
	}
	if err := checkTlvError("M4", m4); err != nil {
		return nil, err
	}
	if !srp.VerifyServerProof(m4[tlv8.TagProof]) {
		return nil, &models.PairingError{Step: "M4", Err: &models.AuthenticationError{Reason: "server proof mismatch"}}
	}

	if p.transient {
		return models.TransientCredentials, nil
	}
	return p.exchangeKeys(ctx)
}

// SessionKey exposes the SRP shared secret; transient sessions derive
// their channel keys from it.
func (p *SetupProcedure) SessionKey() []byte {
	if p.srp == nil {
		return nil
	}
	return p.srp.SessionKey()
}

func (p *SetupProcedure) exchangeKeys(ctx context.Context) (*models.HapCredentials, error) {
	sessionKey := p.srp.SessionKey()
	encryptKey, err := hap.DeriveKey(sessionKey, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return nil, &models.PairingError{Step: "M5", Err: err}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &models.PairingError{Step: "M5", Err: err}
	}
	ltsk := priv.Seed()
	clientID := []byte(uuid.NewString())

	signMaterial, err := hap.DeriveKey(sessionKey, controllerSignSalt, controllerSignInfo)
	if err != nil {
		return nil, &models.PairingError{Step: "M5", Err: err}
	}
	signature := ed25519.Sign(priv, concat(signMaterial, clientID, pub))

	inner := tlv8.Write(map[byte][]byte{
		tlv8.TagIdentifier: clientID,
		tlv8.TagPublicKey:  pub,
		tlv8.TagSignature:  signature,
	})
	sealed, err := hap.EncryptLabel(encryptKey, "PS-Msg05", inner)
	if err != nil {
		return nil, &models.PairingError{Step: "M5", Err: err}
	}

	m6, err := p.exchanger.ExchangeTlv(ctx, "M5", map[byte][]byte{
		tlv8.TagSeqNo:         {5},
		tlv8.TagEncryptedData: sealed,
	})
	if err != nil {
		return nil, &models.PairingError{Step: "M5", Err: err}
	}
	if err := checkTlvError("M6", m6); err != nil {
		return nil, err
	}

	innerResp, err := hap.DecryptLabel(encryptKey, "PS-Msg06", m6[tlv8.TagEncryptedData])
	if err != nil {
		return nil, &models.PairingError{Step: "M6", Err: err}
	}
	fields, err := tlv8.Read(innerResp)
	if err != nil {
		return nil, &models.PairingError{Step: "M6", Err: err}
	}
	atvID := fields[tlv8.TagIdentifier]
	atvLtpk := fields[tlv8.TagPublicKey]
	atvSignature := fields[tlv8.TagSignature]
	if len(atvLtpk) != ed25519.PublicKeySize {
		return nil, &models.PairingError{Step: "M6", Err: models.ErrInvalidResponse}
	}

	accessoryMaterial, err := hap.DeriveKey(sessionKey, accessorySignSalt, accessorySignInfo)
	if err != nil {
		return nil, &models.PairingError{Step: "M6", Err: err}
	}
	if !ed25519.Verify(ed25519.PublicKey(atvLtpk), concat(accessoryMaterial, atvID, atvLtpk), atvSignature) {
		return nil, &models.PairingError{Step: "M6", Err: &models.AuthenticationError{Reason: "accessory signature mismatch"}}
	}

	return &models.HapCredentials{
		LTPK:     atvLtpk,
		LTSK:     ltsk,
		ATVID:    atvID,
		ClientID: clientID,
	}, nil
}

// VerifyProcedure runs HAP pair-verify with stored credentials and derives
// the per-channel encryption keys.
type VerifyProcedure struct {
	exchanger   TlvExchanger
	credentials *models.HapCredentials

	shared []byte
}

// NewVerifyProcedure creates a pair-verify procedure for the credentials.
func NewVerifyProcedure(exchanger TlvExchanger, credentials *models.HapCredentials) *VerifyProcedure {
	return &VerifyProcedure{exchanger: exchanger, credentials: credentials}
}

// Verify runs the two verify round trips. It returns true when a shared
// secret was established (Null credentials skip verification and leave the
// channel clear).
func (p *VerifyProcedure) Verify(ctx context.Context) (bool, error) {
	switch p.credentials.Type() {
	case models.CredentialsNull:
		return false, nil
	case models.CredentialsLegacy:
		return false, fmt.Errorf("%w: legacy credentials on a HAP channel", models.ErrInvalidCredentials)
	}

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return false, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return false, err
	}

	m2, err := p.exchanger.ExchangeTlv(ctx, "verify-M1", map[byte][]byte{
		tlv8.TagSeqNo:     {1},
		tlv8.TagPublicKey: public,
	})
	if err != nil {
		return false, &models.PairingError{Step: "verify-M1", Err: err}
	}
	if err := checkTlvError("verify-M2", m2); err != nil {
		return false, err
	}
	serverPublic := m2[tlv8.TagPublicKey]
	if len(serverPublic) != 32 {
		return false, &models.PairingError{Step: "verify-M2", Err: models.ErrInvalidResponse}
	}

	p.shared, err = curve25519.X25519(private[:], serverPublic)
	if err != nil {
		return false, &models.PairingError{Step: "verify-M2", Err: err}
	}

	sessionKey, err := hap.DeriveKey(p.shared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return false, err
	}
	inner, err := hap.DecryptLabel(sessionKey, "PV-Msg02", m2[tlv8.TagEncryptedData])
	if err != nil {
		return false, &models.PairingError{Step: "verify-M2", Err: err}
	}
	fields, err := tlv8.Read(inner)
	if err != nil {
		return false, &models.PairingError{Step: "verify-M2", Err: err}
	}
	identifier := fields[tlv8.TagIdentifier]
	if len(p.credentials.LTPK) == ed25519.PublicKeySize {
		signed := concat(serverPublic, identifier, public)
		if !ed25519.Verify(ed25519.PublicKey(p.credentials.LTPK), signed, fields[tlv8.TagSignature]) {
			return false, &models.PairingError{Step: "verify-M2", Err: &models.AuthenticationError{Reason: "accessory signature mismatch"}}
		}
	}

	priv := ed25519.NewKeyFromSeed(p.credentials.LTSK)
	signature := ed25519.Sign(priv, concat(public, p.credentials.ClientID, serverPublic))
	reply := tlv8.Write(map[byte][]byte{
		tlv8.TagIdentifier: p.credentials.ClientID,
		tlv8.TagSignature:  signature,
	})
	sealed, err := hap.EncryptLabel(sessionKey, "PV-Msg03", reply)
	if err != nil {
		return false, err
	}

	m4, err := p.exchanger.ExchangeTlv(ctx, "verify-M3", map[byte][]byte{
		tlv8.TagSeqNo:         {3},
		tlv8.TagEncryptedData: sealed,
	})
	if err != nil {
		return false, &models.PairingError{Step: "verify-M3", Err: err}
	}
	if err := checkTlvError("verify-M4", m4); err != nil {
		return false, err
	}
	return true, nil
}

// EncryptionKeys derives the output and input channel keys from the
// verified shared secret.
func (p *VerifyProcedure) EncryptionKeys(salt, outInfo, inInfo string) (outKey, inKey []byte, err error) {
	if p.shared == nil {
		return nil, nil, models.ErrInvalidState
	}
	if outKey, err = hap.DeriveKey(p.shared, salt, outInfo); err != nil {
		return nil, nil, err
	}
	if inKey, err = hap.DeriveKey(p.shared, salt, inInfo); err != nil {
		return nil, nil, err
	}
	return outKey, inKey, nil
}

// TransientKeys derives channel keys straight from a transient setup's SRP
// session key.
func TransientKeys(setup *SetupProcedure, salt, outInfo, inInfo string) (outKey, inKey []byte, err error) {
	session := setup.SessionKey()
	if session == nil {
		return nil, nil, models.ErrInvalidState
	}
	if outKey, err = hap.DeriveKey(session, salt, outInfo); err != nil {
		return nil, nil, err
	}
	if inKey, err = hap.DeriveKey(session, salt, inInfo); err != nil {
		return nil, nil, err
	}
	return outKey, inKey, nil
}

// TransientPin is the fixed PIN for transient pairing.
const TransientPin = transientPairingPin

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
