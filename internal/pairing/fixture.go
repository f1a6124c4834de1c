package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/tlv8"
	"golang.org/x/crypto/curve25519"
)

// FixtureAccessory is the accessory side of the HAP exchanges, used as a
// test fixture (the library is a client; no production server exists).
// It answers setup M1/M3/M5 and verify M1/M3 frames.
type FixtureAccessory struct {
	Pin        string
	Identifier []byte

	signKey ed25519.PrivateKey

	srp        *hap.ServerSession
	sessionKey []byte
	transient  bool

	clientLtpk   []byte
	verifyShared []byte
}

// NewFixtureAccessory creates an accessory accepting the given PIN.
func NewFixtureAccessory(pin string) (*FixtureAccessory, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &FixtureAccessory{
		Pin:        pin,
		Identifier: []byte("fixture-accessory"),
		signKey:    priv,
	}, nil
}

// LTPK returns the accessory's long-term public key.
func (a *FixtureAccessory) LTPK() []byte {
	return a.signKey.Public().(ed25519.PublicKey)
}

// SessionKey returns the SRP session key after a transient setup.
func (a *FixtureAccessory) SessionKey() []byte { return a.sessionKey }

// VerifyShared returns the X25519 secret after pair-verify, from which the
// accessory derives its channel keys.
func (a *FixtureAccessory) VerifyShared() []byte { return a.verifyShared }

// ExchangeTlv implements TlvExchanger so client procedures can talk to the
// fixture directly in tests.
func (a *FixtureAccessory) ExchangeTlv(_ context.Context, _ string, fields map[byte][]byte) (map[byte][]byte, error) {
	return a.Handle(fields)
}

func errorReply(seqNo byte) (map[byte][]byte, error) {
	return map[byte][]byte{
		tlv8.TagSeqNo: {seqNo},
		tlv8.TagError: {2}, // authentication error
	}, nil
}

// Handle answers one pairing frame.
func (a *FixtureAccessory) Handle(fields map[byte][]byte) (map[byte][]byte, error) {
	seq := byte(0)
	if s := fields[tlv8.TagSeqNo]; len(s) > 0 {
		seq = s[0]
	}
	switch {
	case seq == 1 && fields[tlv8.TagMethod] != nil:
		return a.setupM2(fields)
	case seq == 3 && fields[tlv8.TagProof] != nil:
		return a.setupM4(fields)
	case seq == 5:
		return a.setupM6(fields)
	case seq == 1 && fields[tlv8.TagPublicKey] != nil:
		return a.verifyM2(fields)
	case seq == 3 && fields[tlv8.TagEncryptedData] != nil:
		return a.verifyM4(fields)
	default:
		return nil, models.ProtocolErrorf("fixture: unexpected frame seq %d", seq)
	}
}

func (a *FixtureAccessory) setupM2(fields map[byte][]byte) (map[byte][]byte, error) {
	pin := a.Pin
	a.transient = false
	if flags := fields[tlv8.TagFlags]; len(flags) == 4 && binary.LittleEndian.Uint32(flags)&flagTransient != 0 {
		a.transient = true
		pin = transientPairingPin
	}
	srv, err := hap.NewServerSession(hap.SRPUsername, pin)
	if err != nil {
		return nil, err
	}
	a.srp = srv
	return map[byte][]byte{
		tlv8.TagSeqNo:     {2},
		tlv8.TagSalt:      srv.Salt(),
		tlv8.TagPublicKey: srv.PublicKey(),
	}, nil
}

func (a *FixtureAccessory) setupM4(fields map[byte][]byte) (map[byte][]byte, error) {
	if a.srp == nil || !a.srp.ProcessAndVerify(fields[tlv8.TagPublicKey], fields[tlv8.TagProof]) {
		return errorReply(4)
	}
	a.sessionKey = a.srp.SessionKey()
	return map[byte][]byte{
		tlv8.TagSeqNo: {4},
		tlv8.TagProof: a.srp.Proof(),
	}, nil
}

func (a *FixtureAccessory) setupM6(fields map[byte][]byte) (map[byte][]byte, error) {
	encryptKey, err := hap.DeriveKey(a.sessionKey, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return nil, err
	}
	inner, err := hap.DecryptLabel(encryptKey, "PS-Msg05", fields[tlv8.TagEncryptedData])
	if err != nil {
		return errorReply(6)
	}
	client, err := tlv8.Read(inner)
	if err != nil {
		return errorReply(6)
	}
	clientID := client[tlv8.TagIdentifier]
	clientLtpk := client[tlv8.TagPublicKey]

	material, err := hap.DeriveKey(a.sessionKey, controllerSignSalt, controllerSignInfo)
	if err != nil {
		return nil, err
	}
	if len(clientLtpk) != ed25519.PublicKeySize ||
		!ed25519.Verify(ed25519.PublicKey(clientLtpk), concat(material, clientID, clientLtpk), client[tlv8.TagSignature]) {
		return errorReply(6)
	}
	a.clientLtpk = clientLtpk

	accessoryMaterial, err := hap.DeriveKey(a.sessionKey, accessorySignSalt, accessorySignInfo)
	if err != nil {
		return nil, err
	}
	ltpk := a.LTPK()
	signature := ed25519.Sign(a.signKey, concat(accessoryMaterial, a.Identifier, ltpk))
	reply := tlv8.Write(map[byte][]byte{
		tlv8.TagIdentifier: a.Identifier,
		tlv8.TagPublicKey:  ltpk,
		tlv8.TagSignature:  signature,
	})
	sealed, err := hap.EncryptLabel(encryptKey, "PS-Msg06", reply)
	if err != nil {
		return nil, err
	}
	return map[byte][]byte{
		tlv8.TagSeqNo:         {6},
		tlv8.TagEncryptedData: sealed,
	}, nil
}

func (a *FixtureAccessory) verifyM2(fields map[byte][]byte) (map[byte][]byte, error) {
	clientPublic := fields[tlv8.TagPublicKey]

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	a.verifyShared, err = curve25519.X25519(private[:], clientPublic)
	if err != nil {
		return errorReply(2)
	}

	signature := ed25519.Sign(a.signKey, concat(public, a.Identifier, clientPublic))
	inner := tlv8.Write(map[byte][]byte{
		tlv8.TagIdentifier: a.Identifier,
		tlv8.TagSignature:  signature,
	})
	sessionKey, err := hap.DeriveKey(a.verifyShared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return nil, err
	}
	sealed, err := hap.EncryptLabel(sessionKey, "PV-Msg02", inner)
	if err != nil {
		return nil, err
	}
	return map[byte][]byte{
		tlv8.TagSeqNo:         {2},
		tlv8.TagPublicKey:     public,
		tlv8.TagEncryptedData: sealed,
	}, nil
}

func (a *FixtureAccessory) verifyM4(fields map[byte][]byte) (map[byte][]byte, error) {
	sessionKey, err := hap.DeriveKey(a.verifyShared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return nil, err
	}
	if _, err := hap.DecryptLabel(sessionKey, "PV-Msg03", fields[tlv8.TagEncryptedData]); err != nil {
		return errorReply(4)
	}
	return map[byte][]byte{tlv8.TagSeqNo: {4}}, nil
}
