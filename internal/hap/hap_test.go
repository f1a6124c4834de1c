package hap_test

import (
	"bytes"
	"testing"

	"github.com/airtv-go/airtv/internal/hap"
)

func TestSRPRoundTrip(t *testing.T) {
	server, err := hap.NewServerSession(hap.SRPUsername, "1234")
	if err != nil {
		t.Fatalf("server session: %v", err)
	}
	client, err := hap.NewClientSession(hap.SRPUsername, "1234")
	if err != nil {
		t.Fatalf("client session: %v", err)
	}

	if err := client.ProcessChallenge(server.Salt(), server.PublicKey()); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if !server.ProcessAndVerify(client.PublicKey(), client.Proof()) {
		t.Fatal("server rejected a valid client proof")
	}
	if !bytes.Equal(client.SessionKey(), server.SessionKey()) {
		t.Error("session keys differ")
	}
	if !client.VerifyServerProof(server.Proof()) {
		t.Error("client rejected a valid server proof")
	}
}

func TestSRPWrongPin(t *testing.T) {
	server, _ := hap.NewServerSession(hap.SRPUsername, "1234")
	client, _ := hap.NewClientSession(hap.SRPUsername, "9999")

	if err := client.ProcessChallenge(server.Salt(), server.PublicKey()); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if server.ProcessAndVerify(client.PublicKey(), client.Proof()) {
		t.Fatal("server accepted a proof for the wrong PIN")
	}
}

func TestSRPRejectsZeroPublicKey(t *testing.T) {
	server, _ := hap.NewServerSession(hap.SRPUsername, "1234")
	if server.ProcessAndVerify([]byte{0}, make([]byte, 64)) {
		t.Error("zero client public key accepted")
	}

	client, _ := hap.NewClientSession(hap.SRPUsername, "1234")
	if err := client.ProcessChallenge(server.Salt(), []byte{0}); err == nil {
		t.Error("zero server public key accepted")
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 64)
	a, err := hap.DeriveKey(secret, "MediaRemote-Salt", "MediaRemote-Write-Encryption-Key")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := hap.DeriveKey(secret, "MediaRemote-Salt", "MediaRemote-Write-Encryption-Key")
	if !bytes.Equal(a, b) {
		t.Error("same inputs derived different keys")
	}
	if len(a) != 32 {
		t.Errorf("key length = %d", len(a))
	}

	c, _ := hap.DeriveKey(secret, "MediaRemote-Salt", "MediaRemote-Read-Encryption-Key")
	if bytes.Equal(a, c) {
		t.Error("different infos derived the same key")
	}
}

func TestLabelNonceBox(t *testing.T) {
	key := bytes.Repeat([]byte{3}, 32)
	sealed, err := hap.EncryptLabel(key, "PS-Msg05", []byte("inner tlv"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := hap.DecryptLabel(key, "PS-Msg05", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "inner tlv" {
		t.Errorf("plaintext = %q", plain)
	}

	if _, err := hap.DecryptLabel(key, "PS-Msg06", sealed); err == nil {
		t.Error("wrong nonce label accepted")
	}
}

func TestChachaCounterAdvances(t *testing.T) {
	outKey := bytes.Repeat([]byte{1}, 32)
	inKey := bytes.Repeat([]byte{2}, 32)

	sender, err := hap.NewChacha20Cipher(outKey, inKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	// The receiver's input direction mirrors the sender's output direction.
	receiver, _ := hap.NewChacha20Cipher(inKey, outKey)

	aad := []byte{4, 0}
	first := sender.Encrypt([]byte("one!"), aad)
	second := sender.Encrypt([]byte("one!"), aad)
	if bytes.Equal(first, second) {
		t.Error("consecutive frames used the same nonce")
	}

	for i, frame := range [][]byte{first, second} {
		plain, err := receiver.Decrypt(frame, aad)
		if err != nil {
			t.Fatalf("decrypt frame %d: %v", i, err)
		}
		if string(plain) != "one!" {
			t.Errorf("frame %d plaintext = %q", i, plain)
		}
	}

	if _, err := receiver.Decrypt(first, aad); err == nil {
		t.Error("replayed frame decrypted with advanced counter")
	}
}
