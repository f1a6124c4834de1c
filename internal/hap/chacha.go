package hap

import (
	"crypto/cipher"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/airtv-go/airtv/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA512 over the shared secret with the given salt and
// info strings and returns a 32-byte key.
func DeriveKey(sharedSecret []byte, salt, info string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha512.New, sharedSecret, []byte(salt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// labelNonce builds the 12-byte nonce for TLV8 exchanges: 4 zero bytes
// followed by the 8-byte label (e.g. "PS-Msg05").
func labelNonce(label string) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[4:], label)
	return nonce
}

// EncryptLabel seals plaintext with a fixed label nonce and no AAD.
func EncryptLabel(key []byte, label string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, labelNonce(label), plaintext, nil), nil
}

// DecryptLabel opens a label-nonce box produced by EncryptLabel.
func DecryptLabel(key []byte, label string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, labelNonce(label), ciphertext, nil)
	if err != nil {
		return nil, &models.AuthenticationError{Reason: "decryption failed"}
	}
	return plain, nil
}

// Chacha20Cipher is a bidirectional AEAD with independent per-direction
// counters. The nonce for frame n is 4 zero bytes followed by n as a
// little-endian 64-bit counter; counters increment per sealed/opened frame.
type Chacha20Cipher struct {
	out cipherDirection
	in  cipherDirection
}

type cipherDirection struct {
	aead    cipher.AEAD
	counter uint64
}

// NewChacha20Cipher creates a cipher from the output (send) and input
// (receive) keys.
func NewChacha20Cipher(outKey, inKey []byte) (*Chacha20Cipher, error) {
	outAead, err := chacha20poly1305.New(outKey)
	if err != nil {
		return nil, fmt.Errorf("chacha: output key: %w", err)
	}
	inAead, err := chacha20poly1305.New(inKey)
	if err != nil {
		return nil, fmt.Errorf("chacha: input key: %w", err)
	}
	return &Chacha20Cipher{
		out: cipherDirection{aead: outAead},
		in:  cipherDirection{aead: inAead},
	}, nil
}

func (d *cipherDirection) nonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], d.counter)
	d.counter++
	return nonce
}

// Encrypt seals one frame with the send key and advances the send counter.
func (c *Chacha20Cipher) Encrypt(plaintext, aad []byte) []byte {
	return c.out.aead.Seal(nil, c.out.nonce(), plaintext, aad)
}

// Decrypt opens one frame with the receive key and advances the receive
// counter.
func (c *Chacha20Cipher) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	plain, err := c.in.aead.Open(nil, c.in.nonce(), ciphertext, aad)
	if err != nil {
		return nil, &models.AuthenticationError{Reason: "frame decryption failed"}
	}
	return plain, nil
}
