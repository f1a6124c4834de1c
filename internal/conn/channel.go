package conn

import (
	"encoding/binary"

	"github.com/airtv-go/airtv/internal/hap"
)

// maxFramePayload is the largest plaintext chunk per AEAD frame.
const maxFramePayload = 1024

// tagSize is the Poly1305 tag appended to each frame.
const tagSize = 16

// EnableEncryption installs HAP channel framing on the connection: each
// frame is a little-endian u16 length, the ciphertext, and a 16-byte tag;
// the AAD is the 2-byte length prefix. Counters are independent per
// direction.
func (h *HttpConnection) EnableEncryption(outKey, inKey []byte) error {
	cipher, err := hap.NewChacha20Cipher(outKey, inKey)
	if err != nil {
		return err
	}
	send, recv := ChannelProcessors(cipher)
	h.SetProcessors(send, recv)
	return nil
}

// ChannelProcessors builds the send/receive processor pair implementing
// HAP frame encryption on top of a Chacha20Cipher.
func ChannelProcessors(cipher *hap.Chacha20Cipher) (SendProcessor, ReceiveProcessor) {
	send := func(data []byte) ([]byte, error) {
		var out []byte
		for len(data) > 0 {
			n := len(data)
			if n > maxFramePayload {
				n = maxFramePayload
			}
			var aad [2]byte
			binary.LittleEndian.PutUint16(aad[:], uint16(n))
			out = append(out, aad[:]...)
			out = append(out, cipher.Encrypt(data[:n], aad[:])...)
			data = data[n:]
		}
		return out, nil
	}

	recv := func(data []byte) (decoded, rest []byte, err error) {
		for {
			if len(data) < 2 {
				return decoded, data, nil
			}
			n := int(binary.LittleEndian.Uint16(data[:2]))
			if len(data) < 2+n+tagSize {
				return decoded, data, nil
			}
			plain, err := cipher.Decrypt(data[2:2+n+tagSize], data[:2])
			if err != nil {
				return nil, nil, err
			}
			decoded = append(decoded, plain...)
			data = data[2+n+tagSize:]
		}
	}

	return send, recv
}
