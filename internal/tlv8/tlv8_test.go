package tlv8_test

import (
	"bytes"
	"testing"

	"github.com/airtv-go/airtv/internal/tlv8"
)

func TestRoundTrip(t *testing.T) {
	fields := map[byte][]byte{
		tlv8.TagSeqNo:     {1},
		tlv8.TagPublicKey: bytes.Repeat([]byte{0xAB}, 32),
		tlv8.TagSalt:      {},
	}
	decoded, err := tlv8.Read(tlv8.Write(fields))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(decoded[tlv8.TagSeqNo], []byte{1}) {
		t.Errorf("SeqNo = %x", decoded[tlv8.TagSeqNo])
	}
	if !bytes.Equal(decoded[tlv8.TagPublicKey], fields[tlv8.TagPublicKey]) {
		t.Errorf("PublicKey mismatch")
	}
	if v, ok := decoded[tlv8.TagSalt]; !ok || len(v) != 0 {
		t.Errorf("empty value lost: %x, present=%v", v, ok)
	}
}

func TestLargeValueFragmentation(t *testing.T) {
	big := bytes.Repeat([]byte{0x42}, 700)
	encoded := tlv8.Write(map[byte][]byte{tlv8.TagEncryptedData: big})

	// 700 bytes split as 255 + 255 + 190, each fragment with a 2-byte header.
	if len(encoded) != 700+3*2 {
		t.Errorf("encoded length = %d, want %d", len(encoded), 700+6)
	}
	if encoded[0] != tlv8.TagEncryptedData || encoded[1] != 255 {
		t.Errorf("first fragment header = % x", encoded[:2])
	}

	decoded, err := tlv8.Read(encoded)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(decoded[tlv8.TagEncryptedData], big) {
		t.Errorf("fragments not rejoined, got %d bytes", len(decoded[tlv8.TagEncryptedData]))
	}
}

func TestReadTruncated(t *testing.T) {
	if _, err := tlv8.Read([]byte{0x01}); err == nil {
		t.Error("expected error for truncated header")
	}
	if _, err := tlv8.Read([]byte{0x01, 0x05, 0xAA}); err == nil {
		t.Error("expected error for truncated value")
	}
}
