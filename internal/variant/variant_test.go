package variant_test

import (
	"bytes"
	"testing"

	"github.com/airtv-go/airtv/internal/variant"
)

func TestRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 1<<32 - 1, 1<<64 - 1} {
		buf := variant.Write(nil, v)
		got, n, err := variant.Read(buf)
		if err != nil {
			t.Fatalf("Read(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("Read(Write(%d)) = %d (%d bytes), want %d (%d bytes)", v, got, n, v, len(buf))
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	if buf := variant.Write(nil, 0x80); !bytes.Equal(buf, []byte{0x80, 0x01}) {
		t.Errorf("Write(0x80) = %x", buf)
	}
	if buf := variant.Write(nil, 5); !bytes.Equal(buf, []byte{0x05}) {
		t.Errorf("Write(5) = %x", buf)
	}
}

func TestReadTruncated(t *testing.T) {
	if _, _, err := variant.Read([]byte{0xFF}); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, _, err := variant.Read(nil); err == nil {
		t.Error("expected error for empty input")
	}
}
