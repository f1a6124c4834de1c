package opack_test

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/airtv-go/airtv/internal/opack"
	"github.com/google/uuid"
)

func roundTrip(t *testing.T, value any) any {
	t.Helper()
	packed, err := opack.Pack(value)
	if err != nil {
		t.Fatalf("Pack(%v): %v", value, err)
	}
	got, n, err := opack.Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack(%x): %v", packed, err)
	}
	if n != len(packed) {
		t.Errorf("Unpack consumed %d of %d bytes", n, len(packed))
	}
	return got
}

func TestScalars(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, true},
		{false, false},
		{int64(0), int64(0)},
		{int64(0x27), int64(0x27)},
		{int64(0x28), int64(0x28)},
		{int64(0x1FF), int64(0x1FF)},
		{int64(0x1FFFF), int64(0x1FFFF)},
		{int64(0x1FFFFFFFF), int64(0x1FFFFFFFF)},
		{float32(1.5), float32(1.5)},
		{float64(2.25), float64(2.25)},
		{"hello", "hello"},
		{strings.Repeat("x", 100), strings.Repeat("x", 100)},
		{strings.Repeat("y", 70000), strings.Repeat("y", 70000)},
	}
	for _, c := range cases {
		if got := roundTrip(t, c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("round trip of %v = %v", c.in, got)
		}
	}
}

func TestBytes(t *testing.T) {
	short := []byte{1, 2, 3}
	if got := roundTrip(t, short); !bytes.Equal(got.([]byte), short) {
		t.Errorf("short bytes = %x", got)
	}
	long := bytes.Repeat([]byte{0xAA}, 300)
	if got := roundTrip(t, long); !bytes.Equal(got.([]byte), long) {
		t.Errorf("long bytes length = %d", len(got.([]byte)))
	}
}

func TestUUID(t *testing.T) {
	id := uuid.MustParse("12345678-1234-5678-1234-567812345678")
	if got := roundTrip(t, id); got.(uuid.UUID) != id {
		t.Errorf("uuid = %v", got)
	}
}

func TestCollections(t *testing.T) {
	value := map[string]any{
		"_i": "_systemInfo",
		"_x": int64(1234),
		"_t": int64(2),
		"_c": map[string]any{
			"_i":   "cafecafe",
			"name": "airtv",
		},
		"list": []any{int64(1), "two", true},
	}
	got := roundTrip(t, value)
	if !reflect.DeepEqual(got, value) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, value)
	}
}

func TestEndlessCollections(t *testing.T) {
	big := make([]any, 20)
	for i := range big {
		big[i] = int64(i)
	}
	if got := roundTrip(t, big); !reflect.DeepEqual(got, big) {
		t.Errorf("endless array mismatch: %v", got)
	}

	dict := make(map[string]any, 20)
	for i := 0; i < 20; i++ {
		dict[strings.Repeat("k", i+1)] = int64(i)
	}
	if got := roundTrip(t, dict); !reflect.DeepEqual(got, dict) {
		t.Errorf("endless dict mismatch")
	}
}

func TestStringPointerBackReference(t *testing.T) {
	value := []any{"repeated", "other", "repeated", "repeated"}
	packed, err := opack.Pack(value)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	// "repeated" must be emitted once; subsequent uses are 1-byte pointers.
	if n := bytes.Count(packed, []byte("repeated")); n != 1 {
		t.Errorf("string emitted %d times, want 1", n)
	}
	got, _, err := opack.Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !reflect.DeepEqual(got, value) {
		t.Errorf("pointer resolution mismatch: %v", got)
	}
}

func TestUnpackErrors(t *testing.T) {
	for _, data := range [][]byte{
		{0x41},             // short string missing body
		{0x35, 0x00},       // float32 truncated
		{0xA5},             // pointer with no cached strings
		{0xFF},             // unknown tag
		{0xE1, 0x08, 0x04}, // dict with non-string key
	} {
		if _, _, err := opack.Unpack(data); err == nil {
			t.Errorf("Unpack(%x) should fail", data)
		}
	}
}
