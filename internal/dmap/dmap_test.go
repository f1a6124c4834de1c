package dmap_test

import (
	"testing"

	"github.com/airtv-go/airtv/internal/dmap"
)

func TestParseContainer(t *testing.T) {
	data := dmap.Container("cmpa",
		dmap.Uint64("cmpg", 0xAABBCCDDEEFF0011),
		dmap.String("cmnm", "MyRemote"),
		dmap.String("cmty", "iPhone"),
	)

	entries, err := dmap.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 || entries[0].Tag != "cmpa" {
		t.Fatalf("unexpected top level: %+v", entries)
	}
	children := entries[0].Value.([]dmap.Entry)
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	if children[0].Value.(uint64) != 0xAABBCCDDEEFF0011 {
		t.Errorf("cmpg = %x", children[0].Value)
	}
	if children[1].Value.(string) != "MyRemote" {
		t.Errorf("cmnm = %v", children[1].Value)
	}
}

func TestFirstWalksPath(t *testing.T) {
	data := dmap.Container("cmst",
		dmap.Uint32("caps", 4),
		dmap.String("cann", "Track Name"),
		dmap.Uint32("cast", 123000),
	)

	v, err := dmap.First(data, "cmst", "cann")
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if v.(string) != "Track Name" {
		t.Errorf("cann = %v", v)
	}

	if v, _ := dmap.First(data, "cmst", "missing"); v != nil {
		t.Errorf("missing tag should return nil, got %v", v)
	}
	if v, _ := dmap.First(data, "cmst", "caps"); v.(uint64) != 4 {
		t.Errorf("caps = %v", v)
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	data := dmap.String("cann", "x")
	if _, err := dmap.Parse(data[:len(data)-1]); err == nil {
		t.Error("expected error for truncated value")
	}
	if _, err := dmap.Parse([]byte("cann")); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestUnknownTagDecodesAsBytes(t *testing.T) {
	data := dmap.String("zzzz", "\x01\x02")
	entries, err := dmap.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, ok := entries[0].Value.([]byte)
	if !ok || len(b) != 2 {
		t.Errorf("unknown tag value = %#v", entries[0].Value)
	}
}

func TestBoolAndUint8(t *testing.T) {
	entries, err := dmap.Parse(dmap.Bool("casu", true))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entries[0].Value.(bool) != true {
		t.Errorf("casu = %v", entries[0].Value)
	}

	entries, err = dmap.Parse(dmap.Uint8("caps", 3))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entries[0].Value.(uint64) != 3 {
		t.Errorf("caps = %v", entries[0].Value)
	}
}
