package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/airtv-go/airtv/internal/storage"
)

func TestJSONStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewJSONStore(dir)

	registry := storage.NewRegistry()
	device := registry.Device("mrp_id_1")
	device.Info.Name = "Kitchen"
	device.Protocol("MRP").Credentials = "aa:bb:cc:dd"
	device.Protocol("RAOP").Password = "secret"

	if err := store.Save(registry); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Device("mrp_id_1").Info.Name != "Kitchen" {
		t.Errorf("info lost: %+v", loaded.Device("mrp_id_1").Info)
	}
	if loaded.Device("mrp_id_1").Protocol("MRP").Credentials != "aa:bb:cc:dd" {
		t.Errorf("credentials lost")
	}
	if loaded.Device("mrp_id_1").Protocol("RAOP").Password != "secret" {
		t.Errorf("password lost")
	}
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	store := storage.NewJSONStore(t.TempDir())
	registry, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(registry.Devices) != 0 {
		t.Errorf("expected empty registry, got %+v", registry.Devices)
	}
}

func TestLoadCorruptFileYieldsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewJSONStore(dir)
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	registry, err := store.Load()
	if err != nil || len(registry.Devices) != 0 {
		t.Errorf("corrupt file: registry=%v err=%v", registry, err)
	}
}

func TestFlushWithoutPendingIsNoop(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewJSONStore(dir)
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "devices.json")); !os.IsNotExist(err) {
		t.Error("flush with no pending state should not create a file")
	}
}

func TestMemStore(t *testing.T) {
	store := storage.NewMemStore()
	registry, _ := store.Load()
	registry.Device("x").Protocol("DMAP").Credentials = "0xAABB"
	if err := store.Save(registry); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, _ := store.Load()
	if loaded.Device("x").Protocol("DMAP").Credentials != "0xAABB" {
		t.Error("mem store did not round trip")
	}
	var _ storage.Store = store
}
