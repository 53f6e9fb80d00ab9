// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testDevice(id string, pairedAt time.Time) Device {
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = byte(i) ^ id[len(id)-1]
	}
	return Device{
		ID:       id,
		PairID:   "pair-1",
		Name:     "Pixel 9",
		Platform: "android",
		Secret:   secret,
		PairedAt: pairedAt,
	}
}

func TestRegistryOpenMissingFile(t *testing.T) {
	registry, err := Open(filepath.Join(t.TempDir(), "devices.cbor"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("List returned %d devices for a fresh registry, want 0", len(got))
	}
}

func TestRegistryRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.cbor")

	registry, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	device := testDevice("phone-1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	if err := registry.Add(device); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A second Open must see the persisted device.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open after Add: %v", err)
	}
	got, err := reopened.Get("phone-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != device.Name || got.PairID != device.PairID || got.Platform != device.Platform {
		t.Errorf("Get returned %+v, want %+v", got, device)
	}
	if !bytes.Equal(got.Secret, device.Secret) {
		t.Errorf("Get returned secret %x, want %x", got.Secret, device.Secret)
	}
	if !got.PairedAt.Equal(device.PairedAt) {
		t.Errorf("Get returned PairedAt %v, want %v", got.PairedAt, device.PairedAt)
	}
}

func TestRegistryAddValidates(t *testing.T) {
	registry, err := Open(filepath.Join(t.TempDir(), "devices.cbor"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := testDevice("phone-1", time.Now())

	missingID := base
	missingID.ID = ""
	if err := registry.Add(missingID); err == nil {
		t.Error("Add accepted a device with no ID")
	}

	missingPair := base
	missingPair.PairID = ""
	if err := registry.Add(missingPair); err == nil {
		t.Error("Add accepted a device with no pair ID")
	}

	shortSecret := base
	shortSecret.Secret = []byte("too short")
	if err := registry.Add(shortSecret); err == nil {
		t.Error("Add accepted a short secret")
	}
}

func TestRegistryListSortsByPairedAt(t *testing.T) {
	registry, err := Open(filepath.Join(t.TempDir(), "devices.cbor"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	newer := testDevice("phone-b", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	older := testDevice("phone-a", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := registry.Add(newer); err != nil {
		t.Fatalf("Add newer: %v", err)
	}
	if err := registry.Add(older); err != nil {
		t.Fatalf("Add older: %v", err)
	}

	devices := registry.List()
	if len(devices) != 2 {
		t.Fatalf("List returned %d devices, want 2", len(devices))
	}
	if devices[0].ID != "phone-a" || devices[1].ID != "phone-b" {
		t.Errorf("List order = [%s, %s], want [phone-a, phone-b]",
			devices[0].ID, devices[1].ID)
	}
}

func TestRegistryRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.cbor")
	registry, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := registry.Add(testDevice("phone-1", time.Now())); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := registry.Remove("phone-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := registry.Get("phone-1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Get after Remove returned %v, want ErrUnknownDevice", err)
	}
	if err := registry.Remove("phone-1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second Remove returned %v, want ErrUnknownDevice", err)
	}

	// The removal must be persisted.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open after Remove: %v", err)
	}
	if got := reopened.List(); len(got) != 0 {
		t.Errorf("reopened registry has %d devices, want 0", len(got))
	}
}

func TestRegistryFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.cbor")
	registry, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := registry.Add(testDevice("phone-1", time.Now())); err != nil {
		t.Fatalf("Add: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("registry file mode = %o, want 0600", mode)
	}
}

func TestRegistryOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.cbor")
	if err := os.WriteFile(path, []byte("not cbor at all"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open accepted a corrupt registry file")
	}
}

func TestRegistryAddOverwrites(t *testing.T) {
	registry, err := Open(filepath.Join(t.TempDir(), "devices.cbor"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	device := testDevice("phone-1", time.Now())
	if err := registry.Add(device); err != nil {
		t.Fatalf("Add: %v", err)
	}
	device.Name = "Pixel 9 Pro"
	if err := registry.Add(device); err != nil {
		t.Fatalf("Add overwrite: %v", err)
	}

	got, err := registry.Get("phone-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Pixel 9 Pro" {
		t.Errorf("Name after overwrite = %q, want %q", got.Name, "Pixel 9 Pro")
	}
	if devices := registry.List(); len(devices) != 1 {
		t.Errorf("List returned %d devices, want 1", len(devices))
	}
}
