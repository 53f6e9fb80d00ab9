// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing stores the paired-device registry and derives
// backend credentials from pairing secrets.
//
// A pairing is established out of band (the phone app displays a
// code, the desktop operator enters it); this package only persists
// the result: one [Device] per paired phone, carrying the shared
// 32-byte secret both sides hold. The registry lives in a single CBOR
// file written atomically (temporary file, fsync, rename, mode 0600)
// so a crash mid-write never corrupts existing pairings.
//
// [AuthToken] derives the realtime backend credential from the shared
// secret with HKDF-SHA256 under a domain-separation label. Both sides
// derive the same token independently; the secret itself never
// crosses the wire.
package pairing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sidecall-project/sidecall/lib/codec"
)

// SecretSize is the length in bytes of the shared pairing secret.
const SecretSize = 32

// registryVersion is the on-disk format version.
const registryVersion = 1

// ErrUnknownDevice is returned when a device ID is not in the
// registry.
var ErrUnknownDevice = errors.New("pairing: unknown device")

// Device is one paired phone.
type Device struct {
	// ID is the phone's stable device identifier.
	ID string `cbor:"id"`

	// PairID names the backend tree namespace shared by the pair
	// (users/<pairID>/...).
	PairID string `cbor:"pairId"`

	// Name is the phone's human-readable name.
	Name string `cbor:"name"`

	// Platform tags the device OS (e.g. "android").
	Platform string `cbor:"platform"`

	// Secret is the 32-byte shared pairing secret.
	Secret []byte `cbor:"secret"`

	// PairedAt is when the pairing was established.
	PairedAt time.Time `cbor:"pairedAt"`
}

// registryFile is the on-disk layout.
type registryFile struct {
	Version int      `cbor:"version"`
	Devices []Device `cbor:"devices"`
}

// Registry is the persistent paired-device set. Safe for concurrent
// use. Every mutation rewrites the backing file atomically before
// returning.
type Registry struct {
	path string

	mu      sync.Mutex
	devices map[string]Device
}

// Open loads the registry at path. A missing file yields an empty
// registry; the file is created on the first mutation.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		devices: make(map[string]Device),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("pairing: reading registry %s: %w", path, err)
	}

	var file registryFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("pairing: parsing registry %s: %w", path, err)
	}
	if file.Version != registryVersion {
		return nil, fmt.Errorf("pairing: registry %s has version %d, want %d",
			path, file.Version, registryVersion)
	}
	for _, device := range file.Devices {
		r.devices[device.ID] = device
	}
	return r, nil
}

// Add stores a device, overwriting any existing entry with the same
// ID, and persists the registry.
func (r *Registry) Add(device Device) error {
	if device.ID == "" {
		return fmt.Errorf("pairing: device ID is required")
	}
	if device.PairID == "" {
		return fmt.Errorf("pairing: device pair ID is required")
	}
	if len(device.Secret) != SecretSize {
		return fmt.Errorf("pairing: secret is %d bytes, want %d", len(device.Secret), SecretSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = device
	return r.saveLocked()
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("pairing: device %q: %w", id, ErrUnknownDevice)
	}
	return device, nil
}

// List returns all paired devices, oldest pairing first.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].PairedAt.Equal(devices[j].PairedAt) {
			return devices[i].PairedAt.Before(devices[j].PairedAt)
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// Remove deletes a device and persists the registry. Removing an
// unknown ID returns ErrUnknownDevice.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("pairing: device %q: %w", id, ErrUnknownDevice)
	}
	delete(r.devices, id)
	return r.saveLocked()
}

// saveLocked writes the registry atomically: temporary file in the
// same directory, fsync, rename, then parent directory sync. Readers
// never see a partial write. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	data, err := codec.Marshal(registryFile{
		Version: registryVersion,
		Devices: devices,
	})
	if err != nil {
		return fmt.Errorf("pairing: encoding registry: %w", err)
	}

	temporaryPath := r.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("pairing: creating temporary registry file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("pairing: writing temporary registry file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("pairing: syncing temporary registry file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("pairing: closing temporary registry file: %w", err)
	}

	if err := os.Rename(temporaryPath, r.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("pairing: renaming registry file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(r.path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}
