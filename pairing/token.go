// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// tokenSize is the length in bytes of a derived auth token before
// encoding.
const tokenSize = 32

// hkdfInfoBackendAuth is the domain-separation label for backend auth
// tokens. Changing it invalidates every derived credential, so it is
// versioned.
var hkdfInfoBackendAuth = []byte("sidecall.pairing.backend-auth.v1")

// NewSecret generates a fresh pairing secret from the system CSPRNG.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("pairing: generating secret: %w", err)
	}
	return secret, nil
}

// AuthToken derives the realtime backend credential for a device from
// its shared pairing secret using HKDF-SHA256. The info string binds
// the token to this device ID, so tokens from two pairings are
// unrelated even if the secrets collide. Deterministic: the phone
// derives the same token from its copy of the secret.
func AuthToken(device Device) (string, error) {
	if len(device.Secret) != SecretSize {
		return "", fmt.Errorf("pairing: secret is %d bytes, want %d", len(device.Secret), SecretSize)
	}

	info := make([]byte, 0, len(hkdfInfoBackendAuth)+1+len(device.ID))
	info = append(info, hkdfInfoBackendAuth...)
	info = append(info, ':')
	info = append(info, device.ID...)

	reader := hkdf.New(sha256.New, device.Secret, nil, info)
	token := make([]byte, tokenSize)
	if _, err := io.ReadFull(reader, token); err != nil {
		return "", fmt.Errorf("pairing: deriving auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(token), nil
}
