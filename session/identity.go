// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Identity is the long-lived local keypair. It is generated once and
// reused across every session so the local fingerprint stays stable
// for peers to pin.
type Identity struct {
	pair        KeyPair
	fingerprint string
}

type identityFile struct {
	Version    int    `json:"version"`
	PrivateKey []byte `json:"privateKey"`
	PublicKey  []byte `json:"publicKey"`
}

// NewIdentity wraps an existing keypair without persistence. Used by
// tests and ephemeral sessions.
func NewIdentity(pair KeyPair, provider Provider) *Identity {
	return &Identity{pair: pair, fingerprint: provider.Fingerprint(pair.Public)}
}

// LoadOrCreateIdentity reads the identity keypair from path, creating
// and persisting a fresh one on first run. The key file is written
// with 0600 permissions.
func LoadOrCreateIdentity(path string, provider Provider) (*Identity, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file identityFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("session: parsing identity file %s: %w", path, err)
		}
		if file.Version != 1 {
			return nil, fmt.Errorf("session: identity file %s: unsupported version %d", path, file.Version)
		}
		if len(file.PrivateKey) != 32 || len(file.PublicKey) != 32 {
			return nil, fmt.Errorf("session: identity file %s: malformed key material", path)
		}
		var pair KeyPair
		copy(pair.Private[:], file.PrivateKey)
		copy(pair.Public[:], file.PublicKey)
		return NewIdentity(pair, provider), nil

	case errors.Is(err, fs.ErrNotExist):
		pair, err := provider.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(identityFile{
			Version:    1,
			PrivateKey: pair.Private[:],
			PublicKey:  pair.Public[:],
		})
		if err != nil {
			return nil, fmt.Errorf("session: encoding identity: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("session: creating identity directory: %w", err)
		}
		if err := os.WriteFile(path, encoded, 0o600); err != nil {
			return nil, fmt.Errorf("session: writing identity file %s: %w", path, err)
		}
		return NewIdentity(pair, provider), nil

	default:
		return nil, fmt.Errorf("session: reading identity file %s: %w", path, err)
	}
}

// Public returns the raw public key.
func (id *Identity) Public() [32]byte { return id.pair.Public }

// Fingerprint returns the stable digest of the public key.
func (id *Identity) Fingerprint() string { return id.fingerprint }

// keyPair exposes the full pair to the session within the package.
func (id *Identity) keyPair() KeyPair { return id.pair }
