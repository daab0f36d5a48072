// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo domain-separates the key derivation from any other use of
// the same ECDH secret. Changing it breaks interop with existing
// peers.
const hkdfInfo = "backchannel session key v1"

// KeyPair is an X25519 keypair in raw form.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// Provider supplies the cryptographic primitives the handshake
// protocol is built from. The protocol itself (combined salt, envelope
// layout, pinning) lives in [Session] and never changes between
// providers.
type Provider interface {
	// GenerateKeyPair returns a fresh keypair.
	GenerateKeyPair() (KeyPair, error)

	// SharedSecret computes the ECDH shared secret between a local
	// private key and a peer public key.
	SharedSecret(private [32]byte, peerPublic [32]byte) ([]byte, error)

	// DeriveKey stretches a shared secret and salt into a 32-byte
	// symmetric key.
	DeriveKey(secret, salt []byte) ([]byte, error)

	// Seal encrypts plaintext under key with a fresh random IV,
	// returning the IV and the ciphertext (tag included).
	Seal(key, plaintext []byte) (iv, ciphertext []byte, err error)

	// Open reverses Seal. Authentication failure is an error.
	Open(key, iv, ciphertext []byte) ([]byte, error)

	// Fingerprint digests a raw public key into the stable identifier
	// users compare out of band.
	Fingerprint(public [32]byte) string
}

// Default returns the production provider: X25519, HKDF-SHA256, and
// AES-256-GCM with 96-bit IVs.
func Default() Provider { return defaultProvider{} }

type defaultProvider struct{}

var _ Provider = defaultProvider{}

func (defaultProvider) GenerateKeyPair() (KeyPair, error) {
	var pair KeyPair
	if _, err := rand.Read(pair.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("session: generating private key: %w", err)
	}
	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("session: deriving public key: %w", err)
	}
	copy(pair.Public[:], public)
	return pair, nil
}

func (defaultProvider) SharedSecret(private [32]byte, peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("session: computing shared secret: %w", err)
	}
	return secret, nil
}

func (defaultProvider) DeriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("session: deriving key: %w", err)
	}
	return key, nil
}

func (defaultProvider) Seal(key, plaintext []byte) ([]byte, []byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("session: generating IV: %w", err)
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

func (defaultProvider) Open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("session: opening ciphertext: %w", err)
	}
	return plaintext, nil
}

func (defaultProvider) Fingerprint(public [32]byte) string {
	sum := sha256.Sum256(public[:])
	return hex.EncodeToString(sum[:])
}

// fillRandom fills buf from the system CSPRNG.
func fillRandom(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("session: reading randomness: %w", err)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session: initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session: initializing GCM: %w", err)
	}
	return aead, nil
}
