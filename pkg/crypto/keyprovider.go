// Package crypto holds the kernel's signing primitives.
//
// Arbiter signs capsules with Ed25519. Key material is loaded once at
// startup and immutable thereafter; rotation requires a new kernel
// generation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts the signing backend. Swappable for an HSM or KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-memory Ed25519 provider.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh random keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewDerivedKeyProvider derives a deterministic keypair from a master seed
// via HKDF-SHA256. The same (seed, info) pair always yields the same key,
// which lets operators reconstruct the verification key from configuration.
func NewDerivedKeyProvider(seed []byte, info string) (*MemoryKeyProvider, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("empty key seed")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// PrivateKey exposes the raw key for waiver token signing at the human
// accountability interface. Not part of KeyProvider on purpose.
func (m *MemoryKeyProvider) PrivateKey() ed25519.PrivateKey {
	return m.priv
}
