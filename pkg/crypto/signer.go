package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Signer signs and verifies kernel artifacts.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, sigHex string) (bool, error)
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer implements Signer over a KeyProvider.
type Ed25519Signer struct {
	provider KeyProvider
	KeyID    string
}

func NewEd25519Signer(provider KeyProvider, keyID string) *Ed25519Signer {
	return &Ed25519Signer{provider: provider, KeyID: keyID}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig, err := s.provider.Sign(data)
	if err != nil {
		return "", fmt.Errorf("sign failed: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a signature produced by this signer's key.
// ed25519.Verify runs in constant time with respect to secret material.
func (s *Ed25519Signer) Verify(data []byte, sigHex string) (bool, error) {
	return VerifyWithKey(s.PublicKey(), sigHex, data)
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.provider.PublicKey())
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.provider.PublicKey()
}

// VerifyWithKey verifies a hex signature against a hex-encoded public key.
func VerifyWithKey(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
