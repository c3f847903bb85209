// Package wireguard plans the VPN mesh: key material, per-node device
// configs, and the full-mesh peer graph derived from the roster.
//
// Nothing in this package touches a node; rendering produces bytes and the
// bootstrap steps ship them.
package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds a Curve25519 key pair in the base64 form wg(8) uses.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair returns a fresh key pair, clamped per RFC 7748 so the
// private key is interchangeable with `wg genkey` output.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	clamp(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// PublicFromPrivate derives the base64 public key for an existing private
// key, e.g. one read back from a node's /etc/wireguard/privatekey.
func PublicFromPrivate(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	clamp(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// ValidateKey checks that s is a well-formed base64 Curve25519 key.
func ValidateKey(s string) error {
	_, err := decodeKey(s)
	return err
}

func decodeKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", curve25519.ScalarSize, len(raw))
	}
	return raw, nil
}

// clamp applies the RFC 7748 scalar clamp in place.
func clamp(priv []byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}
