package artifacts

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"
)

// Signer signs and verifies store manifests using an Ed25519 key pair
// derived from an age secret key seed. Verification only needs the
// public key; signing requires the secret.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner builds a Signer from an age secret key and/or a
// base64-encoded Ed25519 public key. At least one must be provided.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, errors.New("a secret or public key is required")
	}

	var (
		privateKey ed25519.PrivateKey
		publicKey  ed25519.PublicKey
	)

	if secret != "" {
		if _, err := age.ParseX25519Identity(secret); err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("decode age secret key: %w", err)
		}
		privateKey = ed25519.NewKeyFromSeed(seed)
		publicKey = ed25519.PublicKey(privateKey[ed25519.SeedSize:])
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
		}
		if publicKey == nil {
			publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(publicKey, decoded) {
			return nil, errors.New("public key does not match secret key")
		}
	}

	return &Signer{privateKey: privateKey, publicKey: publicKey}, nil
}

// NewSignerFromEnv initialises a Signer from AGE_SECRET_KEY and/or
// AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// Sign stamps the manifest with a base64 Ed25519 signature over its
// signing bytes and embeds the public key.
func (s *Signer) Sign(m *Manifest) error {
	if s == nil || len(s.privateKey) == 0 {
		return errors.New("signer configured without a secret key")
	}
	m.SigningPublicKey = base64.StdEncoding.EncodeToString(s.publicKey)
	m.Signature = ""
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload))
	return nil
}

// Verify checks the manifest's embedded signature. When the manifest
// carries a public key it must match the signer's configured key.
func (s *Signer) Verify(m *Manifest) error {
	if s == nil || len(s.publicKey) == 0 {
		return errors.New("no public key available for verification")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	if m.SigningPublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		if !bytes.Equal(decoded, s.publicKey) {
			return errors.New("manifest signed by unexpected key")
		}
	}

	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.publicKey, payload, sigBytes) {
		return errors.New("manifest signature verification failed")
	}
	return nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
