// Package identity holds a node's long-term keys: an Ed25519 key for
// signatures and an X25519 key for key agreement.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned when key material has the wrong size or encoding.
var ErrInvalidKey = errors.New("invalid key")

var b64 = base64.StdEncoding.Strict()

// EncodeB64 encodes binary fields for the wire and the chain.
func EncodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeB64 decodes strict standard base64; non-zero padding bits are rejected
// so every byte string has exactly one encoding.
func DecodeB64(s string) ([]byte, error) {
	return b64.DecodeString(s)
}

// DecodeSignPub decodes a base64 Ed25519 public key.
func DecodeSignPub(s string) (ed25519.PublicKey, error) {
	b, err := DecodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// DecodeEncPub decodes a base64 X25519 public key.
func DecodeEncPub(s string) ([]byte, error) {
	b, err := DecodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: x25519 public key must be %d bytes, got %d", ErrInvalidKey, curve25519.PointSize, len(b))
	}
	return b, nil
}

// Identity is a node or member keypair bundle.
type Identity struct {
	*Ed25519Signer
	encPriv []byte
	encPub  []byte
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPriv, encPub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	return New(priv, encPriv, encPub)
}

// New assembles an identity from existing key material.
func New(signPriv ed25519.PrivateKey, encPriv, encPub []byte) (*Identity, error) {
	signer, err := NewEd25519Signer(signPriv)
	if err != nil {
		return nil, err
	}
	if len(encPriv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: x25519 private key must be %d bytes", ErrInvalidKey, curve25519.ScalarSize)
	}
	if encPub == nil {
		encPub, err = curve25519.X25519(encPriv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("derive x25519 public key: %w", err)
		}
	}
	return &Identity{Ed25519Signer: signer, encPriv: encPriv, encPub: encPub}, nil
}

// EncPublicKey returns the X25519 public key.
func (id *Identity) EncPublicKey() []byte {
	return id.encPub
}

// EncPublicKeyB64 returns the X25519 public key in base64.
func (id *Identity) EncPublicKeyB64() string {
	return EncodeB64(id.encPub)
}

// SharedSecret performs X25519 between the long-term encryption key and peerPub.
func (id *Identity) SharedSecret(peerPub []byte) ([]byte, error) {
	return SharedSecret(id.encPriv, peerPub)
}

// GenerateX25519 returns a fresh X25519 keypair.
func GenerateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return priv, pub, nil
}

// SharedSecret computes X25519(priv, peerPub). Low-order peer points are
// rejected by the underlying implementation.
func SharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer x25519 key must be %d bytes", ErrInvalidKey, curve25519.PointSize)
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return shared, nil
}

type keyFile struct {
	SignSeed string `json:"sign_seed"`
	EncPriv  string `json:"enc_priv"`
}

// Save writes the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	data, err := json.MarshalIndent(keyFile{
		SignSeed: EncodeB64(id.privateKey.Seed()),
		EncPriv:  EncodeB64(id.encPriv),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// Load reads an identity written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	seed, err := DecodeB64(kf.SignSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: bad signing seed in %s", ErrInvalidKey, path)
	}
	encPriv, err := DecodeB64(kf.EncPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encryption key in %s", ErrInvalidKey, path)
	}
	return New(ed25519.NewKeyFromSeed(seed), encPriv, nil)
}

// LoadOrGenerate loads the identity at path, creating and saving one if the
// file does not exist.
func LoadOrGenerate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
