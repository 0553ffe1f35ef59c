package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer signs block bodies and handshake payloads.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(data []byte) ([]byte, error)
}

// Ed25519Signer implements Signer with a long-term Ed25519 key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519Signer creates a signer from a 64-byte Ed25519 private key.
func NewEd25519Signer(privateKey ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Ed25519Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// Sign creates an Ed25519 signature over the given data
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, data), nil
}

// PublicKey returns the Ed25519 public key
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// PublicKeyB64 returns the public key in the base64 form used on chain.
func (s *Ed25519Signer) PublicKeyB64() string {
	return EncodeB64(s.publicKey)
}

// KeyID returns a short stable identifier: hex of the first 8 bytes of
// SHA256(public key).
func (s *Ed25519Signer) KeyID() string {
	return KeyID(s.publicKey)
}

// KeyID returns the short identifier for any Ed25519 public key.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:8])
}

// Verify reports whether sig is a valid signature of msg by pub.
// A malformed key is treated as a failed verification.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyB64 is Verify with the key and signature in base64.
func VerifyB64(pubB64 string, msg []byte, sigB64 string) bool {
	pub, err := DecodeSignPub(pubB64)
	if err != nil {
		return false
	}
	sig, err := DecodeB64(sigB64)
	if err != nil {
		return false
	}
	return Verify(pub, msg, sig)
}
