package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/relves/groupchain/pkg/canonical"
)

// SealedKeyContext binds sealed boxes carrying purchased package keys.
const SealedKeyContext = "lb-sealed-key-v1"

// ErrDecrypt is returned when a sealed box or package cannot be opened.
var ErrDecrypt = errors.New("decryption failed")

// SealedBox is a small payload encrypted to one X25519 recipient.
type SealedBox struct {
	EPK   string `json:"epk"`
	Salt  string `json:"salt"`
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
}

// Valid reports whether every field decodes.
func (b SealedBox) Valid() bool {
	epk, err := DecodeB64(b.EPK)
	if err != nil || len(epk) != 32 {
		return false
	}
	if salt, err := DecodeB64(b.Salt); err != nil || len(salt) == 0 {
		return false
	}
	if nonce, err := DecodeB64(b.Nonce); err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return false
	}
	ct, err := DecodeB64(b.CT)
	return err == nil && len(ct) >= chacha20poly1305.Overhead
}

func deriveKey(shared, salt []byte, info string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf read failed: %w", err)
	}
	return key, nil
}

// SealTo encrypts plaintext so only the holder of the X25519 private key for
// recipientPub can read it. An ephemeral key is generated per box.
func SealTo(recipientPub, plaintext []byte, context string) (SealedBox, error) {
	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return SealedBox{}, err
	}
	shared, err := SharedSecret(ephPriv, recipientPub)
	if err != nil {
		return SealedBox{}, err
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return SealedBox{}, err
	}
	key, err := deriveKey(shared, salt, context)
	if err != nil {
		return SealedBox{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return SealedBox{}, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedBox{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(context))

	return SealedBox{
		EPK:   EncodeB64(ephPub),
		Salt:  EncodeB64(salt),
		Nonce: EncodeB64(nonce),
		CT:    EncodeB64(ct),
	}, nil
}

// Open decrypts a box sealed to this identity's encryption key.
func (id *Identity) Open(box SealedBox, context string) ([]byte, error) {
	epk, err := DecodeEncPub(box.EPK)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed box: %w", err)
	}
	salt, err := DecodeB64(box.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed box salt: %w", err)
	}
	nonce, err := DecodeB64(box.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid sealed box nonce")
	}
	ct, err := DecodeB64(box.CT)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed box ciphertext: %w", err)
	}

	shared, err := id.SharedSecret(epk)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, salt, context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(context))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

type packageEnvelope struct {
	V      int    `json:"v"`
	Cipher string `json:"cipher"`
	Nonce  string `json:"nonce"`
	CT     string `json:"ct"`
	AAD    string `json:"aad"`
}

const packageCipher = "chacha20poly1305"

// EncryptPackage encrypts a market package under a fresh random key. It
// returns the canonical envelope bytes (what goes into CAS) and the key.
func EncryptPackage(plaintext, aad []byte) (envelope, key []byte, err error) {
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	envelope, err = canonical.Encode(packageEnvelope{
		V:      1,
		Cipher: packageCipher,
		Nonce:  EncodeB64(nonce),
		CT:     EncodeB64(aead.Seal(nil, nonce, plaintext, aad)),
		AAD:    EncodeB64(aad),
	})
	if err != nil {
		return nil, nil, err
	}
	return envelope, key, nil
}

// DecryptPackage opens an envelope produced by EncryptPackage.
func DecryptPackage(envelope, key []byte) ([]byte, error) {
	var env packageEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope format: %w", err)
	}
	if env.Cipher != packageCipher {
		return nil, fmt.Errorf("unsupported cipher %q", env.Cipher)
	}
	nonce, err := DecodeB64(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope nonce: %w", err)
	}
	ct, err := DecodeB64(env.CT)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope ciphertext: %w", err)
	}
	aad, err := DecodeB64(env.AAD)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope aad: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid envelope nonce size %d", len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
