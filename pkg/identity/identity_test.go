package identity_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/identity"
)

func TestNewEd25519Signer_RejectsBadKey(t *testing.T) {
	_, err := identity.NewEd25519Signer(make([]byte, 10))
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	msg := []byte("block body")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	assert.True(t, identity.Verify(id.PublicKey(), msg, sig))
	assert.True(t, identity.VerifyB64(id.PublicKeyB64(), msg, identity.EncodeB64(sig)))
	assert.False(t, identity.Verify(id.PublicKey(), []byte("other"), sig))
	assert.False(t, identity.Verify(ed25519.PublicKey{1, 2}, msg, sig))
	assert.False(t, identity.VerifyB64("not base64!", msg, identity.EncodeB64(sig)))
}

func TestKeyID_Stable(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	assert.Len(t, id.KeyID(), 16)
	assert.Equal(t, id.KeyID(), identity.KeyID(id.PublicKey()))
}

func TestDecodeB64_Strict(t *testing.T) {
	key := make([]byte, 32)
	enc := identity.EncodeB64(key)
	got, err := identity.DecodeB64(enc)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// Same bytes with a non-zero padding bit in the final character.
	tampered := enc[:len(enc)-2] + "B="
	_, err = identity.DecodeB64(tampered)
	assert.Error(t, err)
}

func TestDecodeSignPub_WrongLength(t *testing.T) {
	_, err := identity.DecodeSignPub(identity.EncodeB64([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, identity.ErrInvalidKey)
}

func TestSharedSecret_Agrees(t *testing.T) {
	a, err := identity.Generate()
	require.NoError(t, err)
	b, err := identity.Generate()
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.EncPublicKey())
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.EncPublicKey())
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.json")

	id, err := identity.Generate()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := identity.Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), loaded.PublicKey())
	assert.Equal(t, id.EncPublicKey(), loaded.EncPublicKey())
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")

	first, created, err := identity.LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := identity.LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKeyB64(), second.PublicKeyB64())
}

func TestSealOpen(t *testing.T) {
	recipient, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)

	box, err := identity.SealTo(recipient.EncPublicKey(), []byte("package key"), identity.SealedKeyContext)
	require.NoError(t, err)
	assert.True(t, box.Valid())

	pt, err := recipient.Open(box, identity.SealedKeyContext)
	require.NoError(t, err)
	assert.Equal(t, []byte("package key"), pt)

	_, err = other.Open(box, identity.SealedKeyContext)
	assert.ErrorIs(t, err, identity.ErrDecrypt)

	_, err = recipient.Open(box, "another-context")
	assert.ErrorIs(t, err, identity.ErrDecrypt)
}

func TestSealedBox_Invalid(t *testing.T) {
	assert.False(t, identity.SealedBox{}.Valid())
	assert.False(t, identity.SealedBox{EPK: "x", Salt: "y", Nonce: "z", CT: "w"}.Valid())
}

func TestPackageRoundTrip(t *testing.T) {
	env, key, err := identity.EncryptPackage([]byte("knowledge"), []byte("offer-1"))
	require.NoError(t, err)

	pt, err := identity.DecryptPackage(env, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("knowledge"), pt)

	wrong := make([]byte, len(key))
	_, err = identity.DecryptPackage(env, wrong)
	assert.ErrorIs(t, err, identity.ErrDecrypt)

	_, err = identity.DecryptPackage([]byte("not json"), key)
	assert.Error(t, err)
}
