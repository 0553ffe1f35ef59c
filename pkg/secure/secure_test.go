package secure

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
)

func newID(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func sessionPair(t *testing.T) (client, server *Session, clientID, serverID *identity.Identity) {
	t.Helper()
	c, s := net.Pipe()
	clientID, serverID = newID(t), newID(t)

	type result struct {
		sess *Session
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := Server(context.Background(), s, serverID, DefaultConfig())
		ch <- result{sess, err}
	}()

	client, err := Client(context.Background(), c, clientID, DefaultConfig())
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.err)
	t.Cleanup(func() {
		client.Close()
		r.sess.Close()
	})
	return client, r.sess, clientID, serverID
}

func TestHandshake_Exchange(t *testing.T) {
	client, server, clientID, serverID := sessionPair(t)

	assert.Equal(t, serverID.PublicKeyB64(), client.PeerSignPub())
	assert.Equal(t, clientID.PublicKeyB64(), server.PeerSignPub())
	assert.Equal(t, serverID.EncPublicKey(), client.PeerEncPub())
	assert.Equal(t, client.ID(), server.ID())

	type msg struct {
		N    int    `json:"n"`
		Text string `json:"text"`
	}

	errc := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := client.Send(msg{N: i, Text: "to server"}); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	for i := 0; i < 3; i++ {
		var got msg
		require.NoError(t, server.Receive(&got))
		assert.Equal(t, i, got.N)
	}
	require.NoError(t, <-errc)

	go func() { errc <- server.Send(msg{N: 7, Text: "to client"}) }()
	var got msg
	require.NoError(t, client.Receive(&got))
	assert.Equal(t, msg{N: 7, Text: "to client"}, got)
	require.NoError(t, <-errc)
}

func TestHello_AnyByteTamperRejected(t *testing.T) {
	cfg := DefaultConfig()
	id := newID(t)
	_, eph, err := identity.GenerateX25519()
	require.NoError(t, err)

	raw, err := newHello(cfg, id, eph)
	require.NoError(t, err)
	_, err = verifyHello(cfg, raw)
	require.NoError(t, err)

	for i := range raw {
		tampered := bytes.Clone(raw)
		tampered[i] ^= 0x01
		_, err := verifyHello(cfg, tampered)
		assert.ErrorIs(t, err, ErrHandshake, "byte %d", i)
	}
}

func TestHello_ResignedWithOtherKeyRejected(t *testing.T) {
	cfg := DefaultConfig()
	id, other := newID(t), newID(t)
	_, eph, err := identity.GenerateX25519()
	require.NoError(t, err)

	raw, err := newHello(cfg, id, eph)
	require.NoError(t, err)

	var h Hello
	require.NoError(t, decodeStrict(raw, &h))
	h.SignPub = other.PublicKeyB64()
	forged, err := canonical.Encode(h)
	require.NoError(t, err)

	_, err = verifyHello(cfg, forged)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHello_ClockDrift(t *testing.T) {
	id := newID(t)
	_, eph, err := identity.GenerateX25519()
	require.NoError(t, err)

	raw, err := newHello(DefaultConfig(), id, eph)
	require.NoError(t, err)

	skewed := DefaultConfig()
	skewed.Now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	_, err = verifyHello(skewed, raw)
	require.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestWelcome_BoundToHello(t *testing.T) {
	cfg := DefaultConfig()
	client, server := newID(t), newID(t)
	_, eph, err := identity.GenerateX25519()
	require.NoError(t, err)

	hello, err := newHello(cfg, client, eph)
	require.NoError(t, err)
	otherHello, err := newHello(cfg, client, eph)
	require.NoError(t, err)

	welcome, err := newWelcome(cfg, server, eph, hello)
	require.NoError(t, err)
	_, err = verifyWelcome(cfg, welcome, hello)
	require.NoError(t, err)

	_, err = verifyWelcome(cfg, welcome, otherHello)
	require.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "client_hello_hash")

	for i := range welcome {
		tampered := bytes.Clone(welcome)
		tampered[i] ^= 0x01
		_, err := verifyWelcome(cfg, tampered, hello)
		assert.ErrorIs(t, err, ErrHandshake, "byte %d", i)
	}
}

func TestSession_ReplayRejected(t *testing.T) {
	client, server, _, _ := sessionPair(t)

	f0, err := client.Seal([]byte("first"))
	require.NoError(t, err)

	pt, err := server.Open(f0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), pt)

	_, err = server.Open(f0)
	assert.ErrorIs(t, err, ErrReplay)

	// a counter mismatch is fatal
	var v any
	assert.ErrorIs(t, server.Receive(&v), io.ErrClosedPipe)
}

func TestSession_OutOfOrderRejected(t *testing.T) {
	client, server, _, _ := sessionPair(t)

	_, err := client.Seal([]byte("zero"))
	require.NoError(t, err)
	f1, err := client.Seal([]byte("one"))
	require.NoError(t, err)

	_, err = server.Open(f1)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestSession_DirectionalKeys(t *testing.T) {
	client, server, _, _ := sessionPair(t)

	// a frame the client sealed cannot be opened as if the server had sent it
	f0, err := client.Seal([]byte("hello"))
	require.NoError(t, err)
	_, err = client.Open(f0)
	assert.ErrorIs(t, err, ErrBadSignature)

	s0, err := server.Seal([]byte("hi"))
	require.NoError(t, err)
	_, err = server.Open(s0)
	assert.Error(t, err)
}

func TestSession_OversizedSendRefused(t *testing.T) {
	client, server, _, _ := sessionPair(t)

	err := client.Send(strings.Repeat("a", client.MaxPayload()))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// nothing was written and the counter is untouched
	done := make(chan string, 1)
	go func() {
		var got string
		if err := server.Receive(&got); err != nil {
			got = err.Error()
		}
		done <- got
	}()
	require.NoError(t, client.Send("small"))
	assert.Equal(t, "small", <-done)

	largest := strings.Repeat("b", client.MaxPayload()-2)
	go func() {
		var got string
		server.Receive(&got)
		done <- got
	}()
	require.NoError(t, client.Send(largest))
	assert.Equal(t, largest, <-done)
}

func TestSession_TamperedCiphertext(t *testing.T) {
	client, server, _, _ := sessionPair(t)

	frame, err := client.Seal([]byte("payload"))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	ct, err := identity.DecodeB64(env.CT)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.CT = identity.EncodeB64(ct)
	forged, err := canonical.Encode(env)
	require.NoError(t, err)

	_, err = server.Open(forged)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHandshake_Timeout(t *testing.T) {
	c, s := net.Pipe()
	defer s.Close()
	defer c.Close()

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	_, err := Client(context.Background(), c, newID(t), cfg)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes())

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1025)
	_, err = ReadFrame(bytes.NewReader(hdr[:]), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
}
