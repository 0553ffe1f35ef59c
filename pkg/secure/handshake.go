// Package secure implements the authenticated, encrypted peer session: a
// signed hello/welcome exchange with ephemeral X25519 keys, then
// ChaCha20-Poly1305 frames with strict per-direction counters.
package secure

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
)

const (
	// Protocol is the HKDF info string and the AAD prefix.
	Protocol = "lb-p2p-v1"
	// Version is the handshake message version.
	Version = 1

	nonceSize = 32
)

var (
	ErrHandshake     = errors.New("handshake failed")
	ErrBadSignature  = errors.New("bad signature")
	ErrReplay        = errors.New("unexpected frame counter")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Config holds session parameters.
type Config struct {
	HandshakeTimeout time.Duration
	MaxClockDrift    time.Duration
	MaxFrameSize     int
	Now              func() time.Time
}

// DefaultConfig returns the standard session parameters.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 30 * time.Second,
		MaxClockDrift:    5 * time.Minute,
		MaxFrameSize:     MaxFrameSize,
		Now:              time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxClockDrift <= 0 {
		c.MaxClockDrift = def.MaxClockDrift
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > MaxFrameSize {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// Hello is the client's first message.
type Hello struct {
	V       int    `json:"v"`
	SignPub string `json:"sign_pub"`
	EncPub  string `json:"enc_pub"`
	EphPub  string `json:"eph_pub"`
	Nonce   string `json:"nonce"`
	Ts      int64  `json:"ts"`
	Sig     string `json:"sig,omitempty"`
}

// Welcome is the server's reply, bound to the hello it answers.
type Welcome struct {
	V               int    `json:"v"`
	SignPub         string `json:"sign_pub"`
	EncPub          string `json:"enc_pub"`
	EphPub          string `json:"eph_pub"`
	Nonce           string `json:"nonce"`
	Ts              int64  `json:"ts"`
	ClientHelloHash string `json:"client_hello_hash"`
	Sig             string `json:"sig,omitempty"`
}

// peerKeys are the long-term and ephemeral keys presented by the peer.
type peerKeys struct {
	signPub string
	encPub  []byte
	ephPub  []byte
}

func handshakeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshake, fmt.Sprintf(format, args...))
}

func randomB64(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return identity.EncodeB64(buf), nil
}

// signMessage fills the sig field of msg, which must point at a Hello or
// Welcome with an empty Sig, and returns the canonical signed bytes.
func signMessage(id *identity.Identity, msg any, setSig func(string)) ([]byte, error) {
	body, err := canonical.Encode(msg)
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(body)
	if err != nil {
		return nil, err
	}
	setSig(identity.EncodeB64(sig))
	return canonical.Encode(msg)
}

// decodeStrict decodes raw into v and requires raw to be exactly the
// canonical encoding of the decoded value.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return handshakeErr("decode: %v", err)
	}
	if dec.More() {
		return handshakeErr("trailing data")
	}
	again, err := canonical.Encode(v)
	if err != nil {
		return handshakeErr("encode: %v", err)
	}
	if !bytes.Equal(again, raw) {
		return handshakeErr("non-canonical message")
	}
	return nil
}

// checkCommon validates the fields shared by hello and welcome. body is the
// canonical encoding of the message without its signature.
func checkCommon(cfg Config, v int, signPub, encPub, ephPub, nonce string, ts int64, sig string, body []byte) (peerKeys, error) {
	if v != Version {
		return peerKeys{}, handshakeErr("unsupported version %d", v)
	}
	pub, err := identity.DecodeSignPub(signPub)
	if err != nil {
		return peerKeys{}, handshakeErr("sign_pub: %v", err)
	}
	sigBytes, err := identity.DecodeB64(sig)
	if err != nil || !identity.Verify(pub, body, sigBytes) {
		return peerKeys{}, fmt.Errorf("%w: %w", ErrHandshake, ErrBadSignature)
	}
	enc, err := identity.DecodeEncPub(encPub)
	if err != nil {
		return peerKeys{}, handshakeErr("enc_pub: %v", err)
	}
	eph, err := identity.DecodeEncPub(ephPub)
	if err != nil {
		return peerKeys{}, handshakeErr("eph_pub: %v", err)
	}
	n, err := identity.DecodeB64(nonce)
	if err != nil || len(n) < nonceSize {
		return peerKeys{}, handshakeErr("nonce must be at least %d bytes", nonceSize)
	}
	now := cfg.Now().UnixMilli()
	drift := cfg.MaxClockDrift.Milliseconds()
	if ts > now+drift || ts < now-drift {
		return peerKeys{}, handshakeErr("timestamp outside %s of local clock", cfg.MaxClockDrift)
	}
	return peerKeys{signPub: signPub, encPub: enc, ephPub: eph}, nil
}

// verifyHello parses and authenticates a hello frame.
func verifyHello(cfg Config, raw []byte) (peerKeys, error) {
	var h Hello
	if err := decodeStrict(raw, &h); err != nil {
		return peerKeys{}, err
	}
	sig := h.Sig
	h.Sig = ""
	body, err := canonical.Encode(h)
	if err != nil {
		return peerKeys{}, handshakeErr("encode: %v", err)
	}
	return checkCommon(cfg, h.V, h.SignPub, h.EncPub, h.EphPub, h.Nonce, h.Ts, sig, body)
}

// verifyWelcome parses and authenticates a welcome frame and checks that it
// answers helloRaw.
func verifyWelcome(cfg Config, raw, helloRaw []byte) (peerKeys, error) {
	var w Welcome
	if err := decodeStrict(raw, &w); err != nil {
		return peerKeys{}, err
	}
	sig := w.Sig
	w.Sig = ""
	body, err := canonical.Encode(w)
	if err != nil {
		return peerKeys{}, handshakeErr("encode: %v", err)
	}
	keys, err := checkCommon(cfg, w.V, w.SignPub, w.EncPub, w.EphPub, w.Nonce, w.Ts, sig, body)
	if err != nil {
		return peerKeys{}, err
	}
	if w.ClientHelloHash != canonical.HashBytes(helloRaw) {
		return peerKeys{}, handshakeErr("client_hello_hash does not match sent hello")
	}
	return keys, nil
}

func newHello(cfg Config, id *identity.Identity, ephPub []byte) ([]byte, error) {
	nonce, err := randomB64(nonceSize)
	if err != nil {
		return nil, err
	}
	h := &Hello{
		V:       Version,
		SignPub: id.PublicKeyB64(),
		EncPub:  id.EncPublicKeyB64(),
		EphPub:  identity.EncodeB64(ephPub),
		Nonce:   nonce,
		Ts:      cfg.Now().UnixMilli(),
	}
	return signMessage(id, h, func(s string) { h.Sig = s })
}

func newWelcome(cfg Config, id *identity.Identity, ephPub, helloRaw []byte) ([]byte, error) {
	nonce, err := randomB64(nonceSize)
	if err != nil {
		return nil, err
	}
	w := &Welcome{
		V:               Version,
		SignPub:         id.PublicKeyB64(),
		EncPub:          id.EncPublicKeyB64(),
		EphPub:          identity.EncodeB64(ephPub),
		Nonce:           nonce,
		Ts:              cfg.Now().UnixMilli(),
		ClientHelloHash: canonical.HashBytes(helloRaw),
	}
	return signMessage(id, w, func(s string) { w.Sig = s })
}

// sessionKeys derives both directional keys from the ephemeral secret and the
// transcript. Bytes [0:32] protect client-to-server frames, [32:64] the
// reverse direction.
func sessionKeys(ephPriv, peerEph, helloRaw, welcomeRaw []byte) (c2s, s2c, transcript []byte, err error) {
	shared, err := identity.SharedSecret(ephPriv, peerEph)
	if err != nil {
		return nil, nil, nil, handshakeErr("key agreement: %v", err)
	}
	h := sha256.New()
	h.Write(helloRaw)
	h.Write(welcomeRaw)
	transcript = h.Sum(nil)

	km := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, transcript, []byte(Protocol)), km); err != nil {
		return nil, nil, nil, handshakeErr("derive keys: %v", err)
	}
	return km[:32], km[32:], transcript, nil
}

func setDeadline(ctx context.Context, conn net.Conn, cfg Config) error {
	deadline := cfg.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return conn.SetDeadline(deadline)
}

// Client runs the initiator side of the handshake on conn.
func Client(ctx context.Context, conn net.Conn, id *identity.Identity, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := setDeadline(ctx, conn, cfg); err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := identity.GenerateX25519()
	if err != nil {
		return nil, err
	}
	helloRaw, err := newHello(cfg, id, ephPub)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, helloRaw); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	welcomeRaw, err := ReadFrame(conn, cfg.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	peer, err := verifyWelcome(cfg, welcomeRaw, helloRaw)
	if err != nil {
		return nil, err
	}
	c2s, s2c, th, err := sessionKeys(ephPriv, peer.ephPub, helloRaw, welcomeRaw)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return newSession(conn, cfg, peer, th, c2s, s2c, th[0:4], th[4:8])
}

// Server runs the responder side of the handshake on conn.
func Server(ctx context.Context, conn net.Conn, id *identity.Identity, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := setDeadline(ctx, conn, cfg); err != nil {
		return nil, err
	}

	helloRaw, err := ReadFrame(conn, cfg.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	peer, err := verifyHello(cfg, helloRaw)
	if err != nil {
		return nil, err
	}
	ephPriv, ephPub, err := identity.GenerateX25519()
	if err != nil {
		return nil, err
	}
	welcomeRaw, err := newWelcome(cfg, id, ephPub, helloRaw)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, welcomeRaw); err != nil {
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	c2s, s2c, th, err := sessionKeys(ephPriv, peer.ephPub, helloRaw, welcomeRaw)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return newSession(conn, cfg, peer, th, s2c, c2s, th[4:8], th[0:4])
}

// PeerID returns the short key id of a base64 signing key, for logs.
func PeerID(signPubB64 string) string {
	pub, err := identity.DecodeSignPub(signPubB64)
	if err != nil {
		return "invalid"
	}
	return identity.KeyID(pub)
}
