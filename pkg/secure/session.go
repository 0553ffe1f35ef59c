package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/relves/groupchain/pkg/identity"
)

// envelope is the encrypted wire form of one application message.
type envelope struct {
	Ctr uint64 `json:"ctr"`
	CT  string `json:"ct"`
}

// direction is one side of the session: a key, a nonce prefix and a counter.
type direction struct {
	mu     sync.Mutex
	aead   cipher.AEAD
	prefix [4]byte
	ctr    uint64
}

func newDirection(key, prefix []byte) (*direction, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	d := &direction{aead: aead}
	copy(d.prefix[:], prefix)
	return d, nil
}

func (d *direction) nonce(ctr uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, d.prefix[:])
	binary.BigEndian.PutUint64(n[4:], ctr)
	return n
}

func aad(ctr uint64) []byte {
	out := make([]byte, 0, len(Protocol)+1+8)
	out = append(out, Protocol...)
	out = append(out, '|')
	return binary.BigEndian.AppendUint64(out, ctr)
}

// Session is an established encrypted channel. Send and Receive may be
// called from different goroutines; each direction is serialized.
type Session struct {
	conn     net.Conn
	maxFrame int

	peerSignPub string
	peerEncPub  []byte
	transcript  []byte

	send *direction
	recv *direction

	closeOnce sync.Once
	closeErr  error
}

func newSession(conn net.Conn, cfg Config, peer peerKeys, transcript, sendKey, recvKey, sendPrefix, recvPrefix []byte) (*Session, error) {
	send, err := newDirection(sendKey, sendPrefix)
	if err != nil {
		return nil, handshakeErr("send cipher: %v", err)
	}
	recv, err := newDirection(recvKey, recvPrefix)
	if err != nil {
		return nil, handshakeErr("recv cipher: %v", err)
	}
	return &Session{
		conn:        conn,
		maxFrame:    cfg.MaxFrameSize,
		peerSignPub: peer.signPub,
		peerEncPub:  peer.encPub,
		transcript:  transcript,
		send:        send,
		recv:        recv,
	}, nil
}

// PeerSignPub returns the peer's base64 Ed25519 key as presented in the
// handshake.
func (s *Session) PeerSignPub() string { return s.peerSignPub }

// PeerEncPub returns the peer's long-term X25519 key.
func (s *Session) PeerEncPub() []byte { return s.peerEncPub }

// ID returns a short session identifier derived from the transcript.
func (s *Session) ID() string { return hex.EncodeToString(s.transcript[:8]) }

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Seal encrypts plaintext under the next send counter and returns the
// envelope bytes.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	s.send.mu.Lock()
	defer s.send.mu.Unlock()
	return s.sealLocked(plaintext)
}

func (s *Session) sealLocked(plaintext []byte) ([]byte, error) {
	ctr := s.send.ctr
	ct := s.send.aead.Seal(nil, s.send.nonce(ctr), plaintext, aad(ctr))
	s.send.ctr++
	return json.Marshal(envelope{Ctr: ctr, CT: identity.EncodeB64(ct)})
}

// Open authenticates and decrypts an envelope. The counter must be exactly
// the next expected value; anything else is fatal and closes the session.
func (s *Session) Open(raw []byte) ([]byte, error) {
	s.recv.mu.Lock()
	defer s.recv.mu.Unlock()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.Close()
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Ctr != s.recv.ctr {
		s.Close()
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrReplay, env.Ctr, s.recv.ctr)
	}
	ct, err := identity.DecodeB64(env.CT)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := s.recv.aead.Open(nil, s.recv.nonce(env.Ctr), ct, aad(env.Ctr))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: frame authentication failed", ErrBadSignature)
	}
	s.recv.ctr++
	return pt, nil
}

// envelopeOverhead bounds the JSON wrapped around the ciphertext of a frame.
const envelopeOverhead = 64

// MaxPayload returns the largest encoded message that still fits in one
// frame once sealed.
func (s *Session) MaxPayload() int {
	return (s.maxFrame-envelopeOverhead)/4*3 - s.send.aead.Overhead()
}

// Send encrypts v as JSON and writes it as one frame. A message too large
// for a frame fails with ErrFrameTooLarge and leaves the session usable.
func (s *Session) Send(v any) error {
	pt, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(pt) > s.MaxPayload() {
		return fmt.Errorf("%w: message of %d bytes", ErrFrameTooLarge, len(pt))
	}
	s.send.mu.Lock()
	defer s.send.mu.Unlock()
	frame, err := s.sealLocked(pt)
	if err != nil {
		return err
	}
	if err := WriteFrame(s.conn, frame); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Receive reads one frame, decrypts it and decodes the JSON into v.
func (s *Session) Receive(v any) error {
	raw, err := ReadFrame(s.conn, s.maxFrame)
	if err != nil {
		return err
	}
	pt, err := s.Open(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(pt, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Close closes the underlying connection. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
