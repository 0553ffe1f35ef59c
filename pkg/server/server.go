// Package server serves the replication protocol over secure sessions and a
// small read-only HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relves/groupchain/internal/ratelimit"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/p2p"
	"github.com/relves/groupchain/pkg/secure"
)

// Server accepts connections, runs the responder handshake and answers
// calls. Each connection is served by one goroutine, one call at a time.
type Server struct {
	groups   *group.Service
	cfg      *Config
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server answering for the groups held by groups.
func NewServer(groups *group.Service, opts ...Option) (*Server, error) {
	if groups == nil {
		return nil, errors.New("group service is required")
	}
	cfg := applyOptions(opts...)
	if cfg.ConnLimiter == nil {
		cfg.ConnLimiter = ratelimit.NewConnLimiter(ratelimit.DefaultConnsPerIP, ratelimit.DefaultMaxKeys)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		groups: groups,
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
	s.handlers = s.routes()
	return s, nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every open
// connection and waits for their goroutines to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("serving", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.shutdown()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ip := remoteIP(conn)

	if s.cfg.ConnRate != nil && !s.cfg.ConnRate.Allow(ip) {
		s.cfg.Metrics.ConnRejected("rate")
		s.logger.Debug("connection rate limited", "ip", ip)
		return
	}
	if err := s.cfg.ConnLimiter.Acquire(ip); err != nil {
		s.cfg.Metrics.ConnRejected("cap")
		s.logger.Debug("connection rejected", "ip", ip, "error", err)
		return
	}
	defer s.cfg.ConnLimiter.Release(ip)

	sess, err := secure.Server(ctx, conn, s.groups.Identity(), s.cfg.Secure)
	s.cfg.Metrics.Handshake("server", err)
	if err != nil {
		s.logger.Debug("handshake failed", "ip", ip, "error", err)
		return
	}
	defer sess.Close()

	s.cfg.Metrics.ConnOpened()
	defer s.cfg.Metrics.ConnClosed()
	peer := sess.PeerSignPub()
	s.logger.Debug("session established", "ip", ip, "peer", secure.PeerID(peer), "session", sess.ID())

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		var raw json.RawMessage
		if err := sess.Receive(&raw); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("session ended", "peer", secure.PeerID(peer), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		resp := s.serveRequest(ctx, sess, raw)
		if err := sess.Send(resp); err != nil {
			s.logger.Debug("send response", "peer", secure.PeerID(peer), "error", err)
			return
		}
	}
}

// responseOverhead bounds the response fields around an encoded result.
const responseOverhead = 64

// serveRequest decodes and dispatches one call. It never fails; every error
// becomes a wire error.
func (s *Server) serveRequest(ctx context.Context, sess *secure.Session, raw json.RawMessage) p2p.Response {
	var req p2p.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
		return p2p.Response{Error: p2p.Errorf(p2p.CodeBadRequest, "malformed request")}
	}

	start := time.Now()
	result, err := s.dispatch(ctx, sess, req)
	resp := p2p.Response{ID: req.ID}
	code := "ok"
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err == nil && len(resp.Result) > sess.MaxPayload()-responseOverhead {
		err = p2p.Errorf(p2p.CodeTooLarge, "%s result of %d bytes exceeds the frame limit", req.Method, len(resp.Result))
	}
	if err != nil {
		resp.Result = nil
		resp.Error = s.wireError(req.Method, err)
		code = resp.Error.Code
	}
	s.cfg.Metrics.ObserveRPC(req.Method, code, time.Since(start).Seconds())
	return resp
}
