// Package registry tracks the peers this node knows and the groups it
// replicates from them, including each subscription's failure backoff.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/identity"
)

var (
	ErrInvalidAddr     = errors.New("invalid peer address")
	ErrPeerKeyMismatch = errors.New("peer presented a different signing key")
)

// Defaults for Config fields left zero.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxFailures = 5
)

// Config configures a Registry.
type Config struct {
	Store       storage.NodeStore
	Interval    time.Duration // time between successful syncs, and the backoff ceiling
	BaseDelay   time.Duration // backoff grows by this much per consecutive failure
	MaxFailures int           // a subscription is disabled after this many failures in a row
	Logger      *slog.Logger
	Now         func() time.Time
}

// Registry manages peers and subscriptions on top of the node store.
type Registry struct {
	store  storage.NodeStore
	cfg    Config
	logger *slog.Logger
}

// New creates a registry.
func New(cfg Config) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{store: cfg.Store, cfg: cfg, logger: cfg.Logger}
}

// AddPeer records a peer. signPub may be empty, in which case it is learned
// on first contact.
func (r *Registry) AddPeer(ctx context.Context, addr, name, signPub string) (*storage.Peer, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if signPub != "" {
		if _, err := identity.DecodeSignPub(signPub); err != nil {
			return nil, fmt.Errorf("peer signing key: %w", err)
		}
	}
	p := storage.Peer{Addr: addr, Name: name, SignPub: signPub, AddedAt: r.cfg.Now()}
	if err := r.store.UpsertPeer(ctx, p); err != nil {
		return nil, fmt.Errorf("store peer: %w", err)
	}
	return r.store.GetPeer(ctx, addr)
}

// Peer returns the peer at addr.
func (r *Registry) Peer(ctx context.Context, addr string) (*storage.Peer, error) {
	return r.store.GetPeer(ctx, addr)
}

// Peers lists every known peer.
func (r *Registry) Peers(ctx context.Context) ([]storage.Peer, error) {
	return r.store.ListPeers(ctx)
}

// RemovePeer forgets a peer and its subscriptions.
func (r *Registry) RemovePeer(ctx context.Context, addr string) error {
	return r.store.DeletePeer(ctx, addr)
}

// Seen records a successful contact with addr. A peer whose key was pinned
// must present the same key; an unpinned peer gets signPub pinned.
func (r *Registry) Seen(ctx context.Context, addr, signPub string) error {
	p, err := r.store.GetPeer(ctx, addr)
	if err != nil {
		return err
	}
	if p.SignPub != "" && p.SignPub != signPub {
		return fmt.Errorf("%w: %s", ErrPeerKeyMismatch, addr)
	}
	p.SignPub = signPub
	p.LastSeen = r.cfg.Now()
	return r.store.UpsertPeer(ctx, *p)
}

// Subscribe asks for groupID to be replicated from peerAddr, due at once.
// Subscribing again re-enables an existing subscription.
func (r *Registry) Subscribe(ctx context.Context, peerAddr, groupID string) (*storage.Subscription, error) {
	if !chain.ValidGroupID(groupID) {
		return nil, fmt.Errorf("invalid group id %q", groupID)
	}
	if _, err := r.store.GetPeer(ctx, peerAddr); err != nil {
		return nil, fmt.Errorf("peer %s: %w", peerAddr, err)
	}
	return r.Enable(ctx, peerAddr, groupID)
}

// Subscriptions lists every subscription.
func (r *Registry) Subscriptions(ctx context.Context) ([]storage.Subscription, error) {
	return r.store.ListSubscriptions(ctx)
}

// Due returns the enabled subscriptions whose next attempt time has passed.
func (r *Registry) Due(ctx context.Context) ([]storage.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	now := r.cfg.Now()
	var due []storage.Subscription
	for _, s := range subs {
		if s.Enabled && !s.NextDue.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

// RecordSuccess resets the failure count and schedules the next sync one
// interval out.
func (r *Registry) RecordSuccess(ctx context.Context, peerAddr, groupID string) error {
	sub, err := r.store.GetSubscription(ctx, peerAddr, groupID)
	if err != nil {
		return err
	}
	now := r.cfg.Now()
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	sub.LastSync = now
	sub.NextDue = now.Add(r.cfg.Interval)
	return r.store.UpsertSubscription(ctx, *sub)
}

// Backoff returns the retry delay after failures consecutive failures:
// linear in failures and capped at the sync interval.
func (r *Registry) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if time.Duration(failures) > r.cfg.Interval/r.cfg.BaseDelay {
		return r.cfg.Interval
	}
	return r.cfg.BaseDelay * time.Duration(failures)
}

// RecordFailure counts a failed attempt, schedules the retry and disables
// the subscription once MaxFailures is reached. It returns the updated
// subscription.
func (r *Registry) RecordFailure(ctx context.Context, peerAddr, groupID string, cause error) (*storage.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, peerAddr, groupID)
	if err != nil {
		return nil, err
	}
	sub.ConsecutiveFailures++
	if cause != nil {
		sub.LastError = cause.Error()
	}
	sub.NextDue = r.cfg.Now().Add(r.Backoff(sub.ConsecutiveFailures))
	if sub.ConsecutiveFailures >= r.cfg.MaxFailures && sub.Enabled {
		sub.Enabled = false
		r.logger.Warn("subscription disabled after repeated failures",
			"peer", peerAddr, "groupID", groupID, "failures", sub.ConsecutiveFailures, "error", sub.LastError)
	}
	if err := r.store.UpsertSubscription(ctx, *sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Enable re-enables a subscription, clears its failure state and makes it
// due now. The subscription is created if it does not exist.
func (r *Registry) Enable(ctx context.Context, peerAddr, groupID string) (*storage.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, peerAddr, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		sub = &storage.Subscription{PeerAddr: peerAddr, GroupID: groupID}
	} else if err != nil {
		return nil, err
	}
	sub.Enabled = true
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	sub.NextDue = r.cfg.Now()
	if err := r.store.UpsertSubscription(ctx, *sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Disable stops syncing a subscription without forgetting it.
func (r *Registry) Disable(ctx context.Context, peerAddr, groupID string) error {
	sub, err := r.store.GetSubscription(ctx, peerAddr, groupID)
	if err != nil {
		return err
	}
	sub.Enabled = false
	return r.store.UpsertSubscription(ctx, *sub)
}
