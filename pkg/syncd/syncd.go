// Package syncd keeps subscribed groups replicated. Each pass pulls the
// peer's chain, resolves forks against the local one, pushes the local chain
// back when it wins, and announces this node's offers.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/p2p"
	"github.com/relves/groupchain/pkg/registry"
	"github.com/relves/groupchain/pkg/secure"
)

// Defaults for Config fields left zero.
const (
	DefaultConcurrency  = 4
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 5 * time.Second

	// staleRetries bounds snapshot retries when the peer's head moves
	// between authorization and read.
	staleRetries = 3
)

// Config configures a Daemon.
type Config struct {
	Groups       *group.Service
	Registry     *registry.Registry
	Secure       secure.Config
	Concurrency  int           // subscriptions synced at once
	Timeout      time.Duration // bound on one subscription attempt
	PollInterval time.Duration // how often Run looks for due subscriptions
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Daemon syncs due subscriptions with bounded concurrency.
type Daemon struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Groups == nil || cfg.Registry == nil {
		return nil, errors.New("sync daemon needs a group service and a registry")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Daemon{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: cfg.Logger,
	}, nil
}

// Report summarizes one pass.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Run syncs due subscriptions every poll interval until ctx is done.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce syncs every due subscription and waits for all attempts to finish.
func (d *Daemon) RunOnce(ctx context.Context) (Report, error) {
	due, err := d.cfg.Registry.Due(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list due subscriptions: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report Report
	)
	for _, sub := range due {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			err := d.syncAndRecord(ctx, sub)

			mu.Lock()
			defer mu.Unlock()
			report.Attempted++
			if err != nil {
				report.Failed++
			} else {
				report.Succeeded++
			}
		}()
	}
	wg.Wait()
	if report.Attempted > 0 {
		d.logger.Info("sync pass", "attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed)
	}
	return report, ctx.Err()
}

func (d *Daemon) syncAndRecord(ctx context.Context, sub storage.Subscription) error {
	err := d.Sync(ctx, sub.PeerAddr, sub.GroupID)
	d.cfg.Metrics.SyncAttempt(err)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; the attempt is not the peer's fault
			return err
		}
		d.logger.Warn("sync failed", "peer", sub.PeerAddr, "groupID", sub.GroupID, "error", err)
		if _, rerr := d.cfg.Registry.RecordFailure(ctx, sub.PeerAddr, sub.GroupID, err); rerr != nil {
			d.logger.Error("record sync failure", "peer", sub.PeerAddr, "groupID", sub.GroupID, "error", rerr)
		}
		return err
	}
	if err := d.cfg.Registry.RecordSuccess(ctx, sub.PeerAddr, sub.GroupID); err != nil {
		d.logger.Error("record sync success", "peer", sub.PeerAddr, "groupID", sub.GroupID, "error", err)
	}
	return nil
}

// Sync runs one attempt for groupID against the peer at addr, bounded by the
// configured timeout.
func (d *Daemon) Sync(ctx context.Context, addr, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	client, err := p2p.Dial(ctx, addr, d.cfg.Groups.Identity(), d.cfg.Secure)
	d.cfg.Metrics.Handshake("client", err)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := d.cfg.Registry.Seen(ctx, addr, client.Session().PeerSignPub()); err != nil {
		return err
	}

	snap, err := d.snapshot(ctx, client, groupID)
	if err != nil {
		return err
	}
	res, err := d.cfg.Groups.MergeSnapshot(ctx, groupID, snap.Blocks)
	if err != nil {
		return fmt.Errorf("merge snapshot from %s: %w", addr, err)
	}
	d.logger.Debug("merged snapshot", "peer", addr, "groupID", groupID, "outcome", res.Outcome, "height", res.Head.Height)

	if res.Outcome == group.MergeKept && res.Head != snap.Head {
		c, err := d.cfg.Groups.Chain(groupID)
		if err != nil {
			return err
		}
		pushed, err := client.PushSnapshot(ctx, groupID, c.Blocks())
		if err != nil {
			return fmt.Errorf("push snapshot to %s: %w", addr, err)
		}
		d.logger.Debug("pushed snapshot", "peer", addr, "groupID", groupID, "outcome", pushed.Outcome)
	}

	return d.announce(ctx, client)
}

func (d *Daemon) snapshot(ctx context.Context, client *p2p.Client, groupID string) (*p2p.Snapshot, error) {
	var err error
	for range staleRetries {
		var snap *p2p.Snapshot
		snap, err = client.GetSnapshot(ctx, groupID)
		if err == nil {
			return snap, nil
		}
		if p2p.CodeOf(err) != p2p.CodeStaleState {
			break
		}
	}
	return nil, fmt.Errorf("get snapshot: %w", err)
}

// announce advertises this node's offers. A node without offers sends
// nothing.
func (d *Daemon) announce(ctx context.Context, client *p2p.Client) error {
	ann, err := d.cfg.Groups.Announce()
	if err != nil {
		return err
	}
	if len(ann.Offers) == 0 {
		return nil
	}
	if _, err := client.Announce(ctx, ann); err != nil {
		return fmt.Errorf("announce offers: %w", err)
	}
	return nil
}
