package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/internal/config"
	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/internal/storage/sqlite"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/registry"
)

// node is everything a command needs from the local data directory.
type node struct {
	cfg      config.Config
	logger   *slog.Logger
	id       *identity.Identity
	store    *sqlite.NodeStore
	objects  *cas.Store
	groups   *group.Service
	registry *registry.Registry
}

func loadConfig(c *cobra.Command) (config.Config, error) {
	paths, err := c.Flags().GetStringSlice(configKey)
	if err != nil {
		return config.Config{}, err
	}
	return config.New(paths)
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// openNode opens the node's stores and loads every group. The identity is
// generated on first use.
func openNode(ctx context.Context, c *cobra.Command, m *metrics.Metrics) (*node, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	id, created, err := identity.LoadOrGenerate(cfg.KeyPath())
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("generated node identity", "path", cfg.KeyPath(), "signPub", id.PublicKeyB64())
	}

	slog.SetDefault(logger)

	n := &node{cfg: cfg, logger: logger, id: id}
	if n.store, err = sqlite.OpenNodeStore(cfg.Node.DataDir); err != nil {
		return nil, err
	}
	n.objects, err = cas.Open(cas.Config{
		Path:          filepath.Join(cfg.Node.DataDir, "cas"),
		CacheSize:     cfg.CAS.CacheSize,
		MaxObjectSize: cfg.CAS.MaxObjectSize,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.groups, err = group.Open(ctx, group.Config{
		Identity:           id,
		Rules:              cfg.ChainRules(),
		StoreManager:       sqlite.NewStoreManager(cfg.Node.DataDir),
		NodeStore:          n.store,
		CAS:                n.objects,
		Metrics:            m,
		PresenceStaleAfter: cfg.Presence.StaleAfter,
		Logger:             logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.registry = registry.New(registry.Config{
		Store:       n.store,
		Interval:    cfg.Sync.Interval,
		BaseDelay:   cfg.Sync.BaseDelay,
		MaxFailures: cfg.Sync.MaxFailures,
		Logger:      logger,
	})
	return n, nil
}

func (n *node) Close() error {
	var errs []error
	if n.groups != nil {
		errs = append(errs, n.groups.Close())
	}
	if n.objects != nil {
		errs = append(errs, n.objects.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

// withNode runs f against the opened node and closes it afterwards.
func withNode(c *cobra.Command, f func(ctx context.Context, n *node) error) error {
	ctx := c.Context()
	n, err := openNode(ctx, c, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	return f(ctx, n)
}

func printJSON(c *cobra.Command, v any) error {
	enc := json.NewEncoder(c.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
