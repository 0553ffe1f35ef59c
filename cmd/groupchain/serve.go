package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/internal/ratelimit"
	"github.com/relves/groupchain/pkg/secure"
	"github.com/relves/groupchain/pkg/server"
	"github.com/relves/groupchain/pkg/syncd"
)

const noSyncKey = "no-sync"

func serveCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs the node: peer listener, HTTP endpoints and the sync daemon",
		Args:  cobra.NoArgs,
		RunE:  serveFunc,
	}
	c.Flags().Bool(noSyncKey, false, "do not run the sync daemon")
	return c
}

func serveFunc(c *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	n, err := openNode(ctx, c, m)
	if err != nil {
		return err
	}
	defer n.Close()
	cfg, logger := n.cfg, n.logger
	noSync, _ := c.Flags().GetBool(noSyncKey)

	limits := cfg.Limits
	srv, err := server.NewServer(n.groups,
		server.WithSecureConfig(cfg.SecureConfig()),
		server.WithConnLimiter(ratelimit.NewConnLimiter(limits.MaxConnsPerIP, limits.MaxKeys)),
		server.WithConnRate(ratelimit.New(limits.MaxKeys, rate.Limit(limits.ConnRate), limits.ConnBurst)),
		server.WithValidator(server.NewRateValidator(ratelimit.New(limits.MaxKeys, rate.Limit(limits.RequestRate), limits.RequestBurst))),
		server.WithMetrics(m),
		server.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	logger.Info("starting node",
		"nodeID", secure.PeerID(n.id.PublicKeyB64()),
		"signPub", n.id.PublicKeyB64(),
		"listenAddr", cfg.Node.ListenAddr,
		"httpAddr", cfg.Node.HTTPAddr,
		"groups", len(n.groups.Groups()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Node.ListenAddr)
	})

	if cfg.Node.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.Node.HTTPAddr,
			Handler:           server.NewHTTPHandler(n.groups, m).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if !noSync {
		daemon, err := syncd.New(syncd.Config{
			Groups:      n.groups,
			Registry:    n.registry,
			Secure:      cfg.SecureConfig(),
			Concurrency: cfg.Sync.Concurrency,
			Timeout:     cfg.Sync.Timeout,
			Metrics:     m,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			daemon.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("node stopped", "error", err)
	return err
}
