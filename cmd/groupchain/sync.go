package main

import (
	"github.com/spf13/cobra"

	"github.com/relves/groupchain/pkg/syncd"
)

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Runs one pass over the due subscriptions",
		Args:  cobra.NoArgs,
		RunE:  syncFunc,
	}
}

func syncFunc(c *cobra.Command, _ []string) error {
	n, err := openNode(c.Context(), c, nil)
	if err != nil {
		return err
	}
	defer n.Close()

	daemon, err := syncd.New(syncd.Config{
		Groups:      n.groups,
		Registry:    n.registry,
		Secure:      n.cfg.SecureConfig(),
		Concurrency: n.cfg.Sync.Concurrency,
		Timeout:     n.cfg.Sync.Timeout,
		Logger:      n.logger,
	})
	if err != nil {
		return err
	}
	report, err := daemon.RunOnce(c.Context())
	if err != nil {
		return err
	}
	return printJSON(c, report)
}
