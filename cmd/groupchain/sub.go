package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/internal/storage"
)

func subCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sub",
		Short: "Manages group subscriptions",
	}
	c.AddCommand(subAddCommand(), subListCommand(), subEnableCommand())
	return c
}

func subAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <peer-addr> <group-id>",
		Short: "Subscribes to a group held by a known peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return withNode(c, func(ctx context.Context, n *node) error {
				sub, err := n.registry.Subscribe(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(c, sub)
			})
		},
	}
}

func subListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists subscriptions with their sync state",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withNode(c, func(ctx context.Context, n *node) error {
				subs, err := n.registry.Subscriptions(ctx)
				if err != nil {
					return err
				}
				if subs == nil {
					subs = []storage.Subscription{}
				}
				return printJSON(c, subs)
			})
		},
	}
}

func subEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <peer-addr> <group-id>",
		Short: "Re-enables a subscription and clears its failures",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return withNode(c, func(ctx context.Context, n *node) error {
				sub, err := n.registry.Enable(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(c, sub)
			})
		},
	}
}
