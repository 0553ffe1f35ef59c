package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/internal/storage"
)

const signPubKey = "sign-pub"

func peerCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "peer",
		Short: "Manages known peers",
	}
	c.AddCommand(peerAddCommand(), peerListCommand())
	return c
}

func peerAddCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "add <host:port>",
		Short: "Records a peer, optionally pinning its signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			name, _ := c.Flags().GetString(nameKey)
			signPub, _ := c.Flags().GetString(signPubKey)
			return withNode(c, func(ctx context.Context, n *node) error {
				p, err := n.registry.AddPeer(ctx, args[0], name, signPub)
				if err != nil {
					return err
				}
				return printJSON(c, p)
			})
		},
	}
	c.Flags().String(nameKey, "", "display name")
	c.Flags().String(signPubKey, "", "expected signing key, learned on first contact when empty")
	return c
}

func peerListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists known peers",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withNode(c, func(ctx context.Context, n *node) error {
				peers, err := n.registry.Peers(ctx)
				if err != nil {
					return err
				}
				if peers == nil {
					peers = []storage.Peer{}
				}
				return printJSON(c, peers)
			})
		},
	}
}
