package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/types"
)

const (
	idKey          = "id"
	nameKey        = "name"
	currencyKey    = "currency"
	memberKey      = "member"
	faucetKey      = "faucet"
	claimRewardKey = "claim-reward"
	feeBpsKey      = "fee-bps"
)

func groupCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "group",
		Short: "Creates and inspects local groups",
	}
	c.AddCommand(groupCreateCommand(), groupListCommand(), groupShowCommand())
	return c
}

func groupCreateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "create",
		Short: "Founds a group with this node as admin",
		Args:  cobra.NoArgs,
		RunE:  groupCreateFunc,
	}
	flags := c.Flags()
	flags.String(idKey, "", "group id (generated when empty)")
	flags.String(nameKey, "", "display name (required)")
	flags.String(currencyKey, "CRD", "currency symbol")
	flags.StringSlice(memberKey, nil, "signing keys added as members in the genesis block")
	flags.Int64(faucetKey, 0, "amount granted to each new member")
	flags.Int64(claimRewardKey, 0, "amount minted to a claim's author")
	flags.Int64(feeBpsKey, 0, "transfer fee in basis points")
	_ = c.MarkFlagRequired(nameKey)
	return c
}

func groupCreateFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	p := group.CreateParams{Policy: &chain.Policy{}}
	p.GroupID, _ = flags.GetString(idKey)
	p.Name, _ = flags.GetString(nameKey)
	p.Currency, _ = flags.GetString(currencyKey)
	p.Members, _ = flags.GetStringSlice(memberKey)
	p.Policy.FaucetAmount, _ = flags.GetInt64(faucetKey)
	p.Policy.ClaimRewardAmount, _ = flags.GetInt64(claimRewardKey)
	p.Policy.TransferFeeBps, _ = flags.GetInt64(feeBpsKey)

	return withNode(c, func(ctx context.Context, n *node) error {
		meta, err := n.groups.CreateGroup(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(c, meta)
	})
}

func groupListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the groups stored on this node",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withNode(c, func(ctx context.Context, n *node) error {
				out := make([]*types.GroupStatus, 0)
				for _, id := range n.groups.Groups() {
					status, err := n.groups.Status(ctx, id)
					if err != nil {
						return err
					}
					out = append(out, status)
				}
				return printJSON(c, out)
			})
		},
	}
}

type groupDetail struct {
	*types.GroupStatus
	Balances map[string]int64     `json:"balances"`
	Tasks    []chain.TaskRecord   `json:"tasks"`
	Presence []group.PresenceView `json:"presence"`
}

func groupShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Shows a group's head, balances, tasks and presence",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			groupID := args[0]
			return withNode(c, func(ctx context.Context, n *node) error {
				me := n.id.PublicKeyB64()
				status, err := n.groups.Status(ctx, groupID)
				if err != nil {
					return err
				}
				d := groupDetail{GroupStatus: status}
				if d.Balances, err = n.groups.Balances(groupID, me); err != nil {
					return err
				}
				if d.Tasks, err = n.groups.TaskList(groupID, me); err != nil {
					return err
				}
				if d.Presence, err = n.groups.PresenceList(groupID, me); err != nil {
					return err
				}
				return printJSON(c, d)
			})
		},
	}
}
