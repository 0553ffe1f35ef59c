package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/types"
)

const (
	roleKey  = "role"
	titleKey = "title"
	tagKey   = "tag"
	noteKey  = "note"
	hashKey  = "hash"
)

func txCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "tx",
		Short: "Appends a transaction to a group chain",
	}
	c.AddCommand(
		mintCommand(),
		transferCommand(),
		memberAddCommand(),
		memberRemoveCommand(),
		policyCommand(),
		claimCommand(),
		retractCommand(),
		presenceCommand(),
	)
	return c
}

// submit appends bodies as one block authored by this node and prints the
// new head.
func submit(c *cobra.Command, groupID string, bodies ...chain.TxBody) error {
	return withNode(c, func(ctx context.Context, n *node) error {
		b, err := n.groups.Submit(ctx, groupID, bodies...)
		if err != nil {
			return err
		}
		return printJSON(c, b.Ref())
	})
}

func parseAmount(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return v, nil
}

func mintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <group-id> <to> <amount>",
		Short: "Mints currency to an account (admin only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			return submit(c, args[0], &chain.Mint{To: args[1], Amount: amount})
		},
	}
}

func transferCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <group-id> <to> <amount>",
		Short: "Transfers currency from this node's account",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			return withNode(c, func(ctx context.Context, n *node) error {
				b, err := n.groups.Submit(ctx, args[0], &chain.Transfer{From: n.id.PublicKeyB64(), To: args[1], Amount: amount})
				if err != nil {
					return err
				}
				return printJSON(c, b.Ref())
			})
		},
	}
}

func memberAddCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "member-add <group-id> <pub>",
		Short: "Adds a member (admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			role, _ := c.Flags().GetString(roleKey)
			return submit(c, args[0], &chain.MemberAdd{Pub: args[1], Role: types.Role(role)})
		},
	}
	c.Flags().String(roleKey, string(types.RoleMember), "role to grant")
	return c
}

func memberRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "member-remove <group-id> <pub>",
		Short: "Removes a member (admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return submit(c, args[0], &chain.MemberRemove{Pub: args[1]})
		},
	}
}

// parsePolicyUpdates reads key=value pairs. The value "null" clears a cap.
func parsePolicyUpdates(pairs []string) (map[string]*int64, error) {
	updates := make(map[string]*int64, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("policy update %q is not key=value", pair)
		}
		if v == "null" {
			updates[k] = nil
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("policy value for %s: %w", k, err)
		}
		updates[k] = &n
	}
	return updates, nil
}

func policyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "policy <group-id> <key=value>...",
		Short: "Updates the group's token policy (admin only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			updates, err := parsePolicyUpdates(args[1:])
			if err != nil {
				return err
			}
			return submit(c, args[0], &chain.PolicyUpdate{Updates: updates})
		},
	}
}

func claimCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "claim <group-id> [file]",
		Short: "Stores an artifact and claims it in the group",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  claimFunc,
	}
	flags := c.Flags()
	flags.String(hashKey, "", "claim an object already in the store instead of a file")
	flags.String(titleKey, "", "artifact title")
	flags.StringSlice(tagKey, nil, "artifact tags")
	return c
}

func claimFunc(c *cobra.Command, args []string) error {
	flags := c.Flags()
	groupID := args[0]
	hash, _ := flags.GetString(hashKey)
	title, _ := flags.GetString(titleKey)
	tags, _ := flags.GetStringSlice(tagKey)
	if (len(args) == 2) == (hash != "") {
		return fmt.Errorf("pass either a file or --%s", hashKey)
	}

	return withNode(c, func(ctx context.Context, n *node) error {
		me := n.id.PublicKeyB64()
		if len(args) == 2 {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			hash, err = n.groups.PutObject(me, data, cas.Meta{
				Visibility: types.VisibilityGroup,
				GroupID:    groupID,
				Kind:       "claim",
			})
			if err != nil {
				return err
			}
		} else {
			ref, err := cas.ParseRef(hash)
			if err != nil {
				return err
			}
			if _, _, err := n.groups.GetObject(me, ref); err != nil {
				return fmt.Errorf("artifact %s: %w", hash, err)
			}
			hash = ref
		}

		if tags == nil {
			tags = []string{}
		}
		b, err := n.groups.Submit(ctx, groupID, &chain.Claim{ArtifactHash: hash, Title: title, Tags: tags})
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{"artifact_hash": hash, "head": b.Ref()})
	})
}

func retractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retract <group-id> <artifact-hash>",
		Short: "Retracts a claim",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return submit(c, args[0], &chain.Retract{ArtifactHash: args[1]})
		},
	}
}

func presenceCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "presence <group-id> <active|idle|busy|offline>",
		Short: "Publishes this node's presence",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			note, _ := c.Flags().GetString(noteKey)
			return submit(c, args[0], &chain.PresenceUpdate{Status: types.PresenceStatus(args[1]), Note: note})
		},
	}
	c.Flags().String(noteKey, "", "free-form status note")
	return c
}
