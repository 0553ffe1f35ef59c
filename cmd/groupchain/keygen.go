package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/secure"
)

const (
	outKey   = "out"
	forceKey = "force"
)

type keyInfo struct {
	Path    string `json:"path"`
	NodeID  string `json:"node_id"`
	SignPub string `json:"sign_pub"`
	EncPub  string `json:"enc_pub"`
}

func keygenCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Creates the node identity key file",
		Args:  cobra.NoArgs,
		RunE:  keygenFunc,
	}
	c.Flags().String(outKey, "", "key file path (defaults to the configured key file)")
	c.Flags().Bool(forceKey, false, "overwrite an existing key file")
	return c
}

func keygenFunc(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path, _ := c.Flags().GetString(outKey)
	if path == "" {
		path = cfg.KeyPath()
	}
	force, _ := c.Flags().GetBool(forceKey)

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("key file %s exists, pass --%s to replace it", path, forceKey)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	id, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := id.Save(path); err != nil {
		return err
	}
	return printJSON(c, keyInfo{
		Path:    path,
		NodeID:  secure.PeerID(id.PublicKeyB64()),
		SignPub: id.PublicKeyB64(),
		EncPub:  id.EncPublicKeyB64(),
	})
}
