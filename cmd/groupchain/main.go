package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const configKey = "config"

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "groupchain",
		Short:         "Runs and administers a knowledge group chain node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().StringSlice(configKey, nil, "YAML config files, later files override earlier ones")
	c.AddCommand(
		keygenCommand(),
		serveCommand(),
		groupCommand(),
		txCommand(),
		taskCommand(),
		peerCommand(),
		subCommand(),
		syncCommand(),
	)
	return c
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "groupchain:", err)
		os.Exit(1)
	}
}
