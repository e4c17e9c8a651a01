package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Cross-channel session and delivery coordinator",
		Long: "switchboard routes messages from terminal, Telegram and Discord to a\n" +
			"conversational engine, keeping one identity and one active conversation\n" +
			"per user across all channels.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults to CONFIG_PATH or ./config.toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}
