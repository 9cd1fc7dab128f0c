package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"walletnet/internal/serverkey"
	"walletnet/pkg/config"
)

// serverCmd groups the operator actions that live outside the run loop:
// inspecting the recent-server list and clearing a blacklist entry.
func serverCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Inspect or manage the server registry",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "dir", "", "data directory (default $HOME/.walletnetwork)")

	cmd.AddCommand(serverListCmd(&dataDir))
	cmd.AddCommand(serverBlacklistCmd(&dataDir))
	cmd.AddCommand(serverUnblacklistCmd(&dataDir))
	return cmd
}

func resolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("walletnetwork: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".walletnetwork"), nil
}

func serverListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recently connected servers, most-recent-first",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDataDir(*dataDir)
			if err != nil {
				return err
			}
			registry, err := serverkey.NewRegistry(dir)
			if err != nil {
				return err
			}
			for _, key := range registry.Recent() {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func serverBlacklistCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "blacklist",
		Short: "List blacklisted servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDataDir(*dataDir)
			if err != nil {
				return err
			}
			registry, err := serverkey.NewRegistry(dir)
			if err != nil {
				return err
			}
			for _, key := range registry.BlacklistedKeys() {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func serverUnblacklistCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unblacklist <server>",
		Short: "Remove a server from the blacklist, in both the registry and persisted config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDataDir(*dataDir)
			if err != nil {
				return err
			}
			key := serverkey.Key(args[0])

			registry, err := serverkey.NewRegistry(dir)
			if err != nil {
				return err
			}
			if err := registry.ClearBlacklist(key); err != nil {
				return err
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			filtered := cfg.ServerBlacklist[:0]
			for _, entry := range cfg.ServerBlacklist {
				if serverkey.Key(entry) != key {
					filtered = append(filtered, entry)
				}
			}
			cfg.ServerBlacklist = filtered
			return config.Save(dir, cfg)
		},
	}
}
