package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
	"walletnet/internal/dial"
	"walletnet/internal/events"
	"walletnet/internal/metrics"
	"walletnet/internal/router"
	"walletnet/internal/serverkey"
	"walletnet/internal/supervisor"
	"walletnet/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

func runCmd() *cobra.Command {
	var (
		dataDir          string
		checkpointHeight int
		checkpointRoot   string
		logLevel         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring up the connection pool and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			if lvl, err := logrus.ParseLevel(logLevel); err == nil {
				logger.SetLevel(lvl)
			}

			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("walletnetwork: resolve home directory: %w", err)
				}
				dataDir = filepath.Join(home, ".walletnetwork")
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("walletnetwork: create data directory: %w", err)
			}

			cfg, err := config.Load(dataDir)
			if err != nil {
				return err
			}

			s, err := buildSupervisor(dataDir, cfg, logger)
			if err != nil {
				return err
			}
			s.SetCheckpoint(checkpointHeight, checkpointHeight > 0)
			if checkpointHeight > 0 {
				v, err := checkpoint.NewValidator(checkpointRoot)
				if err != nil {
					return err
				}
				s.Verifier = v
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			s.Start(ctx)
			logger.WithField("data_dir", dataDir).Info("walletnetwork supervisor running")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutting down")
			cancel()
			s.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "dir", "", "data directory (default $HOME/.walletnetwork)")
	cmd.Flags().IntVar(&checkpointHeight, "checkpoint-height", 0, "checkpoint height new interfaces verify against (0 = auto-detect)")
	cmd.Flags().StringVar(&checkpointRoot, "checkpoint-root", "", "hex merkle root the checkpoint must fold to (empty = accept first claimed root)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level")
	return cmd
}

// buildSupervisor wires every component a running network core needs:
// the chain set, server registry, cert store, connection factory,
// request router, and supervisor loop, plus the prometheus registry
// backing internal/metrics.
func buildSupervisor(dataDir string, cfg config.Config, logger *logrus.Logger) (*supervisor.Supervisor, error) {
	chains, err := blockchain.NewChainSet(filepath.Join(dataDir, "chains"), logger)
	if err != nil {
		return nil, err
	}
	registry, err := serverkey.NewRegistry(dataDir)
	if err != nil {
		return nil, err
	}
	certs, err := dial.NewCertStore(dataDir)
	if err != nil {
		return nil, err
	}
	factory := dial.NewFactory(certs, logger)

	verifier, err := checkpoint.NewValidator("")
	if err != nil {
		return nil, err
	}

	rt, err := router.New(logger)
	if err != nil {
		return nil, err
	}

	proxy, err := cfg.ParsedProxy()
	if err != nil {
		return nil, err
	}

	supCfg := supervisor.Config{
		Proxy:       proxy,
		AutoConnect: cfg.AutoConnect,
		OneServer:   cfg.OneServer,
		FeeTargets:  []int{2, 6, 25},
		TargetCount: cfg.TargetCount,
		FeeTTL:      cfg.FeeTTL(),
	}
	if server, ok := cfg.ParsedServer(); ok {
		host, port, proto, err := server.Parse()
		if err != nil {
			return nil, err
		}
		supCfg.Host, supCfg.Port, supCfg.Protocol = host, port, proto
	}

	s := supervisor.New(supCfg, factory, rt, chains, registry, verifier, logger)
	s.Bus = events.New()
	s.Metrics = metrics.New(prometheus.DefaultRegisterer)
	s.Persist = func(next supervisor.Config) error {
		updated := cfg
		if next.Host != "" {
			updated.Server = string(serverkey.New(next.Host, next.Port, next.Protocol))
		}
		updated.AutoConnect = next.AutoConnect
		updated.OneServer = next.OneServer
		return config.Save(dataDir, updated)
	}

	for _, blacklisted := range cfg.ServerBlacklist {
		_ = registry.Blacklist(serverkey.Key(blacklisted))
	}

	return s, nil
}
