// Command snapd runs a snap chain node, full or light.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snapcoin/snapd/internal/api"
	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/config"
	"github.com/snapcoin/snapd/internal/lightnode"
	"github.com/snapcoin/snapd/internal/mempool"
	"github.com/snapcoin/snapd/internal/metrics"
	"github.com/snapcoin/snapd/internal/node"
	"github.com/snapcoin/snapd/internal/p2p"
	"github.com/snapcoin/snapd/internal/version"
)

func main() {
	var (
		configPath string
		flags      config.Config
	)
	defaults := config.Default()

	root := &cobra.Command{
		Use:     "snapd",
		Short:   "snap chain node",
		Version: version.Build,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Flags set explicitly override the file.
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = flags.DataDir
			}
			if cmd.Flags().Changed("p2p-port") {
				cfg.P2PPort = flags.P2PPort
			}
			if cmd.Flags().Changed("api-port") {
				cfg.APIPort = flags.APIPort
			}
			if cmd.Flags().Changed("metrics-port") {
				cfg.MetricsPort = flags.MetricsPort
			}
			if cmd.Flags().Changed("light") {
				cfg.Light = flags.Light
			}
			if cmd.Flags().Changed("full-ibd") {
				cfg.FullIBD = flags.FullIBD
			}
			if cmd.Flags().Changed("bootnodes") {
				cfg.Bootnodes = flags.Bootnodes
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flags.LogLevel
			}
			return run(cfg)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVar(&flags.DataDir, "data-dir", defaults.DataDir, "data directory")
	root.Flags().IntVar(&flags.P2PPort, "p2p-port", defaults.P2PPort, "peer protocol port")
	root.Flags().IntVar(&flags.APIPort, "api-port", defaults.APIPort, "query API port")
	root.Flags().IntVar(&flags.MetricsPort, "metrics-port", defaults.MetricsPort, "prometheus metrics port (0 disables)")
	root.Flags().BoolVar(&flags.Light, "light", false, "run the header-only light node")
	root.Flags().BoolVar(&flags.FullIBD, "full-ibd", false, "verify every transaction during initial sync")
	root.Flags().StringSliceVar(&flags.Bootnodes, "bootnodes", nil, "seed peer addresses")
	root.Flags().StringVar(&flags.LogLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	if cfg.Light {
		return runLight(ctx, cfg, logger)
	}
	return runFull(ctx, cfg, logger)
}

func runFull(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	bc, err := chain.Open(filepath.Join(cfg.DataDir, "blocks"), logger)
	if err != nil {
		return err
	}

	book, err := p2p.OpenAddressBook(filepath.Join(cfg.DataDir, "addrbook.db"), logger)
	if err != nil {
		return err
	}
	defer book.Close()

	pool := mempool.New(logger)
	pool.StartWatchdog(ctx)

	opts := []node.Option{node.WithAddressBook(book)}
	if cfg.FullIBD {
		opts = append(opts, node.WithFullIBD())
	}
	n := node.New(bc, pool, logger, opts...)

	server := p2p.NewServer(n.Behavior(), n.RegisterPeer, logger)
	if err := server.Listen(ctx, cfg.P2PPort); err != nil {
		return err
	}

	apiServer := api.NewServer(n, logger)
	if err := apiServer.Listen(ctx, cfg.APIPort); err != nil {
		return err
	}

	dialBootnodes(cfg, book, n.Behavior(), func(peer *p2p.Peer) {
		n.RegisterPeer(peer)
		go n.ExchangePeers(peer)
	}, logger)

	logger.Info("full node running", zap.String("data_dir", cfg.DataDir))
	<-ctx.Done()
	return nil
}

func runLight(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ln, err := lightnode.Open(filepath.Join(cfg.DataDir, "meta"), logger)
	if err != nil {
		return err
	}

	server := p2p.NewServer(ln.Behavior(), ln.RegisterPeer, logger)
	if err := server.Listen(ctx, cfg.P2PPort); err != nil {
		return err
	}

	dialBootnodes(cfg, nil, ln.Behavior(), ln.RegisterPeer, logger)

	logger.Info("light node running", zap.String("data_dir", cfg.DataDir))
	<-ctx.Done()
	return nil
}

// dialBootnodes connects the configured seed addresses plus any persisted
// ones, registering each successful session.
func dialBootnodes(cfg config.Config, book *p2p.AddressBook, behavior p2p.Behavior, register func(*p2p.Peer), logger *zap.Logger) {
	addresses := append([]string{}, cfg.Bootnodes...)
	if book != nil {
		if known, err := book.All(); err == nil {
			addresses = append(addresses, known...)
		}
	}

	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		go func(addr string) {
			peer, err := p2p.Dial(addr, behavior, logger)
			if err != nil {
				logger.Warn("bootnode dial failed", zap.String("addr", addr), zap.Error(err))
				return
			}
			register(peer)
		}(addr)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
