package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-s2s/config"
	"mini-s2s/console"
	"mini-s2s/errdefs"
	"mini-s2s/metrics"
	"mini-s2s/session"
)

var (
	configPath string
	devLog     bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "s2sctl [command]",
	Short: "s2sctl: registry client tool",
	Long: `s2sctl talks to the s2s meta server: it watches services, publishes an entry for
the local process and can run an in-memory registry for local development.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if devLog {
			cfg.Log.Development = true
		}
		if logger, err = cfg.Logger(); err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		zap.ReplaceGlobals(logger)
		cfg.ApplyProcess()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "human readable debug logging")
}

// openClient creates, prepares and initializes a client from the loaded configuration.
// A console is started when a console port is configured. The returned func closes
// both.
func openClient(ctx context.Context) (*session.Client, func(), error) {
	if cfg.Name == "" {
		return nil, nil, fmt.Errorf("no service name: set name in the config file or S2S_NAME")
	}
	reg := prometheus.NewRegistry()
	col, err := metrics.NewCollector(reg, prometheus.Labels{"service": cfg.Name})
	if err != nil {
		return nil, nil, err
	}
	c := session.New(cfg.SessionOptions(logger, col)...)
	if err := cfg.Prepare(c); err != nil {
		return nil, nil, err
	}
	if err := c.Initialize(ctx, cfg.Name, cfg.Key, cfg.MetaType()); err != nil {
		if errdefs.Classify(err) == errdefs.Fatal {
			return nil, nil, err
		}
		logger.Warn("registry not reachable yet, retrying in background", zap.Error(err))
	}

	var con *console.Server
	if cfg.ConsolePort != 0 {
		con = console.New(c, reg, logger.Named("console"))
		if err := con.Start(console.DefaultAddr()); err != nil {
			logger.Warn("console not started", zap.Error(err))
			con = nil
		}
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
		defer cancel()
		if con != nil {
			_ = con.Shutdown(ctx)
		}
		if err := c.Close(ctx); err != nil {
			logger.Warn("closing client", zap.Error(err))
		}
	}
	return c, closeFn, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
