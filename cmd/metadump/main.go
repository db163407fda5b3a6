package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"metadump/internal/config"
	"metadump/internal/crawler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "metadump: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	output      string
	baseURL     string
	timeout     time.Duration
	logLevel    string
	storeDriver string
	storeDSN    string
}

func newRootCmd() *cobra.Command {
	cmd, _ := buildRootCmd()
	return cmd
}

// buildRootCmd returns the command together with the struct its flags are bound to.
func buildRootCmd() (*cobra.Command, *rootFlags) {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "metadump",
		Short:         "Walk the GCP metadata server and dump every directory and value",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, *flags)
			if err != nil {
				return err
			}
			engine, err := crawler.NewEngine(*cfg)
			if err != nil {
				return fmt.Errorf("initialise engine: %w", err)
			}
			if _, err := engine.Run(cmd.Context()); err != nil {
				return fmt.Errorf("dump stopped: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file")
	f.StringVarP(&flags.output, "output", "o", config.DefaultOutputPath, "Dump file, overwritten on every run")
	f.StringVar(&flags.baseURL, "base-url", config.DefaultBaseURL, "Metadata endpoint prefix")
	f.DurationVar(&flags.timeout, "timeout", 3*time.Second, "Per-request timeout")
	f.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&flags.storeDriver, "store-driver", "", "Mirror records into a database: postgres or sqlite")
	f.StringVar(&flags.storeDSN, "store-dsn", "", "Connection string for --store-driver")
	return cmd, flags
}

// resolveConfig layers explicitly set flags over the config file, or over defaults when no
// file is given.
func resolveConfig(cmd *cobra.Command, flags rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}

	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.Output.Path = flags.output
	}
	if changed("base-url") {
		cfg.Metadata.BaseURL = flags.baseURL
	}
	if changed("timeout") {
		cfg.Metadata.RequestTimeout = config.DurationFrom(flags.timeout)
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if changed("store-driver") {
		cfg.Store.Driver = flags.storeDriver
	}
	if changed("store-dsn") {
		cfg.Store.DSN = flags.storeDSN
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
