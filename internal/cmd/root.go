// Package cmd provides the CLI commands for edgeguard.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/store"
)

var (
	// Global flags
	configPath    string
	envFile       string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "edgeguard",
	Short: "edgeguard - a request-edge guard for HTTP services",
	Long: `edgeguard sits in front of an HTTP application and decides, per request,
whether to block, rate-limit or allow it. Allowed requests are recorded
with their geolocation, and a periodic detector flags suspicious IPs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}

		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Priority: --log-level flag > --debug flag > config file
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		} else if debug {
			cfg.Logging.Level = "debug"
		}
		if logFile != "" {
			cfg.Logging.File = &logging.FileLogConfig{Path: logFile}
		}
		if logComponents != "" {
			cfg.Logging.Components = splitComponents(logComponents)
		}
		if err := logging.Initialize(cfg.Logging); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: edgeguard.yaml in the data directory, if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'guard,detector'). Empty means all components.")
}

// resolveConfigPath returns --config, or the data directory config file when
// it exists, or "" to run on defaults.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	path, err := appdir.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

func splitComponents(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// openStore opens the configured storage engine. A sqlite store without a
// DSN lives in the data directory.
func openStore() (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == store.DriverSQLite && dsn == "" {
		var err error
		if dsn, err = appdir.DatabasePath(); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(cfg.Storage.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	return st, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
