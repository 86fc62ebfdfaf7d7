package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/logging"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage edgeguard configuration",
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write the default configuration file",
	Long: `Write the built-in defaults as YAML to edgeguard.yaml in the data directory.
The generated file enables the access log and a log file under <data dir>/logs.

Examples:
  edgeguard config create                  # Create <data dir>/edgeguard.yaml
  edgeguard config create --output /etc    # Create /etc/edgeguard.yaml
  edgeguard config create --force          # Overwrite an existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after the file, .env and EDGEGUARD_* overrides are applied.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd, configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: the data directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path, err := appdir.ConfigPath()
	if err != nil {
		return err
	}
	if configOutputPath != "" {
		path = filepath.Join(configOutputPath, appdir.ConfigFileName)
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	defaults := config.Default()
	logsDir, err := appdir.LogsDir()
	if err != nil {
		return err
	}
	defaults.AccessLog.Path = filepath.Join(logsDir, "access.log")
	defaults.Logging.File = &logging.FileLogConfig{Path: filepath.Join(logsDir, "edgeguard.log")}

	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
