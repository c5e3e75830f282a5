// Espprov finds ESP32 provisioning peripherals over BLE or SoftAP Wi-Fi.
//
// It scans for advertised devices, locates a device named by a provisioning
// QR code, binds a GATT transport to it and reports its protocol version.
//
// Usage:
//
//	espprov [command] [flags]
//
// See 'espprov --help' for available commands.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/config"
	"github.com/chaz8081/espprov/internal/logging"
)

// Set at build time via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "espprov",
	Short: "ESP32 provisioning discovery utility",
	Long: `Find ESP32 devices running the ESP-IDF provisioning manager.

Devices are discovered over BLE (GATT provisioning service) or, for SoftAP
provisioning, by browsing mDNS on the local network.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/espprov/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: silent)")

	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	log, err = logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	cobra.OnFinalize(func() { _ = log.Sync() })
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "espprov %s (commit: %s)\n", version, commit)
	},
}
