package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/espprov/internal/transport"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"` // empty disables logging
	BLE       BLEConfig       `yaml:"ble"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	WiFi      WiFiConfig      `yaml:"wifi"`
}

// BLEConfig holds BLE scanning and GATT settings.
type BLEConfig struct {
	ServiceUUID string        `yaml:"service_uuid"`
	ScanWindow  time.Duration `yaml:"scan_window"`
	NamePrefix  string        `yaml:"name_prefix"`
}

// DiscoveryConfig holds the scan retry policy.
type DiscoveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// WiFiConfig holds the SoftAP access point scan and mDNS browse settings.
type WiFiConfig struct {
	APScanWindow time.Duration `yaml:"ap_scan_window"`
	ServiceType  string        `yaml:"service_type"`
	Domain       string        `yaml:"domain"`
	BrowseWindow time.Duration `yaml:"browse_window"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "espprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the stock ESP-IDF provisioning values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ServiceUUID: transport.DefaultServiceUUID,
			ScanWindow:  5 * time.Second,
			NamePrefix:  "PROV_",
		},
		Discovery: DiscoveryConfig{
			MaxAttempts: 3,
			RetryDelay:  500 * time.Millisecond,
		},
		WiFi: WiFiConfig{
			APScanWindow: 4 * time.Second,
			ServiceType:  "_esp_local_ctrl._tcp",
			Domain:       "local.",
			BrowseWindow: 3 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if _, err := transport.CanonicalUUID(c.BLE.ServiceUUID); err != nil {
		return fmt.Errorf("ble.service_uuid: %w", err)
	}
	if c.BLE.ScanWindow <= 0 {
		return fmt.Errorf("ble.scan_window must be > 0")
	}

	if c.Discovery.MaxAttempts < 1 {
		return fmt.Errorf("discovery.max_attempts must be >= 1, got %d", c.Discovery.MaxAttempts)
	}
	if c.Discovery.RetryDelay < 0 {
		return fmt.Errorf("discovery.retry_delay must not be negative")
	}

	if c.WiFi.APScanWindow <= 0 {
		return fmt.Errorf("wifi.ap_scan_window must be > 0")
	}
	if c.WiFi.ServiceType == "" {
		return fmt.Errorf("wifi.service_type must not be empty")
	}
	if c.WiFi.Domain == "" {
		return fmt.Errorf("wifi.domain must not be empty")
	}
	if c.WiFi.BrowseWindow <= 0 {
		return fmt.Errorf("wifi.browse_window must be > 0")
	}

	return nil
}

const defaultHeader = `# espprov configuration
# Durations use Go syntax (500ms, 5s). log_level may be left empty to
# silence logging, or set to debug, info, warn or error.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
