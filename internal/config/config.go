// Package config provides dynamic configuration management for hotspotmon.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for hotspotmon.
type Config struct {
	// ── Capture ──────────────────────────────────────────────────────────────
	// Interface is the name of the observed access-point interface.
	Interface string `mapstructure:"interface"`
	// SubnetPrefixLen overrides the interface mask when > 0.
	SubnetPrefixLen int `mapstructure:"subnet_prefix_len"`
	// CaptureSource: "afpacket" (live) or "pcap" (replay CaptureFile).
	CaptureSource string `mapstructure:"capture_source"`
	CaptureFile   string `mapstructure:"capture_file"`

	// ── Accounting ───────────────────────────────────────────────────────────
	// NetworkID is attached to every connection log written by this process.
	NetworkID            string `mapstructure:"network_id"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds"`
	// MBPrecision is the number of decimal places kept when converting bytes to MB.
	MBPrecision int `mapstructure:"mb_precision"`
	// DefaultOwnerID is the sentinel owner of auto-provisioned devices.
	DefaultOwnerID string `mapstructure:"default_owner_id"`
	// DefaultOwnerName, when set, is looked up once at startup (users.first_name)
	// and takes precedence over DefaultOwnerID if a user matches.
	DefaultOwnerName string `mapstructure:"default_owner_name"`
	// NodeID seeds the snowflake generator for device/log/usage identifiers.
	NodeID int64 `mapstructure:"node_id"`
	// RetentionDays purges older connection logs daily; 0 keeps everything.
	RetentionDays int `mapstructure:"retention_days"`

	// ── Storage ──────────────────────────────────────────────────────────────
	DBDriver string `mapstructure:"db_driver"` // "sqlite", "mysql" or "postgres"
	DBPath   string `mapstructure:"db_path"`   // used when db_driver = sqlite
	DBDSN    string `mapstructure:"db_dsn"`    // used when db_driver = mysql/postgres

	// ── Observability ────────────────────────────────────────────────────────
	MetricsAddr string    `mapstructure:"metrics_addr"`
	Log         LogConfig `mapstructure:"log"`

	// ── Dashboard ────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	// JWTSecret: HS256 signing key for dashboard tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	// AdminPass is compared as a bcrypt hash when it starts with "$2".
	AdminPass string `mapstructure:"admin_pass"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Mode       string `mapstructure:"mode"` // "production" (json) or "development" (console)
	FileEnable bool   `mapstructure:"file_enable"`
	Filename   string `mapstructure:"filename"`
}

// FlushInterval returns the flush period as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Interface) == "" && c.CaptureSource != "pcap" {
		errs = append(errs, errors.New("interface is required"))
	}
	if strings.TrimSpace(c.NetworkID) == "" {
		errs = append(errs, errors.New("network_id is required"))
	}
	if c.FlushIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval_seconds must be positive, got %d", c.FlushIntervalSeconds))
	}
	if c.MBPrecision < 0 || c.MBPrecision > 8 {
		errs = append(errs, fmt.Errorf("mb_precision must be within 0..8, got %d", c.MBPrecision))
	}
	if c.SubnetPrefixLen < 0 || c.SubnetPrefixLen > 32 {
		errs = append(errs, fmt.Errorf("subnet_prefix_len must be within 0..32, got %d", c.SubnetPrefixLen))
	}
	switch c.CaptureSource {
	case "afpacket":
	case "pcap":
		if c.CaptureFile == "" {
			errs = append(errs, errors.New("capture_file is required when capture_source = pcap"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported capture_source %q (use 'afpacket' or 'pcap')", c.CaptureSource))
	}
	switch c.DBDriver {
	case "sqlite", "":
	case "mysql", "postgres":
		if c.DBDSN == "" {
			errs = append(errs, fmt.Errorf("db_dsn is required for db_driver %q", c.DBDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported db_driver %q (use 'sqlite', 'mysql' or 'postgres')", c.DBDriver))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id must be within 0..1023, got %d", c.NodeID))
	}
	return errors.Join(errs...)
}

// Load reads config from file (./config.yaml or ~/.hotspotmon/config.yaml)
// and falls back to smart defaults. Environment variables with prefix HOTSPOT_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hotspotmon")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFile reads config from an explicit path instead of the search paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return unmarshal(v)
}

func setDefaults(v *viper.Viper) {
	// --- Smart Defaults ---
	v.SetDefault("interface", "wlan0")
	v.SetDefault("subnet_prefix_len", 0)
	v.SetDefault("capture_source", "afpacket")
	v.SetDefault("capture_file", "")

	v.SetDefault("network_id", "N001")
	v.SetDefault("flush_interval_seconds", 30)
	v.SetDefault("mb_precision", 4)
	v.SetDefault("default_owner_id", "U001")
	v.SetDefault("default_owner_name", "")
	v.SetDefault("node_id", 1)
	v.SetDefault("retention_days", 0)

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_path", "hotspot.db")
	v.SetDefault("db_dsn", "")

	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.mode", "development")
	v.SetDefault("log.file_enable", false)
	v.SetDefault("log.filename", "hotspotmon.log")

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 5000)
	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "hS7#pQ2!vN9@kL4$wR6^tY1&mZ8*xC3")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	// --- Environment Variables ---
	v.SetEnvPrefix("HOTSPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
