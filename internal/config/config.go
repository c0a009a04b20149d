// Package config loads server configuration from file, environment and
// defaults, in that ascending order of precedence via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	DataDir     string `mapstructure:"data_dir"`
	LedgerPath  string `mapstructure:"ledger_path"`
	SnippetsDir string `mapstructure:"snippets_dir"`
	AuditPath   string `mapstructure:"audit_path"`

	ReservationTTL   time.Duration `mapstructure:"reservation_ttl"`
	AgentQuota       int           `mapstructure:"agent_quota"`
	CapacityOverride int           `mapstructure:"capacity_override"`

	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
	Parallelism    int           `mapstructure:"parallelism"`

	LogLevel string `mapstructure:"log_level"`
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".slotgrid"
	}
	return filepath.Join(home, ".slotgrid")
}

// Load reads configuration. configFile may be empty, in which case
// slotgrid.yaml is searched in the working directory and the data dir.
// Environment variables use the SLOTGRID_ prefix (SLOTGRID_PORT, ...).
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8750)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("reservation_ttl", "4000s")
	v.SetDefault("agent_quota", 4)
	v.SetDefault("capacity_override", 0)
	v.SetDefault("run_timeout", "30s")
	v.SetDefault("compile_timeout", "60s")
	v.SetDefault("parallelism", 8)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("SLOTGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("slotgrid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.DataDir, "ledger.db")
	}
	if cfg.SnippetsDir == "" {
		cfg.SnippetsDir = filepath.Join(cfg.DataDir, "snippets")
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = filepath.Join(cfg.DataDir, "staging_audit.jsonl")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}
