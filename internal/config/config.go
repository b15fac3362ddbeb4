// Package config loads the replication daemon's configuration document
// (spec §6 "Configuration") via viper: environment variables override a
// YAML file, and Config.Validate() rejects a structurally invalid document
// before the orchestrator ever opens a connection.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DestinationMode mirrors spec §6's Mode ∈ {Normal, Slave}.
type DestinationMode string

const (
	ModeSlave  DestinationMode = "Slave"
	ModeNormal DestinationMode = "Normal"
)

// ColumnMapping renames one source column to its destination name.
type ColumnMapping struct {
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`
}

// TableMapping renames one source table (and, optionally, some of its
// columns) to its destination name (spec §6, §9 "Table/column renaming").
type TableMapping struct {
	Source         string          `mapstructure:"source"`
	Target         string          `mapstructure:"target"`
	ColumnMappings []ColumnMapping `mapstructure:"column_mappings"`
}

// DatabaseConfig is one "Database info" entry from spec §6 — a source or a
// single destination within a replication set.
type DatabaseConfig struct {
	Name                   string          `mapstructure:"name"`
	ConnectionString       string          `mapstructure:"connection_string"`
	BatchSize              int             `mapstructure:"batch_size"`
	PopulateOutOfSync      bool            `mapstructure:"populate_out_of_sync"`
	Mode                   DestinationMode `mapstructure:"mode"`
	TableMapping           []TableMapping  `mapstructure:"table_mapping"`
	AddRowVersionColumn    bool            `mapstructure:"add_row_version_column"`
	RowVersionColumnName   string          `mapstructure:"row_version_column_name"`
	DisableAllConstraints  bool            `mapstructure:"disable_all_constraints"`
}

// AllowsTruncate reports whether this destination may be flushed/repopulated
// (spec §6: "Mode Normal forbids truncate-based flushes").
func (d DatabaseConfig) AllowsTruncate() bool {
	return d.Mode != ModeNormal
}

// ReplicationSetConfig is one source, one or more destinations, and the
// table include/exclude lists that scope a replication run (spec §6).
type ReplicationSetConfig struct {
	Name          string            `mapstructure:"name"`
	Source        DatabaseConfig    `mapstructure:"source"`
	Destinations  []DatabaseConfig `mapstructure:"destinations"`
	Tables        []string          `mapstructure:"tables"`
	ExcludeTables []string          `mapstructure:"exclude_tables"`
	DebugTables   []string          `mapstructure:"debug_tables"`
}

// Config is the top-level configuration document (spec §6).
type Config struct {
	Timeout         int                    `mapstructure:"timeout"` // seconds; 0 = driver default
	Interval        int                    `mapstructure:"interval"`
	ReplicationSets []ReplicationSetConfig `mapstructure:"replication_sets"`
	SessionDir      string                 `mapstructure:"session_dir"`

	Log LogConfig `mapstructure:"log"`
}

// SessionMarkerPath returns the on-disk path of setName's resumability
// marker (spec §3, §4.7), one file per replication set under SessionDir.
func (c Config) SessionMarkerPath(setName string) string {
	return filepath.Join(c.SessionDir, setName+".json")
}

// LogConfig mirrors the teacher's logger.Config, carried as an ambient
// concern regardless of the spec's domain Non-goals (SPEC_FULL.md A1).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timeout", 0)
	v.SetDefault("interval", 30)
	v.SetDefault("session_dir", ".replicator-session")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
}

// Load reads configPath (YAML) if given, layers environment variable
// overrides on top (REPLICATOR_ prefixed, "." -> "_"), and validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REPLICATOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDatabaseDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func applyDatabaseDefaults(cfg *Config) {
	for i := range cfg.ReplicationSets {
		set := &cfg.ReplicationSets[i]
		if set.Source.Mode == "" {
			set.Source.Mode = ModeSlave
		}
		for j := range set.Destinations {
			if set.Destinations[j].Mode == "" {
				set.Destinations[j].Mode = ModeSlave
			}
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30
	}
}

// IntervalDuration returns Interval as a time.Duration.
func (c Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// TimeoutDuration returns Timeout as a time.Duration, or 0 (driver default)
// when unset.
func (c Config) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout) * time.Second
}

// Validate checks the document's structure and returns the first problem it
// finds; problems after that one are not reported.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", c.Interval)
	}
	if len(c.ReplicationSets) == 0 {
		return fmt.Errorf("at least one replication set is required")
	}

	seen := make(map[string]bool, len(c.ReplicationSets))
	for i, set := range c.ReplicationSets {
		if set.Name == "" {
			return fmt.Errorf("replication_sets[%d]: name is required", i)
		}
		if seen[set.Name] {
			return fmt.Errorf("replication_sets[%d]: duplicate replication set name %q", i, set.Name)
		}
		seen[set.Name] = true

		if err := set.Source.validate("source"); err != nil {
			return fmt.Errorf("replication_sets[%s]: %w", set.Name, err)
		}
		if len(set.Destinations) == 0 {
			return fmt.Errorf("replication_sets[%s]: at least one destination is required", set.Name)
		}
		destNames := make(map[string]bool, len(set.Destinations))
		for j, dest := range set.Destinations {
			if err := dest.validate(fmt.Sprintf("destinations[%d]", j)); err != nil {
				return fmt.Errorf("replication_sets[%s]: %w", set.Name, err)
			}
			if destNames[dest.Name] {
				return fmt.Errorf("replication_sets[%s]: duplicate destination name %q", set.Name, dest.Name)
			}
			destNames[dest.Name] = true
		}
	}
	return nil
}

func (d DatabaseConfig) validate(label string) error {
	if d.Name == "" {
		return fmt.Errorf("%s: name is required", label)
	}
	if d.ConnectionString == "" {
		return fmt.Errorf("%s (%s): connection_string is required", label, d.Name)
	}
	switch d.Mode {
	case "", ModeSlave, ModeNormal:
	default:
		return fmt.Errorf("%s (%s): mode must be %q or %q, got %q", label, d.Name, ModeNormal, ModeSlave, d.Mode)
	}
	return nil
}
