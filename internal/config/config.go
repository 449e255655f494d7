package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-directory config file picked up by
// LoadWithLocalFallback
const LocalConfigName = ".vmat-orch.toml"

// Config holds all application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Solver   SolverConfig   `toml:"solver"`
	Jobs     JobsConfig     `toml:"jobs"`
	Dataset  DatasetConfig  `toml:"dataset"`
	Web      WebConfig      `toml:"web"`
	Criteria CriteriaConfig `toml:"criteria"`
}

// GeneralConfig holds storage locations and logging
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	RunsDir      string `toml:"runs_dir"`
	DatabasePath string `toml:"database_path"`
	LogFormat    string `toml:"log_format"` // text or json
	LogLevel     string `toml:"log_level"`
}

// SolverConfig describes the external solver process
type SolverConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Preferred   string   `toml:"preferred"`
	Fallback    string   `toml:"fallback"`
	ReprobeCron string   `toml:"reprobe_cron"`
	// TimeGrace is added to a run's time limit before the process is killed.
	TimeGrace Duration `toml:"time_grace"`
}

// JobsConfig holds run scheduling settings
type JobsConfig struct {
	MaxConcurrent      int      `toml:"max_concurrent"`
	DoseDeferThreshold Duration `toml:"dose_defer_threshold"`
	DoseVoxelsPerSec   float64  `toml:"dose_rate_voxels_per_sec"`
	AlwaysDeferDose    bool     `toml:"always_defer_dose"`
}

// DatasetConfig points at the bucket cases are downloaded from
type DatasetConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Enabled reports whether downloads are configured
func (d DatasetConfig) Enabled() bool {
	return d.Endpoint != "" && d.Bucket != ""
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// CriteriaConfig selects the clinical criteria protocols
type CriteriaConfig struct {
	Dir      string `toml:"dir"`
	Protocol string `toml:"protocol"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".vmat-orch")
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(base, "data"),
			RunsDir:      filepath.Join(base, "artifacts"),
			DatabasePath: filepath.Join(base, "runs.db"),
			LogFormat:    "text",
			LogLevel:     "info",
		},
		Solver: SolverConfig{
			Command:   "vmat-solver",
			Preferred: "MOSEK",
			Fallback:  "ECOS_BB",
			TimeGrace: Duration(30 * time.Second),
		},
		Jobs: JobsConfig{
			DoseDeferThreshold: Duration(10 * time.Second),
			DoseVoxelsPerSec:   2_000_000,
		},
		Dataset: DatasetConfig{
			Prefix: "data",
			UseSSL: true,
		},
		Web: WebConfig{
			Port: 8000,
			Host: "127.0.0.1",
		},
		Criteria: CriteriaConfig{
			Protocol: "Lung_2Gy_30Fx",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.RunsDir = ExpandPath(cfg.General.RunsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Criteria.Dir = ExpandPath(cfg.Criteria.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise the
// nearest local config file, otherwise the default config path
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.General.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("general.log_format must be text or json, got %q", c.General.LogFormat)
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must not be negative")
	}
	if c.Jobs.DoseVoxelsPerSec < 0 {
		return fmt.Errorf("jobs.dose_rate_voxels_per_sec must not be negative")
	}
	if c.Solver.Preferred == "" || c.Solver.Fallback == "" {
		return fmt.Errorf("solver.preferred and solver.fallback are required")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	return nil
}

// envOverrides maps environment variables onto config fields
var envOverrides = []struct {
	name string
	set  func(c *Config, v string) error
}{
	{"VMAT_DATA_DIR", func(c *Config, v string) error { c.General.DataDir = v; return nil }},
	{"VMAT_RUNS_DIR", func(c *Config, v string) error { c.General.RunsDir = v; return nil }},
	{"VMAT_DATABASE_PATH", func(c *Config, v string) error { c.General.DatabasePath = v; return nil }},
	{"VMAT_LOG_FORMAT", func(c *Config, v string) error { c.General.LogFormat = v; return nil }},
	{"VMAT_SOLVER_COMMAND", func(c *Config, v string) error { c.Solver.Command = v; return nil }},
	{"VMAT_MAX_CONCURRENT", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Jobs.MaxConcurrent = n
		return err
	}},
	{"VMAT_DATASET_ENDPOINT", func(c *Config, v string) error { c.Dataset.Endpoint = v; return nil }},
	{"VMAT_DATASET_BUCKET", func(c *Config, v string) error { c.Dataset.Bucket = v; return nil }},
	{"VMAT_DATASET_ACCESS_KEY", func(c *Config, v string) error { c.Dataset.AccessKey = v; return nil }},
	{"VMAT_DATASET_SECRET_KEY", func(c *Config, v string) error { c.Dataset.SecretKey = v; return nil }},
	{"VMAT_WEB_PORT", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Web.Port = n
		return err
	}},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vmat-orch", "config.toml")
}
