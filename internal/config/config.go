package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultDBDriver        = "sqlite"
	defaultDBDSN           = "catsyphon.db"
	defaultWorkspaceID     = "default"
	defaultSourceType      = "jsonl"
	defaultPollInterval    = 2 * time.Second
	defaultDebounceWindow  = 500 * time.Millisecond
	defaultChunkLimit      = 500
	defaultBackfillWorkers = 4
)

// Config carries everything the ingestion daemon and CLI need. Values resolve
// in order: defaults, then the YAML file, then CATSYPHON_* environment
// variables.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	DBDriver        string        `yaml:"db_driver"`
	DBDSN           string        `yaml:"db_dsn"`
	WorkspaceID     string        `yaml:"workspace_id"`
	SourceType      string        `yaml:"source_type"`
	WatchDirs       []string      `yaml:"watch_dirs"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DebounceWindow  time.Duration `yaml:"debounce_window"`
	ChunkLimit      int           `yaml:"chunk_limit"`
	BackfillWorkers int           `yaml:"backfill_workers"`
}

func defaults() Config {
	return Config{
		HTTPAddr:        defaultHTTPAddr,
		DBDriver:        defaultDBDriver,
		DBDSN:           defaultDBDSN,
		WorkspaceID:     defaultWorkspaceID,
		SourceType:      defaultSourceType,
		PollInterval:    defaultPollInterval,
		DebounceWindow:  defaultDebounceWindow,
		ChunkLimit:      defaultChunkLimit,
		BackfillWorkers: defaultBackfillWorkers,
	}
}

// Load resolves configuration. path may be empty; CATSYPHON_CONFIG_FILE is
// consulted as a fallback, and a missing optional file is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CATSYPHON_CONFIG_FILE"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, "CATSYPHON_HTTP_ADDR")
	setString(&c.DBDriver, "CATSYPHON_DB_DRIVER")
	setString(&c.DBDSN, "CATSYPHON_DB_DSN")
	setString(&c.WorkspaceID, "CATSYPHON_WORKSPACE_ID")
	setString(&c.SourceType, "CATSYPHON_SOURCE_TYPE")
	if raw := strings.TrimSpace(os.Getenv("CATSYPHON_WATCH_DIRS")); raw != "" {
		var dirs []string
		for _, dir := range strings.Split(raw, string(os.PathListSeparator)) {
			if dir = strings.TrimSpace(dir); dir != "" {
				dirs = append(dirs, dir)
			}
		}
		c.WatchDirs = dirs
	}
	setDuration(&c.PollInterval, "CATSYPHON_POLL_INTERVAL")
	setDuration(&c.DebounceWindow, "CATSYPHON_DEBOUNCE_WINDOW")
	setInt(&c.ChunkLimit, "CATSYPHON_CHUNK_LIMIT")
	setInt(&c.BackfillWorkers, "CATSYPHON_BACKFILL_WORKERS")
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db_driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("db_dsn must not be empty")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("workspace_id must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("debounce_window must be >= 0")
	}
	if c.ChunkLimit <= 0 {
		return fmt.Errorf("chunk_limit must be > 0")
	}
	if c.BackfillWorkers <= 0 {
		return fmt.Errorf("backfill_workers must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func setDuration(dst *time.Duration, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		*dst = parsed
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		*dst = parsed
	}
}
