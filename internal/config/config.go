package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvBackendURL = "DEVICEBENCH_BACKEND_URL"
	EnvDBPath     = "DEVICEBENCH_DB"
	EnvLogLevel   = "DEVICEBENCH_LOG_LEVEL"
)

type Config struct {
	BackendURL     string
	DBPath         string
	HistoryEnabled bool
	// ScreenshotDir, when set, keeps screenshot bytes as files instead of in memory.
	ScreenshotDir string
	// RequestTimeout of zero means requests wait until the backend answers.
	RequestTimeout time.Duration
	LogLevel       string
}

func DefaultConfig() Config {
	return Config{
		BackendURL:     "http://127.0.0.1:8000",
		DBPath:         defaultDBPath(),
		HistoryEnabled: true,
		LogLevel:       "info",
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "devicebench.db"
	}
	return filepath.Join(home, ".local", "state", "devicebench", "history.db")
}

type fileConfig struct {
	BackendURL     *string        `yaml:"backend_url"`
	DBPath         *string        `yaml:"db_path"`
	History        *bool          `yaml:"history"`
	ScreenshotDir  *string        `yaml:"screenshot_dir"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`
	LogLevel       *string        `yaml:"log_level"`
}

// Load returns the defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.overlay(raw); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) overlay(raw []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if fc.BackendURL != nil {
		c.BackendURL = *fc.BackendURL
	}
	if fc.DBPath != nil {
		c.DBPath = expandHome(*fc.DBPath)
	}
	if fc.History != nil {
		c.HistoryEnabled = *fc.History
	}
	if fc.ScreenshotDir != nil {
		c.ScreenshotDir = expandHome(*fc.ScreenshotDir)
	}
	if fc.RequestTimeout != nil {
		c.RequestTimeout = *fc.RequestTimeout
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	return nil
}

// ApplyEnv overlays the DEVICEBENCH_* variables that are set and non-empty.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		c.BackendURL = v
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.DBPath = expandHome(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend url %q: scheme must be http or https", c.BackendURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend url %q: host is required", c.BackendURL)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q: want debug, info, warn or error", c.LogLevel)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout %s: must not be negative", c.RequestTimeout)
	}
	if c.HistoryEnabled && c.DBPath == "" {
		return errors.New("db path is required when history is enabled")
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
