// Package config loads Kleis's YAML configuration file and applies
// environment overrides, the way the CLI-proxy lineage this proxy descends
// from loads its SDK config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration, loaded from a YAML file and
// layered with environment overrides (KLEIS_*).
type Config struct {
	// ListenAddr is the address the proxy HTTP server binds to.
	ListenAddr string `yaml:"listen-addr"`

	// LogLevel controls logrus verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log-level"`

	// DatabaseURL is the Postgres DSN backing the repository.
	DatabaseURL string `yaml:"database-url"`

	// AdminToken is the static bearer token guarding /admin/*.
	// Out of scope per spec.md (external secret store) but a runnable module
	// needs somewhere to read it from; this field is that seam.
	AdminToken string `yaml:"admin-token"`

	// PublicBaseURL is this proxy's own externally reachable origin, used to
	// rewrite canonical provider `api` entries in the models registry (§6.2).
	PublicBaseURL string `yaml:"public-base-url"`

	// RequestTimeout bounds the overall proxy request lifecycle.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// UpstreamTimeout bounds a single upstream fetch.
	UpstreamTimeout time.Duration `yaml:"upstream-timeout"`

	// Codex carries Codex OAuth adapter constants that are environment-specific
	// (client id override for local testing against a sandboxed auth.openai.com).
	Codex CodexConfig `yaml:"codex"`

	// Copilot carries the enterprise host override.
	Copilot CopilotConfig `yaml:"copilot"`

	// Claude carries the OAuth mode default.
	Claude ClaudeConfig `yaml:"claude"`
}

// CodexConfig holds Codex-specific overrides.
type CodexConfig struct {
	ClientID string `yaml:"client-id"`
}

// CopilotConfig holds Copilot-specific overrides.
type CopilotConfig struct {
	ClientID        string `yaml:"client-id"`
	EnterpriseHost  string `yaml:"enterprise-host"`
}

// ClaudeConfig holds Claude-specific overrides.
type ClaudeConfig struct {
	ClientID   string `yaml:"client-id"`
	DefaultMode string `yaml:"default-mode"`
}

// Default returns a Config with sane defaults, applied before YAML/env layering.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		RequestTimeout:  60 * time.Second,
		UpstreamTimeout: 55 * time.Second,
		Claude:          ClaudeConfig{DefaultMode: "max"},
		Copilot:         CopilotConfig{EnterpriseHost: "github.com"},
	}
}

// Load reads the .env file (if present), the YAML config at path (if non-empty
// and present), then applies KLEIS_* environment overrides in that order.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("config: no .env file loaded")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: database-url is required")
	}
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("config: admin-token is required")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KLEIS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KLEIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KLEIS_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("KLEIS_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("KLEIS_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("KLEIS_REQUEST_TIMEOUT"); v != "" {
		if d, err := parseDurationSeconds(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
}

func parseDurationSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// WatchReload watches path for changes and invokes onChange with the reloaded
// config whenever the file is written. Errors opening the watcher are logged
// and treated as "reload disabled" rather than fatal, since hot-reload is a
// convenience, not a correctness requirement.
func WatchReload(path string, onChange func(*Config)) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.WithError(err).Warn("config: reload failed, keeping previous config")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
