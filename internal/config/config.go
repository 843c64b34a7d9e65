package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pldconsole/pldconsole/internal/model"
)

// Default refresh intervals of the built-in monitoring views.
var DefaultViewIntervals = map[string]time.Duration{
	"server-health": 10 * time.Second,
	"queue":         5 * time.Second,
	"workers":       8 * time.Second,
	"search-log":    10 * time.Second,
}

// Config is the top-level configuration for pldconsole.
type Config struct {
	Listen       ListenConfig        `yaml:"listen"`
	Backend      BackendConfig       `yaml:"backend"`
	Session      SessionConfig       `yaml:"session"`
	Store        StoreConfig         `yaml:"store"`
	Jobs         JobsConfig          `yaml:"jobs"`
	Monitor      MonitorConfig       `yaml:"monitor"`
	HealthCheck  HealthCheckConfig   `yaml:"health_check"`
	Logging      LoggingConfig       `yaml:"logging"`
	Environments []model.Environment `yaml:"environments"`
}

// ListenConfig defines where the console API listens.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// BackendConfig locates the PLD backend API.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// AuthToken is a pre-issued bearer token. When empty and Username is
	// set, the console logs in at startup.
	AuthToken string `yaml:"auth_token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// SessionConfig controls the configuration session.
type SessionConfig struct {
	// ID pins the session context. When empty an id is generated once and
	// kept next to the store.
	ID             string        `yaml:"id"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	DescriptorPath string        `yaml:"descriptor_path"`
}

// StoreConfig selects where the session is persisted.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Secret seals the stored password. Without it the password is not kept.
	Secret string `yaml:"secret"`
}

// JobsConfig controls job status synchronization.
type JobsConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	DisableStream bool          `yaml:"disable_stream"`
}

// MonitorConfig controls the monitoring dashboards.
type MonitorConfig struct {
	AutoStart bool                     `yaml:"auto_start"`
	Intervals map[string]time.Duration `yaml:"intervals"`
}

// HealthCheckConfig controls the periodic backend session re-check.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ExpireThreshold   int           `yaml:"expire_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// Redacted returns a copy of the BackendConfig with secrets masked.
func (b BackendConfig) Redacted() BackendConfig {
	c := b
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	if c.AuthToken != "" {
		c.AuthToken = "***REDACTED***"
	}
	return c
}

// Interval returns the refresh interval of a monitoring view.
func (m MonitorConfig) Interval(view string) time.Duration {
	if d, ok := m.Intervals[view]; ok && d > 0 {
		return d
	}
	return DefaultViewIntervals[view]
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30 * time.Second
	}
	if cfg.Session.CloseTimeout == 0 {
		cfg.Session.CloseTimeout = 5 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case "sqlite":
			cfg.Store.Path = "data/pldconsole.db"
		case "file":
			cfg.Store.Path = "data/sessions"
		}
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 2 * time.Second
	}
	if cfg.Monitor.Intervals == nil {
		cfg.Monitor.Intervals = make(map[string]time.Duration)
	}
	for view, d := range DefaultViewIntervals {
		if cfg.Monitor.Intervals[view] == 0 {
			cfg.Monitor.Intervals[view] = d
		}
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 30 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ExpireThreshold == 0 {
		cfg.HealthCheck.ExpireThreshold = 2 * cfg.HealthCheck.FailureThreshold
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

func validate(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend: url is required")
	}
	u, err := url.Parse(cfg.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend: url %q must be an absolute http(s) URL", cfg.Backend.URL)
	}
	if cfg.Backend.Password != "" && cfg.Backend.Username == "" {
		return fmt.Errorf("backend: username is required when password is set")
	}

	switch cfg.Store.Driver {
	case "", "file", "sqlite", "memory":
	default:
		return fmt.Errorf("store: unsupported driver %q (must be file, sqlite or memory)", cfg.Store.Driver)
	}

	// Zero durations and thresholds take their defaults.
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"backend: timeout", cfg.Backend.Timeout},
		{"session: close_timeout", cfg.Session.CloseTimeout},
		{"jobs: poll_interval", cfg.Jobs.PollInterval},
		{"health_check: interval", cfg.HealthCheck.Interval},
		{"health_check: connection_timeout", cfg.HealthCheck.ConnectionTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if cfg.HealthCheck.FailureThreshold < 0 {
		return fmt.Errorf("health_check: failure_threshold must be positive")
	}
	if cfg.HealthCheck.ExpireThreshold < 0 {
		return fmt.Errorf("health_check: expire_threshold must be positive")
	}
	for view, d := range cfg.Monitor.Intervals {
		if _, ok := DefaultViewIntervals[view]; !ok {
			return fmt.Errorf("monitor: unknown view %q", view)
		}
		if d < 0 {
			return fmt.Errorf("monitor: interval of %q must be positive", view)
		}
	}
	if cfg.HealthCheck.ExpireThreshold != 0 && cfg.HealthCheck.ExpireThreshold < cfg.HealthCheck.FailureThreshold {
		return fmt.Errorf("health_check: expire_threshold must not be below failure_threshold")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unsupported level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging: unsupported format %q", cfg.Logging.Format)
	}

	seen := make(map[string]bool)
	for i, env := range cfg.Environments {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("environments[%d]: %w", i, err)
		}
		if seen[env.ID] {
			return fmt.Errorf("environments: duplicate id %q", env.ID)
		}
		seen[env.ID] = true
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher. Safe to call multiple times.
func (cw *Watcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		err = cw.watcher.Close()
	})
	return err
}
