// Package config is the gateway's Config Store (spec §4.2): a typed,
// layered configuration tree (defaults -> config file -> environment
// overrides) with a dotted-path accessor and a change-notification
// watcher, validated fail-fast at load so a misconfigured deployment
// never starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment mirrors the teacher's development/testing/production
// three-way split.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// APIGatewayConfig is the top-level "api_gateway" section.
type APIGatewayConfig struct {
	Host        string `yaml:"host" env:"GATEWAY_HOST" default:"0.0.0.0"`
	Port        int    `yaml:"port" env:"GATEWAY_PORT" default:"8443"`
	TLSEnabled  bool   `yaml:"tls_enabled" env:"GATEWAY_TLS_ENABLED" default:"false"`
	TLSCertFile string `yaml:"tls_cert_file" env:"GATEWAY_TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"GATEWAY_TLS_KEY_FILE"`
	IPCSocket   string `yaml:"ipc_socket" env:"GATEWAY_IPC_SOCKET" default:"/run/aico/gateway.sock"`
}

// PluginConfig is one entry of the "plugins" section: enable flag plus
// free-form params, kept narrow rather than a map[string]any blob —
// each plugin reads only the params keys it declares.
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Params  map[string]any `yaml:"params"`
}

// RateLimitingConfig is nested under "api_gateway.rate_limiting" in the
// dotted-path namespace even though it lives in its own section below,
// matching the literal dotted-path example in spec §4.2.
type RateLimitingConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" env:"RATE_LIMIT_RPM" default:"100"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST" default:"20"`
}

// SecurityConfig is the "security" section.
type SecurityConfig struct {
	JWTSigningKey       string        `yaml:"jwt_signing_key" env:"JWT_SIGNING_KEY"`
	AccessTokenTTL      time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL     time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" default:"168h"`
	ProactiveRefresh    time.Duration `yaml:"proactive_refresh_window" env:"PROACTIVE_REFRESH_WINDOW" default:"2m"`
	ClockSkewTolerance  time.Duration `yaml:"clock_skew_tolerance" env:"CLOCK_SKEW_TOLERANCE" default:"60s"`
	SessionIdleTimeout  time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionAbsoluteTTL  time.Duration `yaml:"session_absolute_ttl" env:"SESSION_ABSOLUTE_TTL" default:"24h"`
	DecryptFailureLimit int           `yaml:"decrypt_failure_limit" env:"DECRYPT_FAILURE_LIMIT" default:"5"`
	NonceReplayWindow   int           `yaml:"nonce_replay_window" env:"NONCE_REPLAY_WINDOW" default:"0"`
}

// DatabaseConfig is the "database" section, covering the encrypted log
// store's connection and durability knobs from spec §6.
type DatabaseConfig struct {
	DSN                 string        `yaml:"dsn" env:"LOGSTORE_DSN"`
	CryptoKeyHex        string        `yaml:"crypto_key_hex" env:"LOGSTORE_CRYPTO_KEY"`
	WALEnabled          bool          `yaml:"wal_enabled" env:"LOGSTORE_WAL_ENABLED" default:"true"`
	SynchronousFull     bool          `yaml:"synchronous_full" env:"LOGSTORE_SYNCHRONOUS_FULL" default:"true"`
	AutoCheckpointPages int           `yaml:"auto_checkpoint_pages" env:"LOGSTORE_AUTO_CHECKPOINT_PAGES" default:"1000"`
	BatchSize           int           `yaml:"batch_size" env:"LOGSTORE_BATCH_SIZE" default:"200"`
	FlushInterval       time.Duration `yaml:"flush_interval" env:"LOGSTORE_FLUSH_INTERVAL" default:"2s"`
}

// LoggingConfig is the "logging" section.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"text"`
}

// Config is the full gateway configuration tree.
type Config struct {
	Env        Environment             `yaml:"-"`
	APIGateway APIGatewayConfig        `yaml:"api_gateway"`
	RateLimit  RateLimitingConfig      `yaml:"-"`
	Plugins    map[string]PluginConfig `yaml:"plugins"`
	Security   SecurityConfig          `yaml:"security"`
	Database   DatabaseConfig          `yaml:"database"`
	Logging    LoggingConfig           `yaml:"logging"`

	path string // source file, for the watcher
}

// Default returns the hard-coded defaults layer, matching every
// `default:` struct tag above so Get() has a sane answer even absent a
// file or env override.
func Default() *Config {
	return &Config{
		Env: Development,
		APIGateway: APIGatewayConfig{
			Host:      "0.0.0.0",
			Port:      8443,
			IPCSocket: "/run/aico/gateway.sock",
		},
		RateLimit: RateLimitingConfig{RequestsPerMinute: 100, Burst: 20},
		Plugins:   map[string]PluginConfig{},
		Security: SecurityConfig{
			AccessTokenTTL:      15 * time.Minute,
			RefreshTokenTTL:     168 * time.Hour,
			ProactiveRefresh:    2 * time.Minute,
			ClockSkewTolerance:  60 * time.Second,
			SessionIdleTimeout:  30 * time.Minute,
			SessionAbsoluteTTL:  24 * time.Hour,
			DecryptFailureLimit: 5,
		},
		Database: DatabaseConfig{
			WALEnabled:          true,
			SynchronousFull:     true,
			AutoCheckpointPages: 1000,
			BatchSize:           200,
			FlushInterval:       2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config the same way the teacher's two config layers
// combine: defaults, then an optional YAML file (CONFIG_FILE env var or
// "configs/gateway.yaml"), then environment-variable overrides, then
// validation. Any step that fails to parse returns an error naming the
// offending field so startup aborts with a specific cause (spec §7
// fail-fast startup).
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	envStr := os.Getenv("AICO_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	cfg := Default()
	cfg.Env = Environment(envStr)

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "configs/gateway.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.path = path
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enumerates every configuration problem before returning, so
// a misconfigured deployment gets one actionable error instead of a
// fix-one-rerun loop.
func (c *Config) Validate() error {
	var problems []string

	if c.Env == Production {
		if c.Security.JWTSigningKey == "" {
			problems = append(problems, "security.jwt_signing_key is required in production")
		}
		if c.Security.JWTSigningKey != "" && len(c.Security.JWTSigningKey) < 32 {
			problems = append(problems, "security.jwt_signing_key must be at least 32 bytes in production")
		}
		if !c.APIGateway.TLSEnabled {
			problems = append(problems, "api_gateway.tls_enabled must be true in production")
		}
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required in production")
		}
	}
	if c.APIGateway.Port < 1 || c.APIGateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("api_gateway.port out of range: %d", c.APIGateway.Port))
	}
	if c.Security.AccessTokenTTL <= 0 {
		problems = append(problems, "security.access_token_ttl must be positive")
	}
	if c.Security.RefreshTokenTTL <= c.Security.AccessTokenTTL {
		problems = append(problems, "security.refresh_token_ttl must exceed access_token_ttl")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		problems = append(problems, "api_gateway.rate_limiting.requests_per_minute must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %d problem(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}

// Get resolves a dotted path like "api_gateway.rate_limiting.requests_per_minute"
// against the typed tree. It returns (nil, false) for unknown paths
// rather than panicking, since callers decide whether a miss is fatal.
func (c *Config) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "api_gateway":
		if len(parts) == 1 {
			return c.APIGateway, true
		}
		if parts[1] == "rate_limiting" {
			return getField(c.RateLimit, parts[2:])
		}
		return getField(c.APIGateway, parts[1:])
	case "security":
		return getField(c.Security, parts[1:])
	case "database":
		return getField(c.Database, parts[1:])
	case "logging":
		return getField(c.Logging, parts[1:])
	case "plugins":
		if len(parts) >= 2 {
			pc, ok := c.Plugins[parts[1]]
			return pc, ok
		}
		return c.Plugins, true
	}
	return nil, false
}

// getField does a one-level lookup by snake_case field name, explicit
// rather than reflection-based mapping: it only ever resolves the leaf
// of a known section struct, never an arbitrary nested path, keeping
// dotted-path semantics deterministic.
func getField(section any, rest []string) (any, bool) {
	if len(rest) == 0 {
		return section, true
	}
	name := rest[0]
	switch s := section.(type) {
	case APIGatewayConfig:
		switch name {
		case "host":
			return s.Host, true
		case "port":
			return s.Port, true
		case "tls_enabled":
			return s.TLSEnabled, true
		case "ipc_socket":
			return s.IPCSocket, true
		}
	case RateLimitingConfig:
		switch name {
		case "requests_per_minute":
			return s.RequestsPerMinute, true
		case "burst":
			return s.Burst, true
		}
	case SecurityConfig:
		switch name {
		case "access_token_ttl":
			return s.AccessTokenTTL, true
		case "refresh_token_ttl":
			return s.RefreshTokenTTL, true
		case "proactive_refresh_window":
			return s.ProactiveRefresh, true
		case "clock_skew_tolerance":
			return s.ClockSkewTolerance, true
		case "session_idle_timeout":
			return s.SessionIdleTimeout, true
		case "session_absolute_ttl":
			return s.SessionAbsoluteTTL, true
		case "decrypt_failure_limit":
			return s.DecryptFailureLimit, true
		case "nonce_replay_window":
			return s.NonceReplayWindow, true
		}
	case DatabaseConfig:
		switch name {
		case "dsn":
			return s.DSN, true
		case "wal_enabled":
			return s.WALEnabled, true
		case "synchronous_full":
			return s.SynchronousFull, true
		case "auto_checkpoint_pages":
			return s.AutoCheckpointPages, true
		case "batch_size":
			return s.BatchSize, true
		case "flush_interval":
			return s.FlushInterval, true
		}
	case LoggingConfig:
		switch name {
		case "level":
			return s.Level, true
		case "format":
			return s.Format, true
		}
	}
	return nil, false
}

// IsProduction reports whether this config is a production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Watcher polls the config file's modification time and notifies
// subscribers on change. A polling stat-diff is used instead of
// fsnotify: no repo in the retrieved example corpus imports fsnotify
// directly (see DESIGN.md), so this avoids an ungrounded dependency.
type Watcher struct {
	path     string
	interval time.Duration
	mu       sync.Mutex
	lastMod  time.Time
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher starts watching cfg's source file, if any. Calling NewWatcher
// on a Config loaded without a file is a no-op: Changed() never fires.
func NewWatcher(cfg *Config, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{
		path:     cfg.path,
		interval: interval,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if w.path != "" {
		if fi, err := os.Stat(w.path); err == nil {
			w.lastMod = fi.ModTime()
		}
		go w.loop()
	}
	return w
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := fi.ModTime().After(w.lastMod)
			if changed {
				w.lastMod = fi.ModTime()
			}
			w.mu.Unlock()
			if changed {
				select {
				case w.notify <- struct{}{}:
				default:
				}
			}
		case <-w.stop:
			return
		}
	}
}

// Changed returns a channel that receives a value each time the config
// file's modification time advances. Subscribers re-read Config under
// their own locks, per spec §4.2.
func (w *Watcher) Changed() <-chan struct{} { return w.notify }

// Stop ends the polling loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
