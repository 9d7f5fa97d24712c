// Package config loads attendd's configuration with the teacher's layered
// priority: defaults -> TOML file(s) -> environment variables -> CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the embedded storage engine's settings.
type StorageConfig struct {
	BadgerPath string `toml:"badger_path"`
}

// ChainConfig holds baton-chain timing. chainengine does not read
// SeedTTLSeconds or StallSeconds; it uses its fixed 20-second baton TTL
// and 90-second stall age.
type ChainConfig struct {
	SeedTTLSeconds int `toml:"seed_ttl_seconds"` // TTL of CHAIN/EXIT_CHAIN baton tokens (not wired)
	StallSeconds   int `toml:"stall_seconds"`    // age after which an ACTIVE chain is STALLED (not wired)
	TickerSeconds  int `toml:"ticker_seconds"`   // background stall-detector tick
}

// RotatingTokenConfig holds LATE_ENTRY/EARLY_LEAVE token timing. Only
// CacheTTLSeconds is read; engine mints rotating tokens with its fixed
// 60-second TTL and does not read TTLSeconds.
type RotatingTokenConfig struct {
	TTLSeconds      int `toml:"ttl_seconds"`
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
}

// RateLimitConfig controls the anti-cheat sliding-window limiter.
type RateLimitConfig struct {
	DeviceMax           int `toml:"device_max"`
	DeviceWindowSeconds int `toml:"device_window_seconds"`
	IPMax               int `toml:"ip_max"`
	IPWindowSeconds     int `toml:"ip_window_seconds"`
}

// AuthConfig controls email-domain-based role derivation.
type AuthConfig struct {
	StudentDomain string `toml:"student_domain"`
	TeacherDomain string `toml:"teacher_domain"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// SessionConfig holds session-record defaults and caching. Only
// CacheTTLSeconds is read; session.Create applies its own 10-minute
// default exit window and does not read ExitWindowMinutes.
type SessionConfig struct {
	ExitWindowMinutes int `toml:"exit_window_minutes"`
	CacheTTLSeconds   int `toml:"cache_ttl_seconds"`
}

// Config is the root configuration object.
type Config struct {
	Environment   string              `toml:"environment"`
	Server        ServerConfig        `toml:"server"`
	Storage       StorageConfig       `toml:"storage"`
	Chain         ChainConfig         `toml:"chain"`
	RotatingToken RotatingTokenConfig `toml:"rotating_token"`
	RateLimit     RateLimitConfig     `toml:"rate_limit"`
	Auth          AuthConfig          `toml:"auth"`
	Session       SessionConfig       `toml:"session"`
	Logging       LoggingConfig       `toml:"logging"`
}

// IsDevMode returns true when the environment is "dev" (case-insensitive,
// trimmed), after alias normalization.
func (c *Config) IsDevMode() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "dev"
}

func normalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development":
		return "dev"
	case "production":
		return "prod"
	default:
		return env
	}
}

// NewDefaultConfig returns a Config populated with the spec's documented
// defaults (exit window 10m, rotating-token TTL 60s / cache TTL 55s,
// chain baton TTL 20s, stall threshold 90s, 10s ticker, device limit
// 10/60s, IP limit 50/60s).
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "prod",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			BadgerPath: "data/attendd.badger",
		},
		Chain: ChainConfig{
			SeedTTLSeconds: 20,
			StallSeconds:   90,
			TickerSeconds:  10,
		},
		RotatingToken: RotatingTokenConfig{
			TTLSeconds:      60,
			CacheTTLSeconds: 55,
		},
		RateLimit: RateLimitConfig{
			DeviceMax:           10,
			DeviceWindowSeconds: 60,
			IPMax:               50,
			IPWindowSeconds:     60,
		},
		Auth: AuthConfig{
			StudentDomain: "stu.edu.hk",
			TeacherDomain: "vtc.edu.hk",
		},
		Session: SessionConfig{
			ExitWindowMinutes: 10,
			CacheTTLSeconds:   60,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Outputs:  []string{"console", "file"},
			FilePath: "logs/attendd.log",
		},
	}
}

// LoadFromFile loads config with a single optional file path.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles merges zero or more TOML files over the defaults, in
// order, then applies ATTEND_* environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Environment = normalizeEnvironment(cfg.Environment)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("ATTEND_ENV"); env != "" {
		cfg.Environment = env
	}
	if port := os.Getenv("ATTEND_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if host := os.Getenv("ATTEND_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if level := os.Getenv("ATTEND_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if path := os.Getenv("ATTEND_BADGER_PATH"); path != "" {
		cfg.Storage.BadgerPath = path
	}
	if dom := os.Getenv("ATTEND_STUDENT_DOMAIN"); dom != "" {
		cfg.Auth.StudentDomain = dom
	}
	if dom := os.Getenv("ATTEND_TEACHER_DOMAIN"); dom != "" {
		cfg.Auth.TeacherDomain = dom
	}
}

// ApplyFlagOverrides applies command-line flag overrides, highest priority.
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port > 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// Validate reports issues with mandatory configuration, mirroring the
// teacher's "list of human-readable issues" convention.
func (c *Config) Validate() []string {
	var issues []string
	if c.Server.Port <= 0 {
		issues = append(issues, "server.port must be a positive integer")
	}
	if c.Storage.BadgerPath == "" {
		issues = append(issues, "storage.badger_path must be set")
	}
	if c.Auth.StudentDomain == "" {
		issues = append(issues, "auth.student_domain must be set")
	}
	if c.Auth.TeacherDomain == "" {
		issues = append(issues, "auth.teacher_domain must be set")
	}
	if c.Chain.SeedTTLSeconds <= 0 {
		issues = append(issues, "chain.seed_ttl_seconds must be positive")
	}
	if c.RotatingToken.TTLSeconds <= 0 {
		issues = append(issues, "rotating_token.ttl_seconds must be positive")
	}
	if c.RotatingToken.CacheTTLSeconds >= c.RotatingToken.TTLSeconds {
		issues = append(issues, "rotating_token.cache_ttl_seconds must be strictly less than rotating_token.ttl_seconds")
	}
	return issues
}
