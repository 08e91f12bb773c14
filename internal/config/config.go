// Package config loads the runtime configuration for the verification
// service. Values come from HUMANCHECK_* environment variables, optionally
// layered on top of a TOML file named by HUMANCHECK_CONFIG. Configuration is
// read once at startup and treated as read-only afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvConfigFile     = "HUMANCHECK_CONFIG"
	EnvSecret         = "HUMANCHECK_SECRET"
	EnvListenAddr     = "HUMANCHECK_LISTEN_ADDR"
	EnvRedisURL       = "HUMANCHECK_REDIS_URL"
	EnvLegacyRedisURL = "REDIS_URL"
	EnvNonceTTL       = "HUMANCHECK_NONCE_TTL"
	EnvMaxClockSkew   = "HUMANCHECK_MAX_CLOCK_SKEW"
	EnvScoreThreshold = "HUMANCHECK_SCORE_THRESHOLD"
	EnvRateWindow     = "HUMANCHECK_RATE_WINDOW"
	EnvNonceLimit     = "HUMANCHECK_NONCE_LIMIT"
	EnvVerifyLimit    = "HUMANCHECK_VERIFY_LIMIT"
	EnvAbuseWindow    = "HUMANCHECK_ABUSE_WINDOW"
	EnvAbuseThreshold = "HUMANCHECK_ABUSE_THRESHOLD"
	EnvBanDuration    = "HUMANCHECK_BAN_DURATION"
	EnvSweepInterval  = "HUMANCHECK_SWEEP_INTERVAL"
)

// Config holds every tunable the verification core consumes.
type Config struct {
	Secret     string `toml:"secret"`
	ListenAddr string `toml:"listen_addr"`
	RedisURL   string `toml:"redis_url"`

	NonceTTL       time.Duration `toml:"nonce_ttl"`
	MaxClockSkew   time.Duration `toml:"max_clock_skew"`
	ScoreThreshold float64       `toml:"score_threshold"`

	RateWindow  time.Duration `toml:"rate_window"`
	NonceLimit  int           `toml:"nonce_limit"`
	VerifyLimit int           `toml:"verify_limit"`

	AbuseWindow    time.Duration `toml:"abuse_window"`
	AbuseThreshold int           `toml:"abuse_threshold"`
	BanDuration    time.Duration `toml:"ban_duration"`

	SweepInterval time.Duration `toml:"sweep_interval"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Secret:         "",
		ListenAddr:     ":3000",
		NonceTTL:       5 * time.Minute,
		MaxClockSkew:   2 * time.Minute,
		ScoreThreshold: 0.5,
		RateWindow:     time.Minute,
		NonceLimit:     30,
		VerifyLimit:    20,
		AbuseWindow:    10 * time.Minute,
		AbuseThreshold: 5,
		BanDuration:    30 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// Load builds the configuration: defaults, then the optional TOML file,
// then environment variables on top.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.Secret = envOrDefault(EnvSecret, cfg.Secret)
	cfg.ListenAddr = envOrDefault(EnvListenAddr, cfg.ListenAddr)
	cfg.RedisURL = envOrDefault(EnvRedisURL, envOrDefault(EnvLegacyRedisURL, cfg.RedisURL))

	var err error
	if cfg.NonceTTL, err = durationEnvOrDefault(EnvNonceTTL, cfg.NonceTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxClockSkew, err = durationEnvOrDefault(EnvMaxClockSkew, cfg.MaxClockSkew); err != nil {
		return Config{}, err
	}
	if cfg.ScoreThreshold, err = floatEnvOrDefault(EnvScoreThreshold, cfg.ScoreThreshold); err != nil {
		return Config{}, err
	}
	if cfg.RateWindow, err = durationEnvOrDefault(EnvRateWindow, cfg.RateWindow); err != nil {
		return Config{}, err
	}
	if cfg.NonceLimit, err = intEnvOrDefault(EnvNonceLimit, cfg.NonceLimit); err != nil {
		return Config{}, err
	}
	if cfg.VerifyLimit, err = intEnvOrDefault(EnvVerifyLimit, cfg.VerifyLimit); err != nil {
		return Config{}, err
	}
	if cfg.AbuseWindow, err = durationEnvOrDefault(EnvAbuseWindow, cfg.AbuseWindow); err != nil {
		return Config{}, err
	}
	if cfg.AbuseThreshold, err = intEnvOrDefault(EnvAbuseThreshold, cfg.AbuseThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BanDuration, err = durationEnvOrDefault(EnvBanDuration, cfg.BanDuration); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnvOrDefault(EnvSweepInterval, cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("%s must be set", EnvSecret)
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("nonce TTL must be positive, got %s", c.NonceTTL)
	}
	if c.MaxClockSkew < 0 {
		return fmt.Errorf("max clock skew must not be negative, got %s", c.MaxClockSkew)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be in [0,1], got %g", c.ScoreThreshold)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.RateWindow)
	}
	if c.NonceLimit <= 0 || c.VerifyLimit <= 0 {
		return fmt.Errorf("rate limits must be positive, got nonce=%d verify=%d", c.NonceLimit, c.VerifyLimit)
	}
	if c.AbuseWindow <= 0 || c.AbuseThreshold <= 0 || c.BanDuration <= 0 {
		return fmt.Errorf("abuse window/threshold/ban must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnvOrDefault(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnvOrDefault(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func durationEnvOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
