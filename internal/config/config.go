// Package config loads the server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `toml:"listen_addr"`
	// QUICAddr, when set, also serves the protocol over QUIC streams.
	QUICAddr string `toml:"quic_addr"`

	KeyFile  string `toml:"key_file"`
	LogLevel string `toml:"log_level"`

	// AllowUnauthenticated passes session-less requests through with the
	// reserved "unknown" identity. Defaults to false and should stay
	// false unless anonymous free-tier access is deliberate.
	AllowUnauthenticated bool `toml:"allow_unauthenticated"`

	SessionIdleTimeout duration `toml:"session_idle_timeout"`
	NonceRetention     duration `toml:"nonce_retention"`

	// DefaultPriceSatoshis applies to any route not listed in Prices.
	DefaultPriceSatoshis uint64 `toml:"default_price_satoshis"`
	// Prices maps "METHOD /path" resource identifiers to satoshi prices.
	// A zero price marks a route free.
	Prices map[string]uint64 `toml:"prices"`
}

// duration lets TOML carry values like "90s" or "1h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		KeyFile:            "peergate.key",
		LogLevel:           "info",
		SessionIdleTimeout: duration(time.Hour),
		NonceRetention:     duration(24 * time.Hour),
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NonceRetention.Std() < cfg.SessionIdleTimeout.Std() {
		return Config{}, fmt.Errorf("nonce_retention must not be shorter than session_idle_timeout")
	}
	return cfg, nil
}

// Price resolves the price for a resource identifier.
func (c Config) Price(resourceID string) uint64 {
	if p, ok := c.Prices[resourceID]; ok {
		return p
	}
	return c.DefaultPriceSatoshis
}

// IdleTimeout returns the configured session idle timeout.
func (c Config) IdleTimeout() time.Duration {
	return c.SessionIdleTimeout.Std()
}

// Retention returns the configured nonce retention window.
func (c Config) Retention() time.Duration {
	return c.NonceRetention.Std()
}
