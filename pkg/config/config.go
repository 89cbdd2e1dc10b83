// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the credential issuer configuration from an optional
// YAML file and CRI_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "CRI"

// Backend names.
const (
	KeyServiceAWS   = "aws"
	KeyServiceLocal = "local"

	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Defaults.
const (
	DefaultListenAddress     = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultSessionTTL        = time.Hour
	DefaultAuthCodeTTL       = 10 * time.Minute
	DefaultAccessTokenTTL    = time.Hour
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 100 * time.Millisecond
	DefaultMetricsPath       = "/metrics"
	DefaultRateLimitBurst    = 50
	DefaultKeyPrefix         = "cri:"
	DefaultSigningKeyID      = "credential-signing"
)

// Config is the root configuration.
type Config struct {
	Debug             bool             `mapstructure:"debug"`
	Issuer            string           `mapstructure:"issuer"`
	Server            ServerConfig     `mapstructure:"server"`
	Session           TTLConfig        `mapstructure:"session"`
	AuthorizationCode TTLConfig        `mapstructure:"authorization_code"`
	AccessToken       TTLConfig        `mapstructure:"access_token"`
	KeyService        KeyServiceConfig `mapstructure:"key_service"`
	Storage           StorageConfig    `mapstructure:"storage"`
	Retry             RetryConfig      `mapstructure:"retry"`
	Metrics           MetricsConfig    `mapstructure:"metrics"`
	Clients           Clients          `mapstructure:"clients"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress     string          `mapstructure:"listen_address"`
	ReadHeaderTimeout time.Duration   `mapstructure:"read_header_timeout"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

// TTLConfig holds a single lifetime.
type TTLConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// KeyServiceConfig selects and configures the remote decryption and signing oracle.
type KeyServiceConfig struct {
	// Backend is "aws" or "local".
	Backend string `mapstructure:"backend"`
	Region  string `mapstructure:"region"`

	// KeyID is the legacy single decryption key, used when rotation is off
	// and as the last resort when legacy fallback is on.
	KeyID string `mapstructure:"key_id"`

	// Aliases are tried in order: primary, secondary, previous.
	Aliases               []string `mapstructure:"aliases"`
	RotationEnabled       bool     `mapstructure:"key_rotation_enabled"`
	LegacyFallbackEnabled bool     `mapstructure:"legacy_fallback_enabled"`

	// SigningKeyID signs issued credentials.
	SigningKeyID string `mapstructure:"signing_key_id"`

	// KeyDir and KeyFiles configure the local backend. KeyFiles maps a key id
	// or alias to a PEM file name relative to KeyDir. An empty KeyDir makes
	// the local backend generate ephemeral keys.
	KeyDir   string            `mapstructure:"key_dir"`
	KeyFiles map[string]string `mapstructure:"key_files"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RateLimitConfig bounds the API request rate. Zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig describes a Sentinel-managed Redis deployment with ACL auth.
type RedisConfig struct {
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
	DB            int      `mapstructure:"db"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

// RetryConfig configures the retry policy wrapped around store and key service calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Exponential bool          `mapstructure:"exponential"`
}

// MetricsConfig toggles the Prometheus endpoint and optional OTLP push.
type MetricsConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Path    string     `mapstructure:"path"`
	OTLP    OTLPConfig `mapstructure:"otlp"`
}

// OTLPConfig points metrics at an OTLP/HTTP collector. Empty Endpoint disables it.
type OTLPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Insecure bool              `mapstructure:"insecure"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Load reads configuration into v from path (if non-empty) and the
// environment, then decodes and validates it.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("issuer", "")
	v.SetDefault("server.listen_address", DefaultListenAddress)
	v.SetDefault("server.read_header_timeout", DefaultReadHeaderTimeout)
	v.SetDefault("session.ttl", DefaultSessionTTL)
	v.SetDefault("authorization_code.ttl", DefaultAuthCodeTTL)
	v.SetDefault("access_token.ttl", DefaultAccessTokenTTL)

	v.SetDefault("key_service.backend", KeyServiceLocal)
	v.SetDefault("key_service.region", "")
	v.SetDefault("key_service.key_id", "")
	v.SetDefault("key_service.aliases", []string{})
	v.SetDefault("key_service.key_rotation_enabled", false)
	v.SetDefault("key_service.legacy_fallback_enabled", false)
	v.SetDefault("key_service.signing_key_id", DefaultSigningKeyID)
	v.SetDefault("key_service.key_dir", "")

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.key_prefix", DefaultKeyPrefix)
	v.SetDefault("storage.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("storage.redis.master_name", "")
	v.SetDefault("storage.redis.sentinel_addrs", []string{})
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")

	v.SetDefault("retry.max_attempts", DefaultRetryAttempts)
	v.SetDefault("retry.delay", DefaultRetryDelay)
	v.SetDefault("retry.exponential", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", DefaultMetricsPath)
	v.SetDefault("metrics.otlp.endpoint", "")
	v.SetDefault("metrics.otlp.insecure", false)

	v.SetDefault("server.rate_limit.requests_per_second", 0.0)
	v.SetDefault("server.rate_limit.burst", DefaultRateLimitBurst)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.AuthorizationCode.TTL <= 0 {
		return errors.New("authorization code ttl must be positive")
	}
	if c.AccessToken.TTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	if err := c.KeyService.validate(); err != nil {
		return fmt.Errorf("key_service: %w", err)
	}
	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate limit requests per second must not be negative")
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst < 1 {
		return errors.New("rate limit burst must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max attempts must be at least 1")
	}
	seen := make(map[string]struct{}, len(c.Clients))
	for i, client := range c.Clients {
		if err := client.validate(); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		if _, dup := seen[client.ClientID]; dup {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, client.ClientID)
		}
		seen[client.ClientID] = struct{}{}
	}
	return nil
}

func (k *KeyServiceConfig) validate() error {
	switch k.Backend {
	case KeyServiceAWS:
		if k.Region == "" {
			return errors.New("region is required for the aws backend")
		}
	case KeyServiceLocal:
	default:
		return fmt.Errorf("unknown backend %q", k.Backend)
	}
	if k.RotationEnabled {
		if len(k.Aliases) == 0 {
			return errors.New("key rotation requires at least one alias")
		}
		if k.LegacyFallbackEnabled && k.KeyID == "" {
			return errors.New("legacy fallback requires key_id")
		}
	} else if k.KeyID == "" {
		return errors.New("key_id is required when key rotation is disabled")
	}
	if k.SigningKeyID == "" {
		return errors.New("signing_key_id is required")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Backend {
	case StorageMemory:
		return nil
	case StorageRedis:
		if s.Redis.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(s.Redis.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		if s.KeyPrefix == "" {
			return errors.New("key prefix is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
}
