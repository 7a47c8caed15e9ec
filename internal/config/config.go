package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"secure_exchange/internal/model"

	"gopkg.in/yaml.v3"
)

type (
	ServerConfig struct {
		Listen   string         `yaml:"listen"`
		LogLevel string         `yaml:"logLevel"`
		Storage  StorageConfig  `yaml:"storage"`
		Mongo    MongoConfig    `yaml:"mongo"`
		Redis    RedisConfig    `yaml:"redis"`
		Relay    RelayConfig    `yaml:"relay"`
		Replay   ReplayConfig   `yaml:"replay"`
		Limits   LimitsConfig   `yaml:"limits"`
		Notifier NotifierConfig `yaml:"notifier"`
	}

	StorageConfig struct {
		// Driver is "mongo" or "memory".
		Driver string `yaml:"driver"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	RelayConfig struct {
		EnvelopeTTL      time.Duration `yaml:"envelopeTTL"`
		PurgeAfter       time.Duration `yaml:"purgeAfter"`
		SweepInterval    time.Duration `yaml:"sweepInterval"`
		AllowSignerSplit bool          `yaml:"allowSignerSplit"`
		MaxPendingLimit  int           `yaml:"maxPendingLimit"`
	}

	ReplayConfig struct {
		Window   time.Duration `yaml:"window"`
		NonceTTL time.Duration `yaml:"nonceTTL"`
	}

	LimitsConfig struct {
		SendRPS   float64 `yaml:"sendRPS"`
		SendBurst int     `yaml:"sendBurst"`
	}

	NotifierConfig struct {
		// Kind is "local" (in-process hub) or "redis" (pub/sub across relay instances).
		Kind    string `yaml:"kind"`
		Channel string `yaml:"channel"`
	}

	ClientConfig struct {
		RelayURL      string               `yaml:"relayURL"`
		Keystore      string               `yaml:"keystore"`
		LogLevel      string               `yaml:"logLevel"`
		Redis         RedisConfig          `yaml:"redis"`
		Mongo         MongoConfig          `yaml:"mongo"`
		PubKeyTTL     time.Duration        `yaml:"pubKeyTTL"`
		RetryMaxTime  time.Duration        `yaml:"retryMaxTime"`
		Replay        ReplayConfig         `yaml:"replay"`
		KeyRetention  time.Duration        `yaml:"keyRetention"`
		ResyncCooling time.Duration        `yaml:"resyncCooldown"`
		Contacts      []model.Relationship `yaml:"contacts"`
		Groups        map[string][]string  `yaml:"groups"`
		// Distributors pins a received group id to the address allowed to share its key.
		Distributors  map[string]string    `yaml:"distributors"`
	}
)

func DefaultServer() ServerConfig {
	return ServerConfig{
		Listen:   "localhost:9090",
		LogLevel: "info",
		Storage:  StorageConfig{Driver: "mongo"},
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Database: "secure_exchange"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Relay: RelayConfig{
			EnvelopeTTL:     7 * 24 * time.Hour,
			PurgeAfter:      24 * time.Hour,
			SweepInterval:   time.Minute,
			MaxPendingLimit: 200,
		},
		Replay:   ReplayConfig{Window: 5 * time.Minute, NonceTTL: time.Hour},
		Limits:   LimitsConfig{SendRPS: 5, SendBurst: 20},
		Notifier: NotifierConfig{Kind: "local", Channel: "sx:notifications"},
	}
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		RelayURL:      "http://localhost:9090",
		Keystore:      "identity.key",
		LogLevel:      "info",
		Redis:         RedisConfig{Addr: "localhost:6379"},
		Mongo:         MongoConfig{URI: "mongodb://localhost:27017", Database: "secure_exchange_client"},
		PubKeyTTL:     10 * time.Minute,
		RetryMaxTime:  30 * time.Second,
		Replay:        ReplayConfig{Window: 5 * time.Minute, NonceTTL: time.Hour},
		KeyRetention:  30 * 24 * time.Hour,
		ResyncCooling: 24 * time.Hour,
	}
}

// LoadServer reads path (if non-empty) over the defaults, then applies SX_* env overrides.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyServerEnv(&cfg)
	return cfg, cfg.Validate()
}

func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClient()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyClientEnv(&cfg)
	return cfg, cfg.Validate()
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c ReplayConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("replay window must be positive")
	}
	if c.NonceTTL <= c.Window {
		return fmt.Errorf("replay nonceTTL %s must exceed window %s", c.NonceTTL, c.Window)
	}
	return nil
}

func (c ServerConfig) Validate() error {
	switch c.Storage.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Notifier.Kind {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown notifier %q", c.Notifier.Kind)
	}
	if c.Relay.EnvelopeTTL <= 0 {
		return fmt.Errorf("relay envelopeTTL must be positive")
	}
	return c.Replay.Validate()
}

func (c ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relayURL is required")
	}
	for _, contact := range c.Contacts {
		if contact.Role != model.RoleProducer && contact.Role != model.RoleConsumer {
			return fmt.Errorf("contact %s: unknown role %q", contact.Address, contact.Role)
		}
	}
	return c.Replay.Validate()
}

func applyServerEnv(cfg *ServerConfig) {
	setString(&cfg.Listen, "SX_LISTEN")
	setString(&cfg.LogLevel, "SX_LOG_LEVEL")
	setString(&cfg.Storage.Driver, "SX_STORAGE_DRIVER")
	setString(&cfg.Mongo.URI, "SX_MONGO_URI")
	setString(&cfg.Mongo.Database, "SX_MONGO_DATABASE")
	setString(&cfg.Redis.Addr, "SX_REDIS_ADDR")
	setString(&cfg.Redis.Password, "SX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SX_REDIS_DB")
	setDuration(&cfg.Relay.EnvelopeTTL, "SX_ENVELOPE_TTL")
	setDuration(&cfg.Relay.SweepInterval, "SX_SWEEP_INTERVAL")
	setBool(&cfg.Relay.AllowSignerSplit, "SX_ALLOW_SIGNER_SPLIT")
	setString(&cfg.Notifier.Kind, "SX_NOTIFIER")
}

func applyClientEnv(cfg *ClientConfig) {
	setString(&cfg.RelayURL, "SX_RELAY_URL")
	setString(&cfg.Keystore, "SX_KEYSTORE")
	setString(&cfg.LogLevel, "SX_LOG_LEVEL")
	setString(&cfg.Redis.Addr, "SX_REDIS_ADDR")
	setString(&cfg.Redis.Password, "SX_REDIS_PASSWORD")
	setString(&cfg.Mongo.URI, "SX_MONGO_URI")
	setString(&cfg.Mongo.Database, "SX_MONGO_DATABASE")
	setDuration(&cfg.PubKeyTTL, "SX_PUBKEY_TTL")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		*dst = v
	}
}
