package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variables read by the command, e.g.
// ORCHESTRATOR_REDIS_ADDR overrides redis.addr.
const envPrefix = "ORCHESTRATOR"

type (
	// Config is the effective configuration of the command. Values come from
	// the defaults, then the optional YAML file, then the environment.
	Config struct {
		Name         string             `mapstructure:"name" yaml:"name"`
		AdminAddr    string             `mapstructure:"admin_addr" yaml:"admin_addr"`
		Debug        bool               `mapstructure:"debug" yaml:"debug"`
		Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
		Mongo        MongoConfig        `mapstructure:"mongo" yaml:"mongo"`
		Bus          BusConfig          `mapstructure:"bus" yaml:"bus"`
		Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	}

	// RedisConfig locates the Redis server backing the bus.
	RedisConfig struct {
		Addr     string `mapstructure:"addr" yaml:"addr"`
		Password string `mapstructure:"password" yaml:"password,omitempty"`
		DB       int    `mapstructure:"db" yaml:"db"`
	}

	// MongoConfig locates the MongoDB database. An empty URI selects the
	// in-memory store.
	MongoConfig struct {
		URI      string `mapstructure:"uri" yaml:"uri,omitempty"`
		Database string `mapstructure:"database" yaml:"database"`
	}

	// BusConfig tunes the Redis bus.
	BusConfig struct {
		HeartbeatTTL   time.Duration `mapstructure:"heartbeat_ttl" yaml:"heartbeat_ttl"`
		ReplyStreamTTL time.Duration `mapstructure:"reply_stream_ttl" yaml:"reply_stream_ttl"`
		StreamMaxLen   int           `mapstructure:"stream_max_len" yaml:"stream_max_len"`
	}

	// OrchestratorConfig tunes the control plane.
	OrchestratorConfig struct {
		Debounce        time.Duration `mapstructure:"debounce" yaml:"debounce"`
		ConfigTTL       time.Duration `mapstructure:"config_ttl" yaml:"config_ttl"`
		ToolCallTimeout time.Duration `mapstructure:"toolcall_timeout" yaml:"toolcall_timeout"`
	}
)

// loadConfig reads the configuration. path may be empty.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("name", "orchestrator")
	v.SetDefault("admin_addr", ":8081")
	v.SetDefault("debug", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "orchestrator")
	v.SetDefault("bus.heartbeat_ttl", "30s")
	v.SetDefault("bus.reply_stream_ttl", "5m")
	v.SetDefault("bus.stream_max_len", 1000)
	v.SetDefault("orchestrator.debounce", "100ms")
	v.SetDefault("orchestrator.config_ttl", "5m")
	v.SetDefault("orchestrator.toolcall_timeout", "30s")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required with mongo.uri"))
	}
	if c.Bus.HeartbeatTTL <= 0 {
		errs = append(errs, errors.New("bus.heartbeat_ttl must be positive"))
	}
	if c.Orchestrator.ToolCallTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.toolcall_timeout must be positive"))
	}
	return errors.Join(errs...)
}
