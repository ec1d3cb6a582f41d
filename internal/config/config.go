package config

import (
	"time"

	"github.com/spf13/viper"
)

// ProxyConfig configures the optional bastion/jump host all device sessions
// are multiplexed through.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config holds all configuration for the service. The mapstructure tags are
// used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr   string        `mapstructure:"http_listen_addr"`
	EtcdEndpoints    []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout      time.Duration `mapstructure:"etcd_timeout"`
	Driver           string        `mapstructure:"driver"` // "ssh" or "sim"
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	DefaultBatchSize int           `mapstructure:"default_batch_size"`

	// FallbackUsername/FallbackPassword are applied as a pair whenever a
	// device record lacks either credential half.
	FallbackUsername string `mapstructure:"fallback_username"`
	FallbackPassword string `mapstructure:"fallback_password"`

	// AllowSimulatedFallback substitutes fabricated sessions when a
	// direct connect fails. Explicit opt-in; never enable in production.
	AllowSimulatedFallback bool `mapstructure:"allow_simulated_fallback"`

	Proxy ProxyConfig `mapstructure:"proxy"`

	// CommandSets maps platform tags to generic-command -> syntax tables.
	CommandSets map[string]map[string]string `mapstructure:"command_sets"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("etcd_timeout", "5s")
	viper.SetDefault("driver", "ssh")
	viper.SetDefault("connect_timeout", "15s")
	viper.SetDefault("command_timeout", "30s")
	viper.SetDefault("default_batch_size", 10)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file; defaults and env vars apply.
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
