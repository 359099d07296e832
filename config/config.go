package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host    string `mapstructure:"host"`
	Project string `mapstructure:"project"`
	Token   string `mapstructure:"token"`
	Agent   string `mapstructure:"agent"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	PingGrace      time.Duration `mapstructure:"ping_grace"`
	ReadLimit      int64         `mapstructure:"read_limit"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	RestURL      string `mapstructure:"rest_url"`
	RestRetryMax int    `mapstructure:"rest_retry_max"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("host", "wss://relay.signal.dev")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("keep_alive", "30s")
	v.SetDefault("ping_grace", "5s")
	v.SetDefault("read_limit", 1048576)
	v.SetDefault("reconnect_attempts", 10)
	v.SetDefault("reconnect_min_delay", "1s")
	v.SetDefault("reconnect_max_delay", "30s")
	v.SetDefault("rest_retry_max", 3)

	v.SetEnvPrefix("signal")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
