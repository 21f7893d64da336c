package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env take over.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://localhost:4000")
	v.SetDefault("remote.request_timeout", "15s")
	v.SetDefault("remote.health_path", "/health")

	v.SetDefault("storage.file_path", "betsync.db")

	v.SetDefault("sync.retry_ceiling", 5)
	v.SetDefault("sync.entity_types", []string{"bets", "receipts"})

	v.SetDefault("connectivity.poll_interval", "30s")
	v.SetDefault("connectivity.probe_timeout", "5s")
	v.SetDefault("connectivity.assume_online", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
