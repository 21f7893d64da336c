package config

import (
	"time"
)

type Config struct {
	Remote       RemoteConfig       `mapstructure:"remote"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AuthToken      string `mapstructure:"auth_token"`
	RequestTimeout string `mapstructure:"request_timeout"`
	HealthPath     string `mapstructure:"health_path"`
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(r.RequestTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type SyncConfig struct {
	RetryCeiling int      `mapstructure:"retry_ceiling"`
	EntityTypes  []string `mapstructure:"entity_types"`
}

type ConnectivityConfig struct {
	PollInterval string `mapstructure:"poll_interval"`
	ProbeTimeout string `mapstructure:"probe_timeout"`
	AssumeOnline bool   `mapstructure:"assume_online"`
}

func (c ConnectivityConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c ConnectivityConfig) GetProbeTimeout() time.Duration {
	d, err := time.ParseDuration(c.ProbeTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
