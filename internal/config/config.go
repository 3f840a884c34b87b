package config

import (
	"time"

	"github.com/mcpd-dev/mcpd/internal/history"
	"github.com/mcpd-dev/mcpd/internal/logger"
	"github.com/spf13/viper"
)

// Config is the daemon's own configuration, loaded with viper
// (TOML/YAML/JSON, decided by file extension).
type Config struct {
	Listen            string        `mapstructure:"listen"`
	BasePath          string        `mapstructure:"base_path"`
	ManifestPath      string        `mapstructure:"manifest_path"`
	ContextDir        string        `mapstructure:"context_dir"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	StartGrace        time.Duration `mapstructure:"start_grace"`
	StopWait          time.Duration `mapstructure:"stop_wait"`
	DispatchWorkers   int           `mapstructure:"dispatch_workers"`
	LogLevel          string        `mapstructure:"log_level"`
	LogColor          bool          `mapstructure:"log_color"`
	ServerLog         logger.Config `mapstructure:"server_log"`
	History           HistoryConfig `mapstructure:"history"`
}

// HistoryConfig selects the lifecycle-event sinks.
type HistoryConfig struct {
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		Listen:            "127.0.0.1:8719",
		BasePath:          "/api",
		ManifestPath:      "mcp_servers.json",
		ContextDir:        "mcp_data",
		BroadcastInterval: 5 * time.Second,
		StartGrace:        2 * time.Second,
		StopWait:          5 * time.Second,
		DispatchWorkers:   8,
		LogLevel:          "info",
		LogColor:          true,
	}
}

// Load reads the daemon config from path, overlaying Default values.
// An empty path returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 5 * time.Second
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 2 * time.Second
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = 5 * time.Second
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 8
	}
	return cfg, nil
}

// Sinks builds the configured history sinks. Unconfigured sinks are skipped.
func (h HistoryConfig) Sinks() ([]history.Sink, error) {
	var sinks []history.Sink
	if h.SQLitePath != "" {
		s, err := history.NewSQLiteSink(h.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if h.PostgresDSN != "" {
		s, err := history.NewPostgresSink(h.PostgresDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
