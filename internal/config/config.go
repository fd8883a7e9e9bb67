// Package config loads the agent configuration from TOML, with UDA_*
// environment variables overriding individual keys.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tri2510/uda-deployment-agent/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Runtime RuntimeConfig `toml:"runtime" mapstructure:"runtime"`
	Apps    AppsConfig    `toml:"apps" mapstructure:"apps"`
	Broker  BrokerConfig  `toml:"broker" mapstructure:"broker"`
	HTTP    HTTPConfig    `toml:"http" mapstructure:"http"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
}

// ServerConfig points at the kit server event channel.
type ServerConfig struct {
	URL               string        `toml:"url" mapstructure:"url"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// RuntimeConfig controls identity and data placement.
type RuntimeConfig struct {
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
}

// AppsConfig controls how deployed apps are written and run.
type AppsConfig struct {
	DeployDir string        `toml:"deploy_dir" mapstructure:"deploy_dir"`
	PythonBin string        `toml:"python_bin" mapstructure:"python_bin"`
	StopGrace time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	Env       []string      `toml:"env" mapstructure:"env"`
}

// BrokerConfig points apps and probes at the vehicle signal broker.
type BrokerConfig struct {
	URL     string        `toml:"url" mapstructure:"url"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// HTTPConfig controls the local debug and metrics listener.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr"`
}

// HistoryConfig selects the deployment history sink.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// LogConfig controls agent logging and per-app log rotation.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Default returns a fully workable configuration for a local setup.
func Default() FileConfig {
	return FileConfig{
		Server: ServerConfig{
			URL:               "ws://localhost:3090/ws",
			HeartbeatInterval: 30 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Runtime: RuntimeConfig{
			DataDir: "/var/lib/uda-agent",
		},
		Apps: AppsConfig{
			DeployDir: "/var/lib/uda-agent/apps",
			PythonBin: "python3",
			StopGrace: 5 * time.Second,
		},
		Broker: BrokerConfig{
			URL:     "http://localhost:55555",
			Timeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		History: HistoryConfig{
			Enabled: true,
			DSN:     "sqlite:///var/lib/uda-agent/history.db",
		},
		Log: LogConfig{
			Level:      "info",
			Dir:        "/var/lib/uda-agent/logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads the TOML file at path (optional, "" uses defaults only) and
// applies UDA_* environment overrides, e.g. UDA_SERVER_URL, UDA_LOG_LEVEL.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("UDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func setDefaults(v *viper.Viper, def FileConfig) {
	v.SetDefault("server.url", def.Server.URL)
	v.SetDefault("server.heartbeat_interval", def.Server.HeartbeatInterval)
	v.SetDefault("server.request_timeout", def.Server.RequestTimeout)
	v.SetDefault("runtime.data_dir", def.Runtime.DataDir)
	v.SetDefault("apps.deploy_dir", def.Apps.DeployDir)
	v.SetDefault("apps.python_bin", def.Apps.PythonBin)
	v.SetDefault("apps.stop_grace", def.Apps.StopGrace)
	v.SetDefault("broker.url", def.Broker.URL)
	v.SetDefault("broker.timeout", def.Broker.Timeout)
	v.SetDefault("http.enabled", def.HTTP.Enabled)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("history.enabled", def.History.Enabled)
	v.SetDefault("history.dsn", def.History.DSN)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.color", def.Log.Color)
	v.SetDefault("log.dir", def.Log.Dir)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
	v.SetDefault("log.compress", def.Log.Compress)
}

// Validate rejects configurations the agent cannot run with.
func (fc *FileConfig) Validate() error {
	if fc.Server.URL == "" {
		return fmt.Errorf("server.url must be set")
	}
	if !strings.HasPrefix(fc.Server.URL, "ws://") && !strings.HasPrefix(fc.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// url, got %q", fc.Server.URL)
	}
	if fc.Runtime.DataDir == "" {
		return fmt.Errorf("runtime.data_dir must be set")
	}
	if fc.Apps.PythonBin == "" {
		return fmt.Errorf("apps.python_bin must be set")
	}
	if fc.Apps.StopGrace <= 0 {
		return fmt.Errorf("apps.stop_grace must be positive")
	}
	if fc.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be positive")
	}
	for _, kv := range fc.Apps.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("apps.env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// IdentityPath is where the runtime name is persisted.
func (fc *FileConfig) IdentityPath() string {
	return filepath.Join(fc.Runtime.DataDir, ".runtime-id")
}

// AppLogConfig maps the log section onto the per-app rotation settings.
func (fc *FileConfig) AppLogConfig() logger.AppLogConfig {
	return logger.AppLogConfig{
		Dir:        fc.Log.Dir,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}
