// Package config binds the process settings to viper: built-in defaults,
// an optional YAML/TOML/JSON file and MAILSHIFT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "MAILSHIFT"

const (
	ServerAddress          = "server.address"
	ServerRateLimit        = "server.rate_limit"
	ServerRateWindow       = "server.rate_window"
	LogDir                 = "log.dir"
	LogRetention           = "log.retention"
	LogLevel               = "log.level"
	LogFormat              = "log.format"
	IMAPConnectTimeout     = "imap.connect_timeout"
	IMAPSocketTimeout      = "imap.socket_timeout"
	IMAPInsecureSkipVerify = "imap.insecure_skip_verify"
	JobsMaxConcurrency     = "jobs.max_concurrency"
	JobsStateFile          = "jobs.state_file"
)

// Config is the resolved view of the settings.
type Config struct {
	ServerAddress      string
	RateLimit          int
	RateWindow         time.Duration
	LogDir             string
	LogRetention       time.Duration
	LogLevel           string
	LogFormat          string
	ConnectTimeout     time.Duration
	SocketTimeout      time.Duration
	InsecureSkipVerify bool
	MaxConcurrency     int
	StateFile          string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(ServerAddress, ":3000")
	v.SetDefault(ServerRateLimit, 100)
	v.SetDefault(ServerRateWindow, "15m")
	v.SetDefault(LogDir, "logs")
	v.SetDefault(LogRetention, "168h")
	v.SetDefault(LogLevel, "info")
	v.SetDefault(LogFormat, "text")
	v.SetDefault(IMAPConnectTimeout, "45s")
	v.SetDefault(IMAPSocketTimeout, "60s")
	v.SetDefault(IMAPInsecureSkipVerify, false)
	v.SetDefault(JobsMaxConcurrency, 10)
	v.SetDefault(JobsStateFile, "")
}

// ReadFile merges file into v. An empty name is not an error.
func ReadFile(v *viper.Viper, file string) error {
	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}
	return nil
}

// Load resolves v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ServerAddress:      v.GetString(ServerAddress),
		RateLimit:          v.GetInt(ServerRateLimit),
		RateWindow:         v.GetDuration(ServerRateWindow),
		LogDir:             v.GetString(LogDir),
		LogRetention:       v.GetDuration(LogRetention),
		LogLevel:           v.GetString(LogLevel),
		LogFormat:          v.GetString(LogFormat),
		ConnectTimeout:     v.GetDuration(IMAPConnectTimeout),
		SocketTimeout:      v.GetDuration(IMAPSocketTimeout),
		InsecureSkipVerify: v.GetBool(IMAPInsecureSkipVerify),
		MaxConcurrency:     v.GetInt(JobsMaxConcurrency),
		StateFile:          v.GetString(JobsStateFile),
	}
	if cfg.LogDir == "" {
		return cfg, errors.New("log.dir must not be empty")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.LogDir, "jobs.json")
	}
	if cfg.MaxConcurrency < 1 {
		return cfg, fmt.Errorf("jobs.max_concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.LogRetention <= 0 {
		return cfg, fmt.Errorf("log.retention must be positive, got %s", cfg.LogRetention)
	}
	return cfg, nil
}
