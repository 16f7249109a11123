// Package config loads the engine configuration from a YAML file and builds
// the loggers shared by every subsystem.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIHost           = "https://prod-nginz-https.wire.com"
	DefaultWSHost            = "wss://prod-nginz-ssl.wire.com"
	DefaultAPIVersion        = "v6"
	DefaultPageSize          = 100
	DefaultHeartbeat         = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatFailures = 3
)

// Config is the engine configuration. Every field has a usable default
// except Email and Password.
type Config struct {
	APIHost    string `yaml:"api_host"`
	WSHost     string `yaml:"ws_host"`
	APIVersion string `yaml:"api_version"`

	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// Sync drains the notification backlog before going live.
	Sync bool `yaml:"sync"`

	// DB is the SQLite path. Empty means the store default.
	DB         string `yaml:"db"`
	SealSecret string `yaml:"seal_secret"`

	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`

	PageSize          int           `yaml:"page_size"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatFailures int           `yaml:"heartbeat_failures"`

	// CatchUp drains missed notifications after every reconnect.
	CatchUp bool `yaml:"catch_up"`

	writer io.Writer
}

// Default returns a Config populated with the production defaults.
func Default() *Config {
	return &Config{
		APIHost:           DefaultAPIHost,
		WSHost:            DefaultWSHost,
		APIVersion:        DefaultAPIVersion,
		Sync:              true,
		Debug:             os.Getenv("DEBUG") == "1",
		PageSize:          DefaultPageSize,
		Heartbeat:         DefaultHeartbeat,
		ReconnectDelay:    DefaultReconnectDelay,
		HeartbeatFailures: DefaultHeartbeatFailures,
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default value. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.APIHost == "":
		return errors.New("api_host is empty")
	case c.WSHost == "":
		return errors.New("ws_host is empty")
	case c.PageSize <= 0:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.Heartbeat <= 0:
		return fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat)
	case c.ReconnectDelay < 0:
		return fmt.Errorf("reconnect_delay must not be negative, got %s", c.ReconnectDelay)
	case c.HeartbeatFailures <= 0:
		return fmt.Errorf("heartbeat_failures must be positive, got %d", c.HeartbeatFailures)
	}
	return nil
}

// BaseURL is the versioned REST root, e.g. https://host/v6.
func (c *Config) BaseURL() string {
	if c.APIVersion == "" {
		return c.APIHost
	}
	return c.APIHost + "/" + c.APIVersion
}

// Logger returns a sugared logger tagged with source. Output goes to stderr
// and, when LogFile is set, to a rotated JSON log file.
func (c *Config) Logger(source string) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}

	ec := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.Lock(os.Stderr), level),
	}
	if w := c.fileWriter(); w != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(ec), zapcore.AddSync(w), level))
	}

	var opts []zap.Option
	if source != "" {
		opts = append(opts, zap.Fields(zap.String("source", source)))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

func (c *Config) fileWriter() io.Writer {
	if c.LogFile == "" {
		return nil
	}
	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c.writer
}
