// Package config loads skiff's YAML configuration with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheSmallBoat/skiff/codec"
	"github.com/TheSmallBoat/skiff/kcpengine"
	"github.com/TheSmallBoat/skiff/skifflib"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	KCP     KCPConfig     `mapstructure:"kcp" yaml:"kcp"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SessionConfig holds per-connection settings.
type SessionConfig struct {
	// IdleTimeout closes a session that delivers no frame for this long.
	// Zero disables it.
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxFrameSize int           `mapstructure:"max_frame_size" yaml:"max_frame_size"`
}

// KCPConfig mirrors kcpengine.Options.
type KCPConfig struct {
	NoDelay      bool          `mapstructure:"nodelay" yaml:"nodelay"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Resend       int           `mapstructure:"resend" yaml:"resend"`
	NoCongestion bool          `mapstructure:"no_congestion" yaml:"no_congestion"`
	SendWindow   int           `mapstructure:"send_window" yaml:"send_window"`
	RecvWindow   int           `mapstructure:"recv_window" yaml:"recv_window"`
	MTU          int           `mapstructure:"mtu" yaml:"mtu"`
	AckNoDelay   bool          `mapstructure:"ack_nodelay" yaml:"ack_nodelay"`
}

// ClientConfig controls the dialing client.
type ClientConfig struct {
	// Bind is the local UDP address; empty picks any port.
	Bind string `mapstructure:"bind" yaml:"bind"`

	// RedialAttempts bounds consecutive failed redials; zero disables
	// redialing.
	RedialAttempts int           `mapstructure:"redial_attempts" yaml:"redial_attempts"`
	BackoffMin     time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	BackoffJitter  bool          `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	opts := kcpengine.DefaultOptions
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/skiff.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Session: SessionConfig{
			IdleTimeout:  30 * time.Second,
			MaxFrameSize: codec.DefaultMaxFrameSize,
		},
		KCP: KCPConfig{
			NoDelay:      opts.NoDelay,
			Interval:     opts.Interval,
			Resend:       opts.Resend,
			NoCongestion: opts.NoCongestion,
			SendWindow:   opts.SendWindow,
			RecvWindow:   opts.RecvWindow,
			MTU:          opts.MTU,
			AckNoDelay:   opts.AckNoDelay,
		},
		Client: ClientConfig{
			RedialAttempts: 8,
			BackoffMin:     100 * time.Millisecond,
			BackoffMax:     10 * time.Second,
			BackoffFactor:  2,
			BackoffJitter:  true,
		},
	}
}

// Load reads configuration from path if non-empty, otherwise from
// skiff.yaml in the usual locations. Environment variables use the prefix
// SKIFF with `.` and `-` replaced by `_`, e.g. SKIFF_KCP_MTU=1200.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SKIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("session.idle_timeout", cfg.Session.IdleTimeout)
	v.SetDefault("session.max_frame_size", cfg.Session.MaxFrameSize)

	v.SetDefault("kcp.nodelay", cfg.KCP.NoDelay)
	v.SetDefault("kcp.interval", cfg.KCP.Interval)
	v.SetDefault("kcp.resend", cfg.KCP.Resend)
	v.SetDefault("kcp.no_congestion", cfg.KCP.NoCongestion)
	v.SetDefault("kcp.send_window", cfg.KCP.SendWindow)
	v.SetDefault("kcp.recv_window", cfg.KCP.RecvWindow)
	v.SetDefault("kcp.mtu", cfg.KCP.MTU)
	v.SetDefault("kcp.ack_nodelay", cfg.KCP.AckNoDelay)

	v.SetDefault("client.bind", cfg.Client.Bind)
	v.SetDefault("client.redial_attempts", cfg.Client.RedialAttempts)
	v.SetDefault("client.backoff_min", cfg.Client.BackoffMin)
	v.SetDefault("client.backoff_max", cfg.Client.BackoffMax)
	v.SetDefault("client.backoff_factor", cfg.Client.BackoffFactor)
	v.SetDefault("client.backoff_jitter", cfg.Client.BackoffJitter)

	if path == "" {
		path = os.Getenv("SKIFF_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("skiff")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".skiff"))
		}
	}

	// a missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("invalid session.idle_timeout: %s", c.Session.IdleTimeout)
	}
	if c.Session.MaxFrameSize <= 0 {
		return fmt.Errorf("invalid session.max_frame_size: %d", c.Session.MaxFrameSize)
	}

	if err := c.EngineOptions().Validate(); err != nil {
		return fmt.Errorf("invalid kcp section: %w", err)
	}

	if c.Client.RedialAttempts < 0 {
		return fmt.Errorf("invalid client.redial_attempts: %d", c.Client.RedialAttempts)
	}
	if c.Client.BackoffMin <= 0 || c.Client.BackoffMax < c.Client.BackoffMin {
		return fmt.Errorf("invalid client backoff bounds: min %s, max %s", c.Client.BackoffMin, c.Client.BackoffMax)
	}
	if c.Client.BackoffFactor < 1 {
		return fmt.Errorf("invalid client.backoff_factor: %v", c.Client.BackoffFactor)
	}
	return nil
}

// SessionConfig returns the per-connection settings. Handlers and the
// logger are left for the caller to fill in.
func (c *Config) SessionConfig() skifflib.Config {
	return skifflib.Config{
		Codec:       codec.LengthPrefixed{Max: c.Session.MaxFrameSize},
		IdleTimeout: c.Session.IdleTimeout,
	}
}

func (c *Config) EngineOptions() kcpengine.Options {
	return kcpengine.Options{
		NoDelay:      c.KCP.NoDelay,
		Interval:     c.KCP.Interval,
		Resend:       c.KCP.Resend,
		NoCongestion: c.KCP.NoCongestion,
		SendWindow:   c.KCP.SendWindow,
		RecvWindow:   c.KCP.RecvWindow,
		MTU:          c.KCP.MTU,
		AckNoDelay:   c.KCP.AckNoDelay,
	}
}

// MustLoad panics if the configuration cannot be loaded.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
