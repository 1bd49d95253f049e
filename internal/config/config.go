// Package config loads client, CLI and dev server settings from defaults, an
// optional YAML file, REMOTEFN_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultHost        = "func.pifop.com"
	defaultScheme      = "https"
	defaultJournalPath = "remotefn.db"
	defaultListenAddr  = ":8080"
	defaultLogLevel    = "info"

	envPrefix = "REMOTEFN"
)

// ErrInvalidConfig is returned when a loaded setting is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the merged application configuration.
type Config struct {
	Host         string `mapstructure:"host"`
	Scheme       string `mapstructure:"scheme"`
	Insecure     bool   `mapstructure:"insecure"`
	APIKey       string `mapstructure:"api_key"`
	MasterKey    string `mapstructure:"master_key"`
	JournalPath  string `mapstructure:"journal_path"`
	LogLevel     string `mapstructure:"log_level"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ListenAddr   string `mapstructure:"listen_addr"`
}

// LoadOptions select the configuration sources.
type LoadOptions struct {
	// ConfigFile is an explicit YAML file. When empty, remotefn.yaml is
	// looked up in the working directory and $HOME/.config/remotefn.
	ConfigFile string
	// Flags, when set, override every other source for flags the user set.
	// Flag names use dashes: --journal-path binds journal_path.
	Flags *pflag.FlagSet
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:        defaultHost,
		Scheme:      defaultScheme,
		JournalPath: defaultJournalPath,
		LogLevel:    defaultLogLevel,
		ListenAddr:  defaultListenAddr,
	}
}

// Load merges defaults, the config file, the environment and flags.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	d := Default()
	for key, val := range map[string]any{
		"host":          d.Host,
		"scheme":        d.Scheme,
		"insecure":      d.Insecure,
		"api_key":       d.APIKey,
		"master_key":    d.MasterKey,
		"journal_path":  d.JournalPath,
		"log_level":     d.LogLevel,
		"metrics_addr":  d.MetricsAddr,
		"otlp_endpoint": d.OTLPEndpoint,
		"listen_addr":   d.ListenAddr,
	} {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("remotefn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/remotefn")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !v.IsSet(key) && v.Get(key) == nil {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidConfig, c.Scheme)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
