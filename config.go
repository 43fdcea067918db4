package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "NKRYPT"

type Config struct {
	NodeID           string        `mapstructure:"node_id"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"` // 0 = pick a free port
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxFrameBytes    int           `mapstructure:"max_frame_bytes"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Log              LogConfig     `mapstructure:"log"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFrameBytes:    DefaultMaxFrameBytes,
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// withDefaults fills zero-valued tunables so a literal Config{NodeID: ...}
// is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	switch {
	case strings.TrimSpace(c.NodeID) == "":
		errs = append(errs, errors.New("node id is required (--id, first argument or NKRYPT_NODE_ID)"))
	case strings.ContainsAny(c.NodeID, "@ \t\r\n"):
		errs = append(errs, fmt.Errorf("node id %q must not contain '@' or whitespace", c.NodeID))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.HandshakeTimeout < 0 || c.DialTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxFrameBytes < 256 {
		errs = append(errs, fmt.Errorf("max frame bytes %d too small", c.MaxFrameBytes))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return newError(ErrInvalidConfig, "", errors.Join(errs...))
	}
	return nil
}

func setConfigDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("node_id", "")
	v.SetDefault("host", d.Host)
	v.SetDefault("port", 0)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("max_frame_bytes", d.MaxFrameBytes)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("id", "", "Node identifier (required)")
	fs.String("host", d.Host, "Host to listen on")
	fs.Int("port", 0, "TCP port to listen on (0 picks a free port)")
	fs.Duration("handshake-timeout", d.HandshakeTimeout, "Handshake deadline")
	fs.Duration("dial-timeout", d.DialTimeout, "Outbound dial deadline")
	fs.Duration("write-timeout", d.WriteTimeout, "Per-message write deadline")
	fs.Int("max-frame-bytes", d.MaxFrameBytes, "Largest accepted wire frame")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (empty disables)")
	fs.String("log-level", d.Log.Level, "Log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "Log format: text or json")
	fs.String("config", "", "Path to config file")

	_ = v.BindPFlag("node_id", fs.Lookup("id"))
	_ = v.BindPFlag("host", fs.Lookup("host"))
	_ = v.BindPFlag("port", fs.Lookup("port"))
	_ = v.BindPFlag("handshake_timeout", fs.Lookup("handshake-timeout"))
	_ = v.BindPFlag("dial_timeout", fs.Lookup("dial-timeout"))
	_ = v.BindPFlag("write_timeout", fs.Lookup("write-timeout"))
	_ = v.BindPFlag("max_frame_bytes", fs.Lookup("max-frame-bytes"))
	_ = v.BindPFlag("metrics_addr", fs.Lookup("metrics-addr"))
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.format", fs.Lookup("log-format"))
}

// LoadConfig resolves configuration from flags, NKRYPT_* environment
// variables, an optional nkrypt.yaml and defaults, in that order. Positional
// arguments "<node_id> [port]" are also accepted.
func LoadConfig(args []string) (Config, error) {
	v := viper.New()
	v.SetConfigName("nkrypt")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setConfigDefaults(v)

	fs := pflag.NewFlagSet("nkrypt", pflag.ContinueOnError)
	bindFlags(v, fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	rest := fs.Args()
	if len(rest) > 2 {
		return Config{}, newError(ErrInvalidConfig, "", fmt.Errorf("unexpected arguments %q", rest[2:]))
	}
	if len(rest) >= 1 && !fs.Changed("id") {
		v.Set("node_id", rest[0])
	}
	if len(rest) == 2 && !fs.Changed("port") {
		p, err := strconv.Atoi(rest[1])
		if err != nil {
			return Config{}, newError(ErrInvalidConfig, "", fmt.Errorf("port %q: %w", rest[1], err))
		}
		v.Set("port", p)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
