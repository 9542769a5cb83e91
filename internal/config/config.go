package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/hello-docker/internal/greeting"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultEnvironment = "development"
	DefaultVersion     = "1.0.0"
)

// Config holds everything the service needs, resolved once at startup.
type Config struct {
	Variant     greeting.Variant `yaml:"variant"`
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	Environment string           `yaml:"environment"`
	Version     string           `yaml:"version"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	Server      Server           `yaml:"server"`
	RateLimit   RateLimit        `yaml:"rate_limit"`
}

// Server holds http.Server tuning.
type Server struct {
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ReadTimeout       Duration `yaml:"read_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int      `yaml:"max_header_bytes"`
}

// RateLimit configures the token bucket in front of the handlers.
// RequestsPerSecond of zero disables limiting.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Default returns the configuration a variant runs with when nothing is set.
func Default(v greeting.Variant) *Config {
	return &Config{
		Variant:     v,
		Host:        DefaultHost,
		Port:        v.DefaultPort(),
		Environment: DefaultEnvironment,
		Version:     DefaultVersion,
		LogLevel:    "info",
		LogFormat:   "text",
		Server: Server{
			ReadHeaderTimeout: Duration{5 * time.Second},
			ReadTimeout:       Duration{15 * time.Second},
			WriteTimeout:      Duration{15 * time.Second},
			IdleTimeout:       Duration{60 * time.Second},
			ShutdownTimeout:   Duration{10 * time.Second},
			MaxHeaderBytes:    1 << 20,
		},
		RateLimit: RateLimit{Burst: 1},
	}
}

// Overrides carries command-line values. Zero values leave the lower layers alone.
type Overrides struct {
	Variant   greeting.Variant
	Host      string
	Port      int
	LogLevel  string
	LogFormat string
}

// Load builds a Config from variant defaults, the YAML file at path, the
// environment, and overrides, then validates it. An empty path or a missing
// file is not an error.
func Load(path string, o Overrides, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// The variant decides the default port, so settle it before anything
	// else is layered over the defaults.
	variant := greeting.VariantDocker
	if len(data) > 0 {
		var head struct {
			Variant greeting.Variant `yaml:"variant"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if head.Variant != "" {
			variant = head.Variant
		}
	}
	if v, ok := lookupNonEmpty(lookup, "HELLO_VARIANT"); ok {
		parsed, err := greeting.ParseVariant(v)
		if err != nil {
			return nil, fmt.Errorf("HELLO_VARIANT: %w", err)
		}
		variant = parsed
	}
	if o.Variant != "" {
		variant = o.Variant
	}

	cfg := Default(variant)
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.Variant = variant

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.apply(o)

	if err := cfg.Validate(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("validating config %s: %w", path, err)
		}
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Empty values count as unset.
// HELLO_VARIANT is resolved by Load since it changes the defaults.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if v, ok := lookupNonEmpty(lookup, "ENVIRONMENT"); ok {
		c.Environment = v
	}
	if v, ok := lookupNonEmpty(lookup, "APP_VERSION"); ok {
		c.Version = v
	}
	// Only the go variant honours PORT. The docker and python variants keep
	// their fixed ports when a platform injects one.
	if v, ok := lookupNonEmpty(lookup, "PORT"); ok && c.Variant == greeting.VariantGo {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q is not a number", v)
		}
		c.Port = port
	}
	if v, ok := lookupNonEmpty(lookup, "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookupNonEmpty(lookup, "LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	return nil
}

func (c *Config) apply(o Overrides) {
	if o.Host != "" {
		c.Host = o.Host
	}
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}

// Addr is the host:port the server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.Variant.Valid() {
		return fmt.Errorf("variant %q is invalid", c.Variant)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Environment == "" {
		return fmt.Errorf("environment must not be empty")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		// ok
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	timeouts := []struct {
		name string
		d    Duration
	}{
		{"server.read_header_timeout", c.Server.ReadHeaderTimeout},
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	}
	for _, t := range timeouts {
		if t.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", t.name)
		}
	}
	if c.Server.MaxHeaderBytes <= 0 {
		return fmt.Errorf("server.max_header_bytes must be positive")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func lookupNonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
