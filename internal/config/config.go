// Package config loads memcx settings from a YAML file, environment
// variables prefixed with MEMCX_ and built-in defaults, in that order of
// precedence from last to first.
package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/mem"
)

// EnvPrefix prefixes environment overrides, e.g. MEMCX_BORROW_STRICT.
const EnvPrefix = "MEMCX"

// Config is the full memcx configuration.
type Config struct {
	Host      HostConfig      `mapstructure:"host" yaml:"host"`
	Alignment AlignmentConfig `mapstructure:"alignment" yaml:"alignment"`
	Borrow    BorrowConfig    `mapstructure:"borrow" yaml:"borrow"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type HostConfig struct {
	Version          string `mapstructure:"version" yaml:"version"`
	InitialBlockSize int    `mapstructure:"initial_block_size" yaml:"initial_block_size"`
	MaxBlockSize     int    `mapstructure:"max_block_size" yaml:"max_block_size"`
}

type AlignmentConfig struct {
	Strategies      []string `mapstructure:"strategies" yaml:"strategies"`
	MaxPadAlignment uint64   `mapstructure:"max_pad_alignment" yaml:"max_pad_alignment"`
}

type BorrowConfig struct {
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	strategies := make([]string, 0, len(mem.DefaultStrategies))
	for _, s := range mem.DefaultStrategies {
		strategies = append(strategies, string(s))
	}
	return &Config{
		Host: HostConfig{
			Version:          host.DefaultVersion,
			InitialBlockSize: host.DefaultInitialBlockSize,
			MaxBlockSize:     host.DefaultMaxBlockSize,
		},
		Alignment: AlignmentConfig{
			Strategies:      strategies,
			MaxPadAlignment: mem.DefaultMaxPadAlignment,
		},
		Borrow:  BorrowConfig{Strict: true},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Listen: ":9187", Namespace: "memcx"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("host.version", d.Host.Version)
	v.SetDefault("host.initial_block_size", d.Host.InitialBlockSize)
	v.SetDefault("host.max_block_size", d.Host.MaxBlockSize)
	v.SetDefault("alignment.strategies", d.Alignment.Strategies)
	v.SetDefault("alignment.max_pad_alignment", d.Alignment.MaxPadAlignment)
	v.SetDefault("borrow.strict", d.Borrow.Strict)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// Load reads the configuration. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	// a comma separated MEMCX_ALIGNMENT_STRATEGIES arrives as one element
	if len(cfg.Alignment.Strategies) == 1 && strings.Contains(cfg.Alignment.Strategies[0], ",") {
		cfg.Alignment.Strategies = strings.Split(cfg.Alignment.Strategies[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting for consistency.
func (c *Config) Validate() error {
	if _, err := semver.NewVersion(c.Host.Version); err != nil {
		return errors.Wrapf(err, "host.version %q", c.Host.Version)
	}
	if c.Host.InitialBlockSize <= 0 {
		return errors.Errorf("host.initial_block_size must be positive, got %d", c.Host.InitialBlockSize)
	}
	if c.Host.MaxBlockSize < c.Host.InitialBlockSize {
		return errors.Errorf("host.max_block_size %d is below host.initial_block_size %d",
			c.Host.MaxBlockSize, c.Host.InitialBlockSize)
	}
	if _, err := c.strategies(); err != nil {
		return err
	}
	if p := c.Alignment.MaxPadAlignment; p == 0 || p&(p-1) != 0 || p > host.MaxAlignment {
		return errors.Errorf("alignment.max_pad_alignment must be a power of two up to %d, got %d", host.MaxAlignment, p)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) strategies() ([]mem.Strategy, error) {
	if len(c.Alignment.Strategies) == 0 {
		return nil, errors.New("alignment.strategies must not be empty")
	}
	out := make([]mem.Strategy, 0, len(c.Alignment.Strategies))
	for _, s := range c.Alignment.Strategies {
		st := mem.Strategy(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case mem.StrategyNative, mem.StrategyPad, mem.StrategyReject:
			out = append(out, st)
		default:
			return nil, errors.Errorf("alignment.strategies: unknown strategy %q", s)
		}
	}
	return out, nil
}

// HostOptions returns the runtime options the configuration describes.
func (c *Config) HostOptions() host.Options {
	return host.Options{
		Version:          c.Host.Version,
		InitialBlockSize: c.Host.InitialBlockSize,
		MaxBlockSize:     c.Host.MaxBlockSize,
	}
}

// MemOptions returns the region manager options the configuration
// describes. Logger and metrics are left for the caller.
func (c *Config) MemOptions() mem.Options {
	strategies, _ := c.strategies()
	return mem.Options{
		StrictBorrows:   c.Borrow.Strict,
		Strategies:      strategies,
		MaxPadAlignment: uintptr(c.Alignment.MaxPadAlignment),
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	return out, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("host=%s strict=%t strategies=%v log=%s/%s",
		c.Host.Version, c.Borrow.Strict, c.Alignment.Strategies, c.Log.Level, c.Log.Format)
}
