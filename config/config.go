// Package config loads pool profiles and tuning from a file, the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration is invalid
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. ASYNPOOL_POOL_SOFT_CAP.
const EnvPrefix = "ASYNPOOL"

// Profile holds the connection parameters of one named pool.
// Only Host and Port are interpreted outside the dialect (they appear in connect failure logs).
type Profile struct {
	Driver   string            `mapstructure:"driver" yaml:"driver"`
	Host     string            `mapstructure:"host" yaml:"host"`
	Port     int               `mapstructure:"port" yaml:"port"`
	User     string            `mapstructure:"user" yaml:"user"`
	Password string            `mapstructure:"password" yaml:"password"`
	Database string            `mapstructure:"database" yaml:"database"`
	Params   map[string]string `mapstructure:"params" yaml:"params,omitempty"`
	// DSN, when set, is passed to the driver verbatim.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

// Addr returns host:port for log lines.
func (p Profile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// PoolConfig tunes the recycle policy and connect behaviour.
type PoolConfig struct {
	MaxAge           time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SoftCap          int           `mapstructure:"soft_cap" yaml:"soft_cap"`
	MaxConnecting    int           `mapstructure:"max_connecting" yaml:"max_connecting"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout"`
	SlowThreshold    time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset" yaml:"breaker_reset"`
}

// RedisConfig points the cross-process messenger at a Redis server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// HTTPConfig configures the HTTP front door.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the root configuration.
type Config struct {
	WorkerID string             `mapstructure:"worker_id" yaml:"worker_id,omitempty"`
	Active   string             `mapstructure:"active" yaml:"active"`
	Pools    map[string]Profile `mapstructure:"pools" yaml:"pools"`
	Pool     PoolConfig         `mapstructure:"pool" yaml:"pool"`
	Redis    RedisConfig        `mapstructure:"redis" yaml:"redis"`
	HTTP     HTTPConfig         `mapstructure:"http" yaml:"http"`
	Log      LogConfig          `mapstructure:"log" yaml:"log"`
}

// Defaults used when neither the file nor the environment set a value.
const (
	DefaultMaxAge         = 3600 * time.Second
	DefaultSoftCap        = 30
	DefaultConnectTimeout = 10 * time.Second
	DefaultActive         = "default"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("active", DefaultActive)
	v.SetDefault("pool.max_age", DefaultMaxAge)
	v.SetDefault("pool.soft_cap", DefaultSoftCap)
	v.SetDefault("pool.max_connecting", 0)
	v.SetDefault("pool.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("pool.statement_timeout", 0)
	v.SetDefault("pool.slow_threshold", 0)
	v.SetDefault("pool.breaker_threshold", 0)
	v.SetDefault("pool.breaker_reset", 30*time.Second)
	v.SetDefault("redis.prefix", "asynpool")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path (any format viper understands), then
// applies ASYNPOOL_* environment overrides. A .env file in the working
// directory is loaded first when present. An empty path uses defaults and
// the environment only.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"pool":       "active",
	"worker-id":  "worker_id",
	"log-level":  "log.level",
	"log-format": "log.format",
	"http-addr":  "http.addr",
	"redis-addr": "redis.addr",
}

// LoadWithFlags is Load with the flags of fs named in FlagKeys bound on top:
// a flag set on the command line beats the environment and the file.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	return decode(v)
}

// FromViper decodes an already populated viper instance, e.g. one with CLI flags bound.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	applyProfileEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyProfileEnv lets ASYNPOOL_DSN and ASYNPOOL_DRIVER define or override the
// active profile; AutomaticEnv cannot reach into map keys it has never seen.
func applyProfileEnv(cfg *Config) {
	dsn := os.Getenv(EnvPrefix + "_DSN")
	driver := os.Getenv(EnvPrefix + "_DRIVER")
	if dsn == "" && driver == "" {
		return
	}
	if cfg.Pools == nil {
		cfg.Pools = make(map[string]Profile)
	}
	p := cfg.Pools[cfg.Active]
	if dsn != "" {
		p.DSN = dsn
	}
	if driver != "" {
		p.Driver = driver
	}
	cfg.Pools[cfg.Active] = p
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Active == "" {
		return fmt.Errorf("%w: active pool name is empty", ErrInvalidConfig)
	}
	for name, p := range c.Pools {
		if p.Driver == "" {
			return fmt.Errorf("%w: pool %q has no driver", ErrInvalidConfig, name)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("%w: pool %q has invalid port %d", ErrInvalidConfig, name, p.Port)
		}
	}
	if c.Pool.SoftCap < 0 {
		return fmt.Errorf("%w: soft_cap must not be negative", ErrInvalidConfig)
	}
	if c.Pool.MaxAge < 0 {
		return fmt.Errorf("%w: max_age must not be negative", ErrInvalidConfig)
	}
	if c.Pool.MaxConnecting < 0 {
		return fmt.Errorf("%w: max_connecting must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Profile returns the profile registered under name.
func (c *Config) Profile(name string) (Profile, error) {
	p, ok := c.Pools[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: no pool named %q (have %s)", ErrInvalidConfig, name, strings.Join(c.poolNames(), ", "))
	}
	return p, nil
}

// ActiveProfile returns the profile selected by Active.
func (c *Config) ActiveProfile() (Profile, error) {
	return c.Profile(c.Active)
}

func (c *Config) poolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for name := range c.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.Pools = make(map[string]Profile, len(c.Pools))
	for name, p := range c.Pools {
		if p.Password != "" {
			p.Password = "******"
		}
		if p.DSN != "" {
			p.DSN = "******"
		}
		redacted.Pools[name] = p
	}
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "******"
	}
	return yaml.Marshal(&redacted)
}
