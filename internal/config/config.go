package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "EPCACHE"

type Config struct {
	Port         int               `mapstructure:"port" yaml:"port"`
	ProxyPath    string            `mapstructure:"proxy_path" yaml:"proxy_path"`
	ProxyBaseURL string            `mapstructure:"proxy_base_url" yaml:"proxy_base_url"`
	Headers      map[string]string `mapstructure:"headers" yaml:"headers"`

	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type CacheConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes" yaml:"max_bytes"`
}

type MetadataConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxBytes   int64  `mapstructure:"max_bytes" yaml:"max_bytes"`
	RedisURL   string `mapstructure:"redis_url" yaml:"redis_url"`
}

type DownloadConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

type ResolverConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Default returns the configuration used when no file or environment override is present.
func Default() *Config {
	return &Config{
		Port:      8084,
		ProxyPath: "/proxy",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Cache: CacheConfig{
			Dir:      "./cache",
			MaxBytes: 10 << 30,
		},
		Metadata: MetadataConfig{
			Backend:    BackendSQLite,
			SQLitePath: "./cache/downloads.db",
			MaxBytes:   64 << 20,
		},
		Download: DownloadConfig{Concurrency: 4},
		Log:      LogConfig{Level: "info", MaxSize: 50, MaxBackups: 3},
	}
}

// Load reads the optional YAML file at path and applies EPCACHE_* environment overrides.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	def := Default()
	v := viper.New()

	v.SetDefault("port", def.Port)
	v.SetDefault("proxy_path", def.ProxyPath)
	v.SetDefault("proxy_base_url", "")
	v.SetDefault("headers", def.Headers)
	v.SetDefault("cache.dir", def.Cache.Dir)
	v.SetDefault("cache.max_bytes", def.Cache.MaxBytes)
	v.SetDefault("metadata.backend", def.Metadata.Backend)
	v.SetDefault("metadata.sqlite_path", def.Metadata.SQLitePath)
	v.SetDefault("metadata.max_bytes", def.Metadata.MaxBytes)
	v.SetDefault("metadata.redis_url", "redis://localhost:6379/0")
	v.SetDefault("download.concurrency", def.Download.Concurrency)
	v.SetDefault("resolver.base_url", "")
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size", def.Log.MaxSize)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.ProxyPath == "" {
		c.ProxyPath = "/proxy"
	}
	if !strings.HasPrefix(c.ProxyPath, "/") {
		c.ProxyPath = "/" + c.ProxyPath
	}

	if c.ProxyBaseURL == "" {
		c.ProxyBaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.ProxyBaseURL = strings.TrimRight(c.ProxyBaseURL, "/")

	switch c.Metadata.Backend {
	case BackendSQLite:
		if c.Metadata.SQLitePath == "" {
			return errors.New("metadata.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Metadata.RedisURL == "" {
			return errors.New("metadata.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Metadata.Backend)
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "./cache"
	}

	if c.Download.Concurrency <= 0 {
		// Sequential fetching is always safe
		c.Download.Concurrency = 1
	}

	return nil
}

// ProxyEndpoint is the absolute URL segment fetches are wrapped in.
func (c *Config) ProxyEndpoint() string {
	return c.ProxyBaseURL + c.ProxyPath
}
