package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"corsOrigins"`
	} `yaml:"server"`
	Store struct {
		Backend string `yaml:"backend"`
	} `yaml:"store"`
	Redis struct {
		URL      string `yaml:"url"`
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TLS      bool   `yaml:"tls"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Session struct {
		TTL           string `yaml:"ttl"`
		StaleAfter    string `yaml:"staleAfter"`
		RecentCap     int    `yaml:"recentCap"`
		RecentLimit   int    `yaml:"recentLimit"`
		PurgeInterval string `yaml:"purgeInterval"`
	} `yaml:"session"`
	Realtime struct {
		PingInterval string `yaml:"pingInterval"`
	} `yaml:"realtime"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads YAML config from path and applies environment overrides.
// A missing file is not an error; the result then holds only environment values.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PORT", &c.Server.Port)
	set("STORE_BACKEND", &c.Store.Backend)
	set("REDIS_URL", &c.Redis.URL)
	set("REDIS_USERNAME", &c.Redis.Username)
	set("REDIS_PASSWORD", &c.Redis.Password)
	set("DATABASE_URL", &c.Postgres.URL)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)

	if host, ok := lookup("REDIS_HOST"); ok && host != "" {
		port, _ := lookup("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		c.Redis.Addr = net.JoinHostPort(host, port)
	}
	if raw, ok := lookup("REDIS_USE_TLS"); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("REDIS_USE_TLS: %w", err)
		}
		c.Redis.TLS = v
	}
	return nil
}

// Backend resolves the store backend: explicit setting, else redis when configured,
// else postgres when configured, else memory.
func (c Config) Backend() (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(c.Store.Backend)); b {
	case BackendMemory, BackendRedis, BackendPostgres:
		return b, nil
	case "":
	default:
		return "", fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch {
	case c.Redis.URL != "" || c.Redis.Addr != "":
		return BackendRedis, nil
	case c.Postgres.URL != "":
		return BackendPostgres, nil
	default:
		return BackendMemory, nil
	}
}

// RedisOptions builds client options. A URL wins over the discrete fields it sets.
func (c Config) RedisOptions() (*redis.Options, error) {
	var opts *redis.Options
	if c.Redis.URL != "" {
		parsed, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		if c.Redis.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		opts = &redis.Options{Addr: c.Redis.Addr, DB: c.Redis.DB}
	}
	if opts.Username == "" {
		opts.Username = c.Redis.Username
	}
	if opts.Password == "" {
		opts.Password = c.Redis.Password
	}
	if c.Redis.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// Port returns the listen port, preferring the flag value.
func (c Config) Port(flag string) string {
	if flag != "" {
		return flag
	}
	if c.Server.Port != "" {
		return c.Server.Port
	}
	return "8080"
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
