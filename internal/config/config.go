// Package config resolves the relay's configuration: an optional YAML base
// file overlaid by environment variables. Env always wins, so deployments
// can ship one checked-in file and tune per-instance through the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Agent     AgentConfig     `yaml:"agent"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Forward   ForwardConfig   `yaml:"forward"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

type RateLimitConfig struct {
	MessagesPerWindow int           `yaml:"messages_per_window"`
	Window            time.Duration `yaml:"window"`
	MessagesPerHour   int           `yaml:"messages_per_hour"`
}

type ForwardConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type RetentionConfig struct {
	MessageTTL time.Duration `yaml:"message_ttl"`
}

func defaults() *Config {
	return &Config{
		Server:    ServerConfig{Port: "5000", Env: "development"},
		RateLimit: RateLimitConfig{MessagesPerWindow: 100, Window: time.Minute, MessagesPerHour: 1000},
		Forward:   ForwardConfig{Timeout: 10 * time.Second, MaxRetries: 2},
		Retention: RetentionConfig{MessageTTL: 24 * time.Hour},
	}
}

// Load reads the optional YAML file at path (skipped when empty or missing)
// and overlays the environment on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config: %w", err)
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.Agent.ServerURL == "" {
		return nil, fmt.Errorf("AGENT_SERVER_URL is required")
	}
	if cfg.Agent.Token == "" {
		return nil, fmt.Errorf("AGENT_SERVER_TOKEN is required")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "RELAY_ENV")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Agent.ServerURL, "AGENT_SERVER_URL")
	setString(&c.Agent.Token, "AGENT_SERVER_TOKEN")
	setInt(&c.RateLimit.MessagesPerWindow, "RATE_LIMIT_MESSAGES_PER_WINDOW")
	setMillis(&c.RateLimit.Window, "RATE_LIMIT_WINDOW_MS")
	setInt(&c.RateLimit.MessagesPerHour, "RATE_LIMIT_MESSAGES_PER_HOUR")
	setMillis(&c.Forward.Timeout, "FORWARD_TIMEOUT_MS")
	setInt(&c.Forward.MaxRetries, "FORWARD_MAX_RETRIES")
	setHours(&c.Retention.MessageTTL, "MESSAGE_TTL_HOURS")

	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		c.Server.AllowedOrigins = splitAndTrim(raw)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setHours(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
