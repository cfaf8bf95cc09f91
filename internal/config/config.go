// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Values come from an optional YAML file and are
// then overridden by environment variables.
type Config struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	TextsFile      string   `yaml:"texts_file"`

	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	NATS        NATSConfig        `yaml:"nats"`
	Auth        AuthConfig        `yaml:"auth"`
	Competition CompetitionConfig `yaml:"competition"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Historian   HistorianConfig   `yaml:"historian"`
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
	ResultQueue string `yaml:"result_queue"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, p.Database)
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AuthConfig struct {
	TokenExpire time.Duration `yaml:"token_expire"`
}

type CompetitionConfig struct {
	Countdown       time.Duration `yaml:"countdown"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MinParticipants int           `yaml:"min_participants"`
	MaxParticipants int           `yaml:"max_participants"`
}

// RateLimitConfig throttles TYPING_UPDATE frames per connection.
type RateLimitConfig struct {
	TypingPerSecond float64 `yaml:"typing_per_second"`
	TypingBurst     int     `yaml:"typing_burst"`
}

type HistorianConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "debug",
		AllowedOrigins: []string{"*"},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "typerace",
			ResultQueue: "typerace_results",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "typerace",
		},
		NATS: NATSConfig{
			Stream:        "TYPERACE_EVENTS",
			SubjectPrefix: "typerace.competition",
		},
		Auth: AuthConfig{TokenExpire: 30 * 24 * time.Hour},
		Competition: CompetitionConfig{
			Countdown:       competition.DefaultCountdown,
			DisconnectGrace: competition.DefaultDisconnectGrace,
			IdleTimeout:     competition.DefaultIdleTimeout,
			MinParticipants: models.DefaultMinParticipants,
			MaxParticipants: models.DefaultMaxParticipants,
		},
		RateLimit: RateLimitConfig{TypingPerSecond: 20, TypingBurst: 10},
		Historian: HistorianConfig{BatchSize: 50, FlushInterval: 5 * time.Second},
	}
}

// Load reads path (a missing file is not an error) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Path returns the config file location from TYPERACE_CONFIG.
func Path() string {
	return getEnv("TYPERACE_CONFIG", "config.yaml")
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.TextsFile = getEnv("TEXTS_FILE", c.TextsFile)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.ResultQueue = getEnv("HISTORIAN_QUEUE_NAME", c.Redis.ResultQueue)

	if host := os.Getenv("PG_HOST"); host != "" {
		c.Postgres.Host = host
		c.Postgres.Enabled = true
	}
	c.Postgres.Port = getEnvAsInt("PG_PORT", c.Postgres.Port)
	c.Postgres.User = getEnv("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.Database = getEnv("PG_DATABASE", c.Postgres.Database)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	// TOKEN_EXPIRE_TIME is seconds
	if secs := getEnvAsInt("TOKEN_EXPIRE_TIME", 0); secs > 0 {
		c.Auth.TokenExpire = time.Duration(secs) * time.Second
	}

	c.Competition.Countdown = getEnvAsDuration("COUNTDOWN", c.Competition.Countdown)
	c.Competition.DisconnectGrace = getEnvAsDuration("DISCONNECT_GRACE", c.Competition.DisconnectGrace)
	c.Competition.IdleTimeout = getEnvAsDuration("ROOM_IDLE_TIMEOUT", c.Competition.IdleTimeout)
	c.Competition.MinParticipants = getEnvAsInt("MIN_PARTICIPANTS", c.Competition.MinParticipants)
	c.Competition.MaxParticipants = getEnvAsInt("MAX_PARTICIPANTS", c.Competition.MaxParticipants)

	c.Historian.BatchSize = getEnvAsInt("HISTORIAN_BATCH_SIZE", c.Historian.BatchSize)
	c.Historian.FlushInterval = getEnvAsDuration("HISTORIAN_FLUSH_INTERVAL", c.Historian.FlushInterval)
}

// Validate rejects settings the coordinator cannot run with.
func (c Config) Validate() error {
	cc := c.Competition
	if cc.MinParticipants < 1 {
		return fmt.Errorf("min_participants must be at least 1, got %d", cc.MinParticipants)
	}
	if cc.MaxParticipants < cc.MinParticipants {
		return fmt.Errorf("max_participants (%d) is below min_participants (%d)", cc.MaxParticipants, cc.MinParticipants)
	}
	if cc.Countdown < 0 || cc.DisconnectGrace < 0 {
		return errors.New("competition timers must not be negative")
	}
	if c.RateLimit.TypingPerSecond < 0 || c.RateLimit.TypingBurst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// CoordinatorConfig converts the competition section for the room registry.
func (c Config) CoordinatorConfig() competition.Config {
	cfg := competition.DefaultConfig()
	cfg.Countdown = c.Competition.Countdown
	cfg.DisconnectGrace = c.Competition.DisconnectGrace
	cfg.IdleTimeout = c.Competition.IdleTimeout
	cfg.Settings = models.Settings{
		MinParticipants: c.Competition.MinParticipants,
		MaxParticipants: c.Competition.MaxParticipants,
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
