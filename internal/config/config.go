package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"weather-ingest/pkg/database"
)

// Config holds all settings, populated from environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ingestion IngestionConfig
	Logging   LoggingConfig
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// IngestionConfig configures batch ingestion runs.
type IngestionConfig struct {
	DataDir       string
	FileExtension string
	Workers       int
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string
}

// LoadConfig reads configuration from environment variables, applying defaults where unset.
func LoadConfig() (*Config, error) {
	var errs []error
	p := &envParser{errs: &errs}

	cfg := &Config{
		Server: ServerConfig{
			Host:            envOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:            p.int("SERVER_PORT", 8080),
			ReadTimeout:     p.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    p.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     p.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: p.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            envOrDefault("DB_HOST", "localhost"),
			Port:            p.int("DB_PORT", 5432),
			User:            envOrDefault("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        envOrDefault("DB_NAME", "weather_db"),
			SSLMode:         envOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: p.duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			ConnectTimeout:  p.duration("DB_CONNECT_TIMEOUT", 30*time.Second),
		},
		Ingestion: IngestionConfig{
			DataDir:       envOrDefault("INGEST_DATA_DIR", "wx_data"),
			FileExtension: envOrDefault("INGEST_FILE_EXT", ".txt"),
			Workers:       p.int("INGEST_WORKERS", 4),
		},
		Logging: LoggingConfig{
			Level: envOrDefault("LOG_LEVEL", "info"),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT out of range: %d", c.Database.Port)
	}
	if c.Database.Host == "" {
		return errors.New("DB_HOST is required")
	}
	if c.Database.Database == "" {
		return errors.New("DB_NAME is required")
	}
	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", c.Ingestion.Workers)
	}
	// One connection per worker plus one for the coordinator.
	if c.Database.MaxOpenConns < c.Ingestion.Workers+1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS (%d) must be at least INGEST_WORKERS+1 (%d)",
			c.Database.MaxOpenConns, c.Ingestion.Workers+1)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) exceeds DB_MAX_OPEN_CONNS (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if !strings.HasPrefix(c.Ingestion.FileExtension, ".") {
		return fmt.Errorf("INGEST_FILE_EXT must start with '.', got %q", c.Ingestion.FileExtension)
	}
	return nil
}

// PoolConfig converts the database settings for pkg/database.
func (d DatabaseConfig) PoolConfig() *database.Config {
	return &database.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
	}
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type envParser struct {
	errs *[]error
}

func (p *envParser) int(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, s, err))
		return fallback
	}
	return n
}

func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, s, err))
		return fallback
	}
	if d <= 0 {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: must be positive", key, s))
		return fallback
	}
	return d
}
