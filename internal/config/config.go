package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the catalog service configuration.
type Config struct {
	Service  string
	Port     string
	LogLevel string

	StoreDriver       string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	MetricsEnabled bool
	MetricsToken   string

	WriteRateLimit    int
	WriteRateWindow   time.Duration
	TrustForwardedFor bool
}

// Load reads a .env file when present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		Service:           getenv("SERVICE_NAME", "catalog"),
		Port:              getenv("PORT", "8082"),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		StoreDriver:       strings.ToLower(strings.TrimSpace(getenv("STORE_DRIVER", StoreMemory))),
		DatabaseURL:       strings.TrimSpace(getenv("DATABASE_URL", "")),
		DBMaxOpenConns:    getenvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getenvInt("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime: time.Duration(getenvInt("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		MetricsEnabled:    getenvBool("METRICS_ENABLED", true),
		MetricsToken:      strings.TrimSpace(getenv("METRICS_TOKEN", "")),
		WriteRateLimit:    getenvInt("WRITE_RATE_LIMIT", 0),
		WriteRateWindow:   time.Duration(getenvInt("WRITE_RATE_WINDOW_SECONDS", 60)) * time.Second,
		TrustForwardedFor: getenvBool("TRUST_FORWARDED_FOR", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return ":" + c.Port
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
