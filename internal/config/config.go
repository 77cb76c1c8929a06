// Package config loads the agent configuration from the environment.
// A .env file is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type SyncPolicy string

const (
	SyncFailFast   SyncPolicy = "fail-fast"
	SyncBestEffort SyncPolicy = "best-effort"
)

// Config holds all agent configuration
type Config struct {
	Addr        string
	Environment string // "development" | "production"

	// Platform backend
	BackendURL       string
	EventChannelURL  string
	HazardReportPath string
	HealthPath       string
	RequestTimeout   time.Duration
	APIToken         string

	// Who is using this agent
	UserEmail    string
	UserRole     string
	HomeLocation *Location

	// Local store
	StoreDriver string
	StoreDSN    string

	// Drafts
	SyncPolicy    SyncPolicy
	DefaultRegion string

	// Connectivity and alerts
	ProbeInterval        time.Duration
	AlertRefreshInterval time.Duration
	RedisURL             string

	// Local UI access
	PINHash        string
	CookieSecret   string
	AllowedOrigins []string

	// Media
	MaxImageEdge int
}

type Location struct {
	Lat float64
	Lng float64
}

// Load reads configuration from environment variables. envFile may be empty.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Addr:        getEnv("AGENT_ADDR", "127.0.0.1:7070"),
		Environment: getEnv("ENVIRONMENT", "development"),

		BackendURL:       strings.TrimRight(getEnv("BACKEND_URL", "http://127.0.0.1:5000"), "/"),
		EventChannelURL:  getEnv("EVENT_CHANNEL_URL", ""),
		HazardReportPath: getEnv("HAZARD_REPORT_PATH", "/api/hazard-report"),
		HealthPath:       getEnv("HEALTH_PATH", "/"),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		APIToken:         getEnv("API_TOKEN", ""),

		UserEmail: getEnv("USER_EMAIL", ""),
		UserRole:  strings.ToLower(getEnv("USER_ROLE", "")),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite3"),
		StoreDSN:    getEnv("STORE_DSN", "fieldagent.db"),

		SyncPolicy:    SyncPolicy(strings.ToLower(getEnv("SYNC_POLICY", string(SyncFailFast)))),
		DefaultRegion: strings.ToUpper(getEnv("DEFAULT_REGION", "IN")),

		ProbeInterval:        getEnvDuration("PROBE_INTERVAL", 15*time.Second),
		AlertRefreshInterval: getEnvDuration("ALERT_REFRESH_INTERVAL", time.Minute),
		RedisURL:             getEnv("REDIS_URL", ""),

		PINHash:        getEnv("AGENT_PIN_HASH", ""),
		CookieSecret:   getEnv("COOKIE_SECRET", "dev-cookie-secret-change-me"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")),

		MaxImageEdge: getEnvInt("MAX_IMAGE_EDGE", 1280),
	}

	if cfg.EventChannelURL == "" {
		cfg.EventChannelURL = deriveEventURL(cfg.BackendURL)
	}

	if raw := getEnv("HOME_LOCATION", ""); raw != "" {
		loc, err := parseLocation(raw)
		if err != nil {
			return nil, fmt.Errorf("HOME_LOCATION: %w", err)
		}
		cfg.HomeLocation = loc
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SyncPolicy {
	case SyncFailFast, SyncBestEffort:
	default:
		return fmt.Errorf("SYNC_POLICY must be %q or %q, got %q", SyncFailFast, SyncBestEffort, c.SyncPolicy)
	}
	switch c.StoreDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver)
	}
	if c.Environment == "production" {
		if c.PINHash == "" {
			return fmt.Errorf("AGENT_PIN_HASH is required in production")
		}
		if c.CookieSecret == "dev-cookie-secret-change-me" {
			return fmt.Errorf("COOKIE_SECRET must be set in production")
		}
	}
	return nil
}

// deriveEventURL turns http(s)://host into ws(s)://host/ws.
func deriveEventURL(backend string) string {
	switch {
	case strings.HasPrefix(backend, "https://"):
		return "wss://" + strings.TrimPrefix(backend, "https://") + "/ws"
	case strings.HasPrefix(backend, "http://"):
		return "ws://" + strings.TrimPrefix(backend, "http://") + "/ws"
	}
	return backend + "/ws"
}

func parseLocation(raw string) (*Location, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("want \"lat,lng\", got %q", raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, err
	}
	return &Location{Lat: lat, Lng: lng}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
