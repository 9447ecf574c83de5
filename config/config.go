package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	devAccessSecret  = "dev-access-secret"
	devRefreshSecret = "dev-refresh-secret"
)

var ErrDefaultSecret = errors.New("JWT secrets must be set in production")

type Config struct {
	Port         int
	DBPath       string
	Env          string
	FrontendURL  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	JWTSecret        string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	TypingWindow time.Duration

	MessageRateLimit  int // messages per MessageRateWindow
	MessageRateWindow time.Duration
	AuthRateLimit     int // attempts per AuthRateWindow
	AuthRateWindow    time.Duration

	RedisURL    string
	PresenceTTL time.Duration

	ControlSocket string
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses a production config that still signs tokens with the built-in secrets.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.JWTSecret == devAccessSecret || c.JWTRefreshSecret == devRefreshSecret {
		return ErrDefaultSecret
	}
	return nil
}

func Load() *Config {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Port:              3000,
		DBPath:            "chattle.db",
		Env:               "development",
		FrontendURL:       "http://localhost:5173",
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		JWTSecret:         devAccessSecret,
		JWTRefreshSecret:  devRefreshSecret,
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		TypingWindow:      3 * time.Second,
		MessageRateLimit:  30,
		MessageRateWindow: time.Minute,
		AuthRateLimit:     5,
		AuthRateWindow:    15 * time.Minute,
		PresenceTTL:       120 * time.Second,
		ControlSocket:     "/tmp/chattle.sock",
	}

	if portStr := os.Getenv("CHATTLE_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	cfg.DBPath = getEnv("CHATTLE_DB_PATH", cfg.DBPath)
	cfg.Env = getEnv("CHATTLE_ENV", cfg.Env)
	cfg.FrontendURL = getEnv("CHATTLE_FRONTEND_URL", cfg.FrontendURL)
	cfg.JWTSecret = getEnv("CHATTLE_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTRefreshSecret = getEnv("CHATTLE_JWT_REFRESH_SECRET", cfg.JWTRefreshSecret)
	cfg.RedisURL = getEnv("CHATTLE_REDIS_URL", cfg.RedisURL)
	cfg.ControlSocket = getEnv("CHATTLE_CONTROL_SOCKET", cfg.ControlSocket)

	cfg.ReadTimeout = getDuration("CHATTLE_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getDuration("CHATTLE_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.AccessTokenTTL = getDuration("CHATTLE_JWT_ACCESS_TTL", cfg.AccessTokenTTL)
	cfg.RefreshTokenTTL = getDuration("CHATTLE_JWT_REFRESH_TTL", cfg.RefreshTokenTTL)
	cfg.TypingWindow = getDuration("CHATTLE_TYPING_WINDOW", cfg.TypingWindow)
	cfg.PresenceTTL = getDuration("CHATTLE_PRESENCE_TTL", cfg.PresenceTTL)

	if limitStr := os.Getenv("CHATTLE_MESSAGE_RATE"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			cfg.MessageRateLimit = limit
		}
	}

	if limitStr := os.Getenv("CHATTLE_AUTH_RATE"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			cfg.AuthRateLimit = limit
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
