package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/artifacts"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string

	RegulatorProfile string // path to a regulator profile YAML; empty uses loopback receivers
	ClosePolicy      string // overrides the profile when set

	JWTSecret      string
	JWTIssuer      string
	RateLimitRPS   float64
	RateLimitBurst int

	LedgerSeedHex string
	RedisAddr     string
	NATSURL       string

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	Artifacts artifacts.Config

	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DataDir:          getenv("DATA_DIR", "data"),
		RegulatorProfile: os.Getenv("REGULATOR_PROFILE"),
		ClosePolicy:      os.Getenv("CLOSE_POLICY"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        getenv("JWT_ISSUER", "discloser"),
		RateLimitRPS:     getenvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:   getenvInt("RATE_LIMIT_BURST", 40),
		LedgerSeedHex:    os.Getenv("LEDGER_SEED"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:     os.Getenv("OTEL_INSECURE") == "true",
		Artifacts:        artifacts.ConfigFromEnv(),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
