// Package config collects the environment knobs of the vitrine auth service.
// Every variable is optional; components whose backend address is empty stay
// on their in-memory fallback so local runs need no external services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything cmd/api wires at startup.
type Config struct {
	Addr string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL string

	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	SessionTTL time.Duration

	SelfAccessResources []string
	OwnerResources      []string

	ReauthTTL         time.Duration
	ReauthMaxAttempts int
	EmailTTL          time.Duration
	EmailMaxAttempts  int
	LoginFreshness    time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	ShutdownTimeout time.Duration
}

// Load reads VITRINE_* variables, applying defaults for anything unset.
func Load() Config {
	return Config{
		Addr:              getenv("VITRINE_ADDR", ":8080"),
		PostgresDSN:       os.Getenv("VITRINE_PG_DSN"),
		RedisAddr:         os.Getenv("VITRINE_REDIS_ADDR"),
		RedisPassword:     os.Getenv("VITRINE_REDIS_PASSWORD"),
		RedisDB:           getenvInt("VITRINE_REDIS_DB", 0),
		AMQPURL:           os.Getenv("VITRINE_AMQP_URL"),
		SMTPAddr:          os.Getenv("VITRINE_SMTP_ADDR"),
		SMTPUsername:      os.Getenv("VITRINE_SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("VITRINE_SMTP_PASSWORD"),
		SMTPFrom:          getenv("VITRINE_SMTP_FROM", "no-reply@vitrine.store"),
		SessionTTL:        getenvDuration("VITRINE_SESSION_TTL", 30*time.Minute),
		SelfAccessResources: getenvList("VITRINE_SELF_ACCESS_RESOURCES",
			[]string{"profile", "account"}),
		OwnerResources: getenvList("VITRINE_OWNER_RESOURCES",
			[]string{"store", "listing", "order"}),
		ReauthTTL:         getenvDuration("VITRINE_REAUTH_TTL", 10*time.Minute),
		ReauthMaxAttempts: getenvInt("VITRINE_REAUTH_MAX_ATTEMPTS", 3),
		EmailTTL:          getenvDuration("VITRINE_EMAIL_TTL", 15*time.Minute),
		EmailMaxAttempts:  getenvInt("VITRINE_EMAIL_MAX_ATTEMPTS", 5),
		LoginFreshness:    getenvDuration("VITRINE_LOGIN_FRESHNESS", 15*time.Minute),
		RateLimitRPS:      getenvFloat("VITRINE_RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getenvInt("VITRINE_RATE_LIMIT_BURST", 100),
		ShutdownTimeout:   getenvDuration("VITRINE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
