package config

import (
	"os"
	"strconv"
	"time"
)

// Config 在启动时一次性构造，之后只读，通过依赖注入传给各组件。
type Config struct {
	Port             string
	DatabaseDSN      string
	JWTSecret        string
	Env              string
	TokenTTLHours    int
	HandshakeTimeout time.Duration
	FanoutWorkers    int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:             getenv("APP_PORT", "8080"),
		DatabaseDSN:      getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=veloquent port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:        getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:              getenv("APP_ENV", "dev"),
		TokenTTLHours:    getenvInt("TOKEN_TTL_HOURS", 24),
		HandshakeTimeout: time.Duration(getenvInt("WS_HANDSHAKE_TIMEOUT_MS", 2000)) * time.Millisecond,
		FanoutWorkers:    getenvInt("FANOUT_WORKERS", 4),
	}
}
