package app

import (
	"time"

	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type Config struct {
	Port        string
	Environment string
	Version     string

	JWTSecretKey   string
	AccessTokenTTL time.Duration

	// MetricsAddr, when set, serves /metrics on its own listener in
	// addition to the API route. Worker-only processes rely on this.
	MetricsAddr string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:           envutil.Str("PORT", "8080"),
		Environment:    envutil.Str("ENVIRONMENT", "development"),
		Version:        envutil.Str("SERVICE_VERSION", "dev"),
		JWTSecretKey:   envutil.Str("JWT_SECRET_KEY", "defaultsecret"),
		AccessTokenTTL: envutil.Seconds("ACCESS_TOKEN_TTL", time.Hour),
		MetricsAddr:    envutil.Str("METRICS_ADDR", ""),
	}
	if cfg.JWTSecretKey == "defaultsecret" && log != nil {
		log.Warn("JWT_SECRET_KEY not set; using insecure default")
	}
	return cfg
}
