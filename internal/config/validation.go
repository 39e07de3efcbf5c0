package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ValidateForProduction validates that configuration is suitable for production use.
// It checks for insecure settings and development defaults that should never
// be used in production environments.
func ValidateForProduction(cfg *Config) error {
	var errs []string

	if cfg.Server.Env != "production" {
		errs = append(errs, fmt.Sprintf("APP_ENV must be 'production' in production deployment, got: %s", cfg.Server.Env))
	}

	if cfg.JWT.Secret == "" {
		errs = append(errs, "JWT secret must be configured in production")
	}

	if containsLocalhostURL(cfg.Redis.URL) {
		errs = append(errs, "localhost detected in Redis URL - use production Redis host")
	}
	if containsLocalhostURL(cfg.Mongo.URI) {
		errs = append(errs, "localhost detected in Mongo URI - use production Mongo host")
	}
	if containsLocalhostURL(cfg.RabbitMQ.URL) {
		errs = append(errs, "localhost detected in RabbitMQ URL - use production broker host")
	}

	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" {
			errs = append(errs, "wildcard CORS origin is not allowed in production")
			break
		}
	}

	if cfg.Observability.TracingEnabled && containsLocalhostURL(cfg.Observability.TracingEndpoint) {
		errs = append(errs, "localhost detected in tracing endpoint")
	}

	logProductionWarnings(cfg)

	if len(errs) > 0 {
		return fmt.Errorf("production configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	slog.Info("production configuration validated successfully")
	return nil
}

func logProductionWarnings(cfg *Config) {
	if !cfg.Observability.TracingEnabled {
		slog.Warn("distributed tracing is disabled - consider enabling for production observability")
	}

	if !cfg.Observability.MetricsEnabled {
		slog.Warn("metrics collection is disabled - consider enabling for production monitoring")
	}
}

// containsLocalhostURL checks if a URL or host string contains localhost references
func containsLocalhostURL(url string) bool {
	if url == "" {
		return false
	}

	lowerURL := strings.ToLower(url)

	if strings.Contains(lowerURL, "localhost") {
		return true
	}

	if strings.Contains(lowerURL, "127.0.0.1") || strings.Contains(lowerURL, "0.0.0.0") {
		return true
	}

	if strings.Contains(lowerURL, "::1") || strings.Contains(lowerURL, "[::1]") {
		return true
	}

	return false
}
