package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/mmk-fanout/config"
)

// logLevel is shared by the default logger so the level can follow LOG_LEVEL once the
// configuration has been parsed.
var logLevel = new(slog.LevelVar)

// InitLogger initializes the structured logger at info level.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// ApplyLogLevel switches the logger created by InitLogger to the configured level.
func ApplyLogLevel(cfg *config.AppConfig) {
	if cfg == nil {
		return
	}
	logLevel.Set(cfg.Observability.SlogLevel())
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig checks that at least one service is enabled and that the
// services which are enabled have the endpoints they need.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	if services[config.ServiceModeHTTP] {
		var errs []error
		if cfg.Collection.BaseURL == "" {
			errs = append(errs, errors.New("COLLECTION_BASE_URL is required"))
		}
		if cfg.Collection.DatasetID == "" {
			errs = append(errs, errors.New("COLLECTION_DATASET_ID is required"))
		}
		if cfg.Collection.CallbackBaseURL == "" {
			errs = append(errs, errors.New("APP_BASE_URL or COLLECTION_CALLBACK_BASE_URL is required"))
		}
		if cfg.Interpretation.URL == "" {
			errs = append(errs, errors.New("INTERPRETATION_URL is required"))
		}
		if len(errs) > 0 {
			return fmt.Errorf("http service: %w", errors.Join(errs...))
		}
	}

	if services[config.ServiceModeSweeper] && cfg.Storage == config.StorageMemory && !services[config.ServiceModeHTTP] {
		return errors.New("sweeper with memory storage must run in the same process as the http service")
	}
	return nil
}

// GetEnabledServices returns the sorted names of the enabled services.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// Return empty list on error - validation will catch this
		return []string{}
	}

	enabled := make([]string, 0, len(services))
	for svc := range services {
		enabled = append(enabled, string(svc))
	}
	sort.Strings(enabled)
	return enabled
}
