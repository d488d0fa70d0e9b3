package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds relay settings read from FT_* environment variables.
type ServerConfig struct {
	Addr               string
	DatabasePath       string
	SecretPath         string
	OfferTTL           time.Duration
	ReusableWindow     time.Duration
	CleanupInterval    time.Duration
	RateLimit          int
	RateWindow         time.Duration
	AnalyticsRateLimit int
	Advertise          bool
	InstanceName       string
}

// DefaultServerConfig returns the settings used when no variable is set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               ":8787",
		DatabasePath:       "flashtransfer-relay.db",
		SecretPath:         "flashtransfer-relay.secret",
		OfferTTL:           24 * time.Hour,
		ReusableWindow:     7 * 24 * time.Hour,
		CleanupInterval:    5 * time.Minute,
		RateLimit:          30,
		RateWindow:         time.Minute,
		AnalyticsRateLimit: 10,
		InstanceName:       "flashtransfer-relay",
	}
}

// LoadServerConfig loads envFile when it exists and then reads the
// environment. Variables already set in the process win over the file.
func LoadServerConfig(envFile string) (ServerConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ServerConfig{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}
	return ServerConfigFromEnv(os.Getenv)
}

// ServerConfigFromEnv builds a ServerConfig from a variable lookup.
func ServerConfigFromEnv(getenv func(string) string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	duration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = parsed
	}
	positive := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid count %q", key, v))
			return
		}
		*dst = parsed
	}

	str("FT_ADDR", &cfg.Addr)
	str("FT_DB_PATH", &cfg.DatabasePath)
	str("FT_SECRET_PATH", &cfg.SecretPath)
	str("FT_INSTANCE_NAME", &cfg.InstanceName)
	duration("FT_OFFER_TTL", &cfg.OfferTTL)
	duration("FT_REUSABLE_WINDOW", &cfg.ReusableWindow)
	duration("FT_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	duration("FT_RATE_WINDOW", &cfg.RateWindow)
	positive("FT_RATE_LIMIT", &cfg.RateLimit)
	positive("FT_ANALYTICS_RATE_LIMIT", &cfg.AnalyticsRateLimit)

	if v := strings.TrimSpace(getenv("FT_ADVERTISE")); v != "" {
		advertise, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FT_ADVERTISE: invalid bool %q", v))
		} else {
			cfg.Advertise = advertise
		}
	}

	if err := errors.Join(errs...); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
