package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Store, queue and provider drivers.
const (
	StoreDriverGorm   = "gorm"
	StoreDriverPgx    = "pgx"
	StoreDriverBadger = "badger"
	StoreDriverMemory = "memory"

	QueueDriverNATS   = "nats"
	QueueDriverMemory = "memory"

	ProviderAWS  = "aws"
	ProviderNone = "none"
)

const (
	defaultListenAddr          = ":8080"
	defaultHealthAddr          = ":8081"
	defaultDatabaseURL         = "sqlite:///tmp/envpool.db"
	defaultBadgerPath          = "/tmp/envpool-badger"
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultRegion              = "eu-west-1"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultLogLevel            = "info"
	defaultSweepInterval       = 5 * time.Minute
	defaultExpirySweepInterval = time.Minute
)

// ErrInvalidConfig marks configuration validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config aggregates runtime settings for every poold command.
type Config struct {
	ListenAddr  string
	HealthAddr  string
	StoreDriver string
	DatabaseURL string
	BadgerPath  string
	QueueDriver string
	NATSURL     string

	Provider           string
	Regions            []string
	AWSProfile         string
	ExecutionRoleName  string
	CredentialsRoleARN string

	ReservationTTL           time.Duration
	ReservationRetryDelay    time.Duration
	ReservationAttemptJitter time.Duration
	CleanupRetryDelay        time.Duration
	CleanupMaxAttempts       int
	JammedThreshold          time.Duration
	JammedSweepInterval      time.Duration
	OrphanSweepInterval      time.Duration
	ExpirySweepInterval      time.Duration
	EventTTL                 time.Duration

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	LogLevel    string
	Development bool
	TraceStdout bool
}

// Validate applies defaults and checks the configuration.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.HealthAddr = defaultIfEmpty(cfg.HealthAddr, defaultHealthAddr)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.QueueDriver = strings.ToLower(defaultIfEmpty(cfg.QueueDriver, QueueDriverNATS))
	cfg.Provider = strings.ToLower(defaultIfEmpty(cfg.Provider, ProviderAWS))
	cfg.NATSURL = defaultIfEmpty(cfg.NATSURL, defaultNATSURL)
	cfg.BadgerPath = defaultIfEmpty(cfg.BadgerPath, defaultBadgerPath)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if len(cfg.Regions) == 0 {
		cfg.Regions = []string{defaultRegion}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	defaultDuration(&cfg.ReservationTTL, pool.DefaultReservationTTL)
	defaultDuration(&cfg.ReservationRetryDelay, pool.DefaultReservationRetryDelay)
	defaultDuration(&cfg.CleanupRetryDelay, cleanup.DefaultRetryDelay)
	defaultDuration(&cfg.JammedThreshold, pool.DefaultJammedThreshold)
	defaultDuration(&cfg.JammedSweepInterval, defaultSweepInterval)
	defaultDuration(&cfg.OrphanSweepInterval, defaultSweepInterval)
	defaultDuration(&cfg.ExpirySweepInterval, defaultExpirySweepInterval)
	defaultDuration(&cfg.EventTTL, pool.DefaultEventTTL)
	if cfg.ReservationAttemptJitter < 0 {
		return fmt.Errorf("%w: reservation attempt jitter must not be negative", ErrInvalidConfig)
	}
	if cfg.CleanupMaxAttempts < 0 {
		return fmt.Errorf("%w: cleanup max attempts must not be negative", ErrInvalidConfig)
	}

	switch cfg.StoreDriver {
	case StoreDriverGorm, StoreDriverPgx:
		cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
		if cfg.StoreDriver == StoreDriverPgx && !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: store driver pgx needs a postgres database url", ErrInvalidConfig)
		}
	case StoreDriverBadger, StoreDriverMemory:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.StoreDriver)
	}
	switch cfg.QueueDriver {
	case QueueDriverNATS, QueueDriverMemory:
	default:
		return fmt.Errorf("%w: unknown queue driver %q", ErrInvalidConfig, cfg.QueueDriver)
	}
	switch cfg.Provider {
	case ProviderAWS, ProviderNone:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	return nil
}

// ValidateAPI checks the settings only the HTTP surface needs.
func (cfg *Config) ValidateAPI() error {
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.SessionIssuer) == "" {
		return fmt.Errorf("%w: jwt issuer is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.SessionCookieName) == "" {
		return fmt.Errorf("%w: jwt cookie name is required", ErrInvalidConfig)
	}
	return nil
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultDuration(value *time.Duration, fallback time.Duration) {
	if *value <= 0 {
		*value = fallback
	}
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
