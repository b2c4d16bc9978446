// Package httpapi exposes reservations and pool inspection over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
}

// ReservationService is the reservation side of the pool.
type ReservationService interface {
	RequestReservation(ctx context.Context, name string, accountCount int) (pool.Reservation, error)
	GetReservationStatus(ctx context.Context, reservationID pool.ReservationID) (pool.ReservationStatus, error)
	RemoveReservation(ctx context.Context, reservationID pool.ReservationID) (pool.Reservation, error)
}

// AccountReader lists pool accounts.
type AccountReader interface {
	ListAccounts(ctx context.Context) ([]pool.Account, error)
	ListAccountsByStatus(ctx context.Context, status pool.AccountStatus) ([]pool.Account, error)
}

// Dependencies are the services behind the routes. Events and Gatherer are optional.
type Dependencies struct {
	Reservations ReservationService
	Accounts     AccountReader
	Events       pool.EventStore
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// NewSessionValidator builds the cookie session validator guarding /api.
func NewSessionValidator(cfg Config) (*sessionvalidator.Validator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator, nil
}

// Run serves the API until ctx is canceled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := NewSessionValidator(cfg)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewRouter(cfg, deps, validator),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies, validator *sessionvalidator.Validator) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	handler := &httpHandler{
		logger:         logger,
		reservations:   deps.Reservations,
		accounts:       deps.Accounts,
		events:         deps.Events,
		requestTimeout: requestTimeout,
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/reservations", handler.handleCreateReservation)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.DELETE("/reservations/:id", handler.handleDeleteReservation)
	api.GET("/accounts", handler.handleListAccounts)
	api.GET("/accounts/:id/events", handler.handleListEvents)

	return router
}

// ParseAllowedOrigins splits a comma-separated origin list.
func ParseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
