package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/stockledger/internal/config"
	"github.com/ehr/stockledger/internal/domain/inventory"
	"github.com/ehr/stockledger/internal/platform/auth"
	"github.com/ehr/stockledger/internal/platform/middleware"
	"github.com/ehr/stockledger/internal/platform/telemetry"
)

// newServer assembles the echo server: global middleware, authentication,
// health endpoints and the inventory API under /api/v1.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *inventory.Service, dbHealth echo.HandlerFunc) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics, err := telemetry.Metrics(otel.Meter("github.com/ehr/stockledger/cmd/stockledger"))
	if err != nil {
		return nil, err
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Tracing(otel.GetTracerProvider(), otel.GetTextMapPropagator()))
	e.Use(metrics)
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}

	inventory.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e, nil
}
