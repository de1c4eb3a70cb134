package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voicebridge/adapters/transport"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/internal/api"
	"github.com/satriahrh/voicebridge/internal/config"
	"github.com/satriahrh/voicebridge/internal/fetcher"
	"github.com/satriahrh/voicebridge/internal/voice"
	"github.com/satriahrh/voicebridge/internal/websocket"
	"github.com/satriahrh/voicebridge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync(log)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Debug = cfg.IsDevelopment()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	} else {
		e.Use(middleware.CORS())
	}

	// Initialize adapters
	signedURLs, err := fetcher.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize signed URL fetcher", zap.Error(err))
	}
	dialer := transport.NewDialer(transport.Config{Origin: cfg.Origin}, log)

	// Initialize WebSocket hub with the voice session defaults
	hub := websocket.NewHub(websocket.HubConfig{
		Session: voice.Config{
			Origin:  cfg.Origin,
			Capture: voice.DefaultCaptureConfig(),
			Defaults: entities.StartOptions{
				AgentID:      cfg.AgentID,
				Language:     cfg.Language,
				FirstMessage: cfg.FirstMessage,
			},
		},
		MicTimeout:     cfg.MicTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, signedURLs, dialer, log)
	reaper := websocket.NewIdleSessionReaper(hub, cfg.IdleTimeout, log)

	// Initialize API routes
	api.InitRoutes(e, hub, signedURLs, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	log.Info("Voice bridge started",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Strings("allowedOrigins", cfg.AllowedOrigins))

	if err := g.Wait(); err != nil {
		log.Fatal("Server stopped with error", zap.Error(err))
	}
	log.Info("Server exited")
}
