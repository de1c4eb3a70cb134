package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/metrics"
	"github.com/satriahrh/voicebridge/internal/websocket"
)

const serviceName = "voicebridge"

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, fetcher repositories.SignedURLFetcher, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:           "ok",
			Service:          serviceName,
			ConnectedDevices: hub.ClientCount(),
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Credential-issuing endpoint: the API key stays on this server.
	v1.GET("/voice/signed-url", func(c echo.Context) error {
		return signedURL(c, fetcher, logger)
	})

	// Device WebSocket endpoint
	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(hub, c, logger)
	})
}

func signedURL(c echo.Context, fetcher repositories.SignedURLFetcher, logger *zap.Logger) error {
	agentID := c.QueryParam("agent_id")

	url, err := fetcher.FetchSignedURL(c.Request().Context(), agentID)
	if err != nil {
		metrics.SignedURLRequestsTotal.WithLabelValues("error").Inc()
		logger.Warn("Failed to issue signed URL",
			zap.String("agentID", agentID),
			zap.Error(err))

		message := "failed to obtain a signed URL"
		if serr, ok := domain.AsSessionError(err); ok {
			message = serr.UserMessage()
		}
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "signed_url_failed",
			Message: message,
		})
	}

	metrics.SignedURLRequestsTotal.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, SignedURLResponse{SignedURL: url})
}
