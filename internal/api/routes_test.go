package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/adapters/signedurl"
	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/internal/websocket"
)

type stubFetcher struct {
	url      string
	err      error
	agentIDs []string
}

func (f *stubFetcher) FetchSignedURL(ctx context.Context, agentID string) (string, error) {
	f.agentIDs = append(f.agentIDs, agentID)
	return f.url, f.err
}

func setupRoutes(fetcher *stubFetcher) *echo.Echo {
	logger := zap.NewNop()
	hub := websocket.NewHub(websocket.HubConfig{}, fetcher, nil, logger)
	e := echo.New()
	InitRoutes(e, hub, fetcher, logger)
	return e
}

func TestHealth(t *testing.T) {
	e := setupRoutes(&stubFetcher{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "voicebridge", body.Service)
	assert.Equal(t, 0, body.ConnectedDevices)
}

func TestMetrics(t *testing.T) {
	e := setupRoutes(&stubFetcher{url: "wss://x"})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/voice/signed-url", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voicebridge_signed_url_requests_total")
}

func TestSignedURL(t *testing.T) {
	fetcher := &stubFetcher{url: "wss://agent.example/convai?token=abc"}
	e := setupRoutes(fetcher)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/voice/signed-url?agent_id=agent-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body SignedURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "wss://agent.example/convai?token=abc", body.SignedURL)
	assert.Equal(t, []string{"agent-1"}, fetcher.agentIDs)
}

func TestSignedURL_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{
			name:        "session start error keeps the remote reason",
			err:         domain.NewSessionStartError("agent not found", nil),
			wantMessage: "agent not found",
		},
		{
			name:        "other errors are generic",
			err:         errors.New("boom"),
			wantMessage: "failed to obtain a signed URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupRoutes(&stubFetcher{err: tt.err})

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/voice/signed-url", nil))

			require.Equal(t, http.StatusBadGateway, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "signed_url_failed", body.Error)
			assert.Equal(t, tt.wantMessage, body.Message)
		})
	}
}

func TestSignedURL_ClientRoundTrip(t *testing.T) {
	e := setupRoutes(&stubFetcher{err: domain.NewSessionStartError("quota exceeded", nil)})
	server := httptest.NewServer(e)
	defer server.Close()

	client, err := signedurl.NewClient(server.URL+"/api/v1/voice/signed-url", nil, zap.NewNop())
	require.NoError(t, err)

	_, err = client.FetchSignedURL(context.Background(), "agent-1")
	require.Error(t, err)
	serr, ok := domain.AsSessionError(err)
	require.True(t, ok)
	assert.True(t, strings.Contains(serr.UserMessage(), "quota exceeded"))
}
