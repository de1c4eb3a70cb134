package signedurl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
)

func TestNewClient_InvalidEndpoint(t *testing.T) {
	_, err := NewClient("/relative", nil, zap.NewNop())
	assert.Error(t, err)
}

func TestClient_FetchSignedURL(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"signed_url":"wss://agent.example/ws?token=1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/api/v1/voice/signed-url", nil, zap.NewNop())
	require.NoError(t, err)

	signed, err := client.FetchSignedURL(context.Background(), "agent 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://agent.example/ws?token=1", signed)
	assert.Equal(t, "agent_id=agent+1", query)

	_, err = client.FetchSignedURL(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, query)
}

func TestClient_FetchSignedURLRemoteError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"Bad Gateway","message":"agent service unavailable"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = client.FetchSignedURL(context.Background(), "agent-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSessionStart))
	serr, _ := domain.AsSessionError(err)
	assert.Equal(t, "agent service unavailable", serr.UserMessage())
	assert.Equal(t, 1, calls)
}

func TestClient_FetchSignedURLCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewClient(srv.URL, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.FetchSignedURL(ctx, "")
	assert.True(t, errors.Is(err, domain.ErrSessionStart))
	assert.True(t, errors.Is(err, context.Canceled))
}
