// Package signedurl fetches signed conversation URLs from a credential-issuing
// endpoint, so the vendor API key never leaves the server that holds it.
package signedurl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/adapters/elevenlabs"
	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/repositories"
)

const defaultTimeout = 10 * time.Second

// Client calls GET <endpoint>?agent_id=<id> and expects {"signed_url": "..."}
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ repositories.SignedURLFetcher = (*Client)(nil)

// NewClient creates a client for the given endpoint URL
func NewClient(endpoint string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid signed URL endpoint %q", endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, logger: logger}, nil
}

// FetchSignedURL performs one request. The agent id is optional.
func (c *Client) FetchSignedURL(ctx context.Context, agentID string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", domain.NewSessionStartError("invalid signed URL endpoint", err)
	}
	if agentID != "" {
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", domain.NewSessionStartError("failed to create signed URL request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Signed URL endpoint unreachable", zap.String("endpoint", c.endpoint), zap.Error(err))
		return "", domain.NewSessionStartError("failed to reach the signed URL endpoint", err)
	}
	defer resp.Body.Close()

	signed, err := elevenlabs.ReadSignedURLResponse(resp)
	if err != nil {
		c.logger.Warn("Signed URL endpoint returned an error", zap.Int("statusCode", resp.StatusCode), zap.Error(err))
		return "", err
	}
	return signed, nil
}
