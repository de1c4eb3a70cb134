package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/repositories"
)

const (
	defaultAPIBaseURL     = "https://api.elevenlabs.io/v1"
	defaultRequestTimeout = 10 * time.Second
	signedURLPath         = "/convai/conversation/get_signed_url"
	maxErrorBodyBytes     = 64 << 10
)

// ConvAIConfig holds configuration for the ConvAI signed URL client
// Required fields:
// - APIKey: Your Eleven Labs API key
// Optional fields with defaults:
// - APIBaseURL: The base URL for the Eleven Labs API (default: "https://api.elevenlabs.io/v1")
// - AgentID: Agent used when the caller does not name one
// - RequestTimeout: HTTP timeout for one signed URL request (default: 10s)
type ConvAIConfig struct {
	APIKey         string        // Required: Your Eleven Labs API key
	APIBaseURL     string        // Optional: The base URL for the Eleven Labs API
	AgentID        string        // Optional: Default agent ID
	RequestTimeout time.Duration // Optional: HTTP timeout
}

// ConvAIClient implements SignedURLFetcher against the Eleven Labs ConvAI API
type ConvAIClient struct {
	apiKey     string
	apiBaseURL string
	agentID    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure ConvAIClient implements the SignedURLFetcher interface
var _ repositories.SignedURLFetcher = (*ConvAIClient)(nil)

// SignedURLResponse is the success body of get_signed_url
type SignedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// ValidateConvAIConfig validates the ConvAIConfig
func ValidateConvAIConfig(config ConvAIConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}

	if config.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be positive, got %s", config.RequestTimeout)
	}

	if config.APIBaseURL != "" {
		u, err := url.Parse(config.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid API base URL %q", config.APIBaseURL)
		}
	}

	return nil
}

// NewConvAIClient creates a new signed URL client
func NewConvAIClient(config ConvAIConfig, logger *zap.Logger) (*ConvAIClient, error) {
	if err := ValidateConvAIConfig(config); err != nil {
		return nil, err
	}

	apiBaseURL := strings.TrimRight(config.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
		logger.Info("Using default API base URL", zap.String("apiBaseURL", apiBaseURL))
	}

	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &ConvAIClient{
		apiKey:     config.APIKey,
		apiBaseURL: apiBaseURL,
		agentID:    config.AgentID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// FetchSignedURL asks the API for a signed conversation URL. It makes exactly
// one request; every failure is returned as a session start error.
func (c *ConvAIClient) FetchSignedURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		agentID = c.agentID
	}

	endpoint := c.apiBaseURL + signedURLPath
	if agentID != "" {
		endpoint += "?" + url.Values{"agent_id": {agentID}}.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", domain.NewSessionStartError("failed to create signed URL request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	c.logger.Debug("Requesting signed URL", zap.String("agentID", agentID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", domain.NewSessionStartError("failed to reach the voice agent service", err)
	}
	defer resp.Body.Close()

	return ReadSignedURLResponse(resp)
}

// ReadSignedURLResponse extracts signed_url from a success response, or the
// remote reason from an error response.
func ReadSignedURLResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return "", domain.NewSessionStartError("failed to read signed URL response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := RemoteErrorReason(body)
		if reason == "" {
			reason = fmt.Sprintf("signed URL request failed with status %d", resp.StatusCode)
		}
		return "", domain.NewSessionStartError(reason, fmt.Errorf("status %d: %s", resp.StatusCode, shortReason(string(body))))
	}

	var payload SignedURLResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", domain.NewSessionStartError("malformed signed URL response", err)
	}
	if payload.SignedURL == "" {
		return "", domain.NewSessionStartError("signed URL response did not include signed_url", nil)
	}
	return payload.SignedURL, nil
}

// maxReasonLength bounds the remote text surfaced as a user message.
const maxReasonLength = 200

// RemoteErrorReason pulls a human readable message out of an error body.
// It looks at message, error, detail and detail.message in that order.
// Markup bodies yield no reason; other plain text is collapsed and truncated.
func RemoteErrorReason(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		text := strings.TrimSpace(string(body))
		if strings.HasPrefix(text, "<") {
			return ""
		}
		return shortReason(text)
	}

	for _, key := range []string{"message", "error", "detail"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return shortReason(s)
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &nested); err == nil && nested.Message != "" {
			return shortReason(nested.Message)
		}
	}
	return ""
}

func shortReason(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxReasonLength {
		return text
	}
	return string(runes[:maxReasonLength]) + "…"
}

// NewConvAIConfigFromEnv creates a new ConvAIConfig from environment variables
func NewConvAIConfigFromEnv() ConvAIConfig {
	config := ConvAIConfig{
		APIKey:     os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL: os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		AgentID:    os.Getenv("ELEVEN_LABS_AGENT_ID"),
	}

	if timeoutStr := os.Getenv("ELEVEN_LABS_REQUEST_TIMEOUT_SECONDS"); timeoutStr != "" {
		if seconds, err := strconv.Atoi(timeoutStr); err == nil && seconds > 0 {
			config.RequestTimeout = time.Duration(seconds) * time.Second
		}
	}

	return config
}
