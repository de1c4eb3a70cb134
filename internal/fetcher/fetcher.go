// Package fetcher picks the signed URL source for a configuration.
package fetcher

import (
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/adapters/elevenlabs"
	"github.com/satriahrh/voicebridge/adapters/signedurl"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/config"
)

// New talks to the vendor directly when an API key is configured and
// otherwise delegates to the configured credential endpoint.
func New(cfg *config.Config, logger *zap.Logger) (repositories.SignedURLFetcher, error) {
	if cfg.ElevenLabsAPIKey != "" {
		return elevenlabs.NewConvAIClient(elevenlabs.ConvAIConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			APIBaseURL: cfg.ElevenLabsAPIBaseURL,
			AgentID:    cfg.AgentID,
		}, logger)
	}
	return signedurl.NewClient(cfg.SignedURLEndpoint, nil, logger)
}
