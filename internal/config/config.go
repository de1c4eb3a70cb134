// Package config loads process configuration from the environment and .env.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Eleven Labs
	ElevenLabsAPIKey     string
	ElevenLabsAPIBaseURL string
	AgentID              string

	// SignedURLEndpoint points at a credential-issuing endpoint. Clients
	// without an API key fetch signed URLs from it.
	SignedURLEndpoint string

	// Voice session
	AllowedOrigins []string // Browser origins allowed to open /ws
	Origin         string   // Origin presented to the agent
	Language       string
	FirstMessage   string
	MicTimeout     time.Duration
	IdleTimeout    time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		ElevenLabsAPIKey:     getEnv("ELEVEN_LABS_API_KEY", ""),
		ElevenLabsAPIBaseURL: getEnv("ELEVEN_LABS_API_BASE_URL", ""),
		AgentID:              getEnv("ELEVEN_LABS_AGENT_ID", ""),
		SignedURLEndpoint:    getEnv("VOICE_SIGNED_URL_ENDPOINT", ""),
		AllowedOrigins:       getEnvList("VOICE_ALLOWED_ORIGINS"),
		Origin:               getEnv("VOICE_ORIGIN", ""),
		Language:             getEnv("VOICE_LANGUAGE", ""),
		FirstMessage:         getEnv("VOICE_FIRST_MESSAGE", ""),
		MicTimeout:           getEnvDuration("VOICE_MIC_TIMEOUT", 30*time.Second),
		IdleTimeout:          getEnvDuration("VOICE_IDLE_TIMEOUT", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ElevenLabsAPIKey == "" && c.SignedURLEndpoint == "" {
		return fmt.Errorf("ELEVEN_LABS_API_KEY or VOICE_SIGNED_URL_ENDPOINT is required")
	}
	if c.ElevenLabsAPIKey == "" && c.pointsAtSelf(c.SignedURLEndpoint) {
		return fmt.Errorf("VOICE_SIGNED_URL_ENDPOINT %q points at this server; set ELEVEN_LABS_API_KEY instead", c.SignedURLEndpoint)
	}
	if c.MicTimeout <= 0 {
		return fmt.Errorf("VOICE_MIC_TIMEOUT must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("VOICE_IDLE_TIMEOUT must be positive")
	}
	return nil
}

// pointsAtSelf reports whether endpoint is served by this process: a
// loopback or unspecified host on the configured port. Without an API key
// the server would answer signed URL requests by calling itself.
func (c *Config) pointsAtSelf(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port != c.Port {
		return false
	}

	host := u.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
