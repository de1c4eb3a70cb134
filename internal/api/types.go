package api

// SignedURLResponse is returned by the credential-issuing endpoint
type SignedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// HealthResponse represents the health check payload
type HealthResponse struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	ConnectedDevices int    `json:"connected_devices"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
