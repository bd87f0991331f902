package webhook

import "context"

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/hookrelay/internal/webhook Sender

// Sender delivers one rendered message to a chat room.
type Sender interface {
	Send(ctx context.Context, room, text string) error
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// InvalidPayloadResponse lists why every recognized event in a body was rejected.
type InvalidPayloadResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

// HealthResponse is served on GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Channels      int    `json:"channels"`
}
