// Package notify publishes terminal task outcomes to an optional Redis
// channel. Delivery is fire-and-forget: subscribers are a convenience
// (dashboards, chat hooks), never a dependency of the dispatch core.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Event describes one terminal outcome
type Event struct {
	FileID       string    `json:"file_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	AudioMinutes float64   `json:"audio_minutes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher sends outcome events to a Redis pub/sub channel
type Publisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher creates a publisher for the given Redis address and
// channel. Connectivity is not checked here; a broker outage must not
// block server startup.
func NewPublisher(addr, channel string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Publish sends one event. Errors are logged and dropped; the caller
// never sees them.
func (p *Publisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to encode outcome event", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("Failed to publish outcome event",
			slog.String("channel", p.channel),
			slog.String("file_id", event.FileID),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the underlying Redis connection
func (p *Publisher) Close() error {
	return p.client.Close()
}
