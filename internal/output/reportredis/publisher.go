// Package reportredis pushes finished session reports and live status
// updates onto Redis lists for downstream consumers.
package reportredis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"sandtrap/pkg/models"
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// Publisher wraps a Redis list pusher.
type Publisher struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewPublisher creates a Redis publisher for list-based queues.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Publisher{
		client:  client,
		key:     cfg.Key,
		timeout: cfg.Timeout,
	}, nil
}

// WriteReport pushes one session report.
func (p *Publisher) WriteReport(report *models.SessionReport) error {
	return p.push(report)
}

// PublishStatus pushes one status feed update.
func (p *Publisher) PublishStatus(update models.StatusUpdate) error {
	return p.push(update)
}

func (p *Publisher) push(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.RPush(ctx, p.key, payload).Err(); err != nil {
		return fmt.Errorf("redis push failed: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return p.client.Close()
}
