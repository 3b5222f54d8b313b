package health

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/teresa-solution/integration-service/internal/model"
)

// Notifier delivers an alert to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *model.Alert) error
}

// Publisher is the go-redis subset RedisNotifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes alerts as JSON on alerts:<severity>.
type RedisNotifier struct {
	client Publisher
	prefix string
}

// NewRedisNotifier returns a notifier publishing through client.
func NewRedisNotifier(client Publisher) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "alerts:"}
}

func (n *RedisNotifier) Name() string { return "redis" }

// Channel returns the pub/sub channel for severity.
func (n *RedisNotifier) Channel(sev model.Severity) string {
	return n.prefix + string(sev)
}

func (n *RedisNotifier) Notify(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := n.client.Publish(ctx, n.Channel(alert.Severity), data).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
