package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const webhookCountersKey = "billing:counters:webhooks"

// Webhook delivery outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Counter keeps webhook delivery counters in a Redis hash
type Counter struct {
	client *redis.Client
}

func New(client *redis.Client) *Counter {
	return &Counter{client: client}
}

// AddWebhook increments the counter for an event type and outcome
func (c *Counter) AddWebhook(ctx context.Context, eventType, outcome string) error {
	if strings.TrimSpace(eventType) == "" {
		eventType = "unknown"
	}
	return c.client.HIncrBy(ctx, webhookCountersKey, eventType+"|"+outcome, 1).Err()
}

// WebhookCounts returns counters grouped by event type, then outcome
func (c *Counter) WebhookCounts(ctx context.Context) (map[string]map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, webhookCountersKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]int64)
	for field, v := range data {
		eventType, outcome, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		if out[eventType] == nil {
			out[eventType] = make(map[string]int64)
		}
		out[eventType][outcome] = n
	}
	return out, nil
}

// Reset drops all webhook counters
func (c *Counter) Reset(ctx context.Context) error {
	return c.client.Del(ctx, webhookCountersKey).Err()
}
