package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ocr-agent/internal/models"
)

const (
	statusKeyPrefix = "ocr:task:status:"
	countsKey       = "ocr:queue:counts"
	EventsChannel   = "ocr:task:events"
	defaultTTL      = 10 * time.Minute
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("status not cached")

// Cache mirrors task status into Redis for front-ends that poll or subscribe
// instead of opening the queue database.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Event is the JSON message published on EventsChannel.
type Event struct {
	TaskID int64             `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	At     int64             `json:"at"`
}

// New wraps an existing client. A zero ttl falls back to ten minutes.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func statusKey(id int64) string {
	return statusKeyPrefix + strconv.FormatInt(id, 10)
}

// SetTaskStatus stores the status of one task and publishes the transition.
func (c *Cache) SetTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error {
	payload, err := json.Marshal(Event{TaskID: id, Status: status, At: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, statusKey(id), string(status), c.ttl)
	pipe.Publish(ctx, EventsChannel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// TaskStatus reads back a cached status.
func (c *Cache) TaskStatus(ctx context.Context, id int64) (models.TaskStatus, error) {
	v, err := c.client.Get(ctx, statusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return models.TaskStatus(v), nil
}

// SetCounts stores a snapshot of the per-status task counts.
func (c *Cache) SetCounts(ctx context.Context, counts map[models.TaskStatus]int) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	return c.client.Set(ctx, countsKey, data, c.ttl).Err()
}

// Counts returns the last snapshot written by SetCounts.
func (c *Cache) Counts(ctx context.Context) (map[models.TaskStatus]int, error) {
	data, err := c.client.Get(ctx, countsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	counts := make(map[models.TaskStatus]int)
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	return counts, nil
}

// Close closes the Redis client, which is shared with the rate limiter.
func (c *Cache) Close() error {
	return c.client.Close()
}
