package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/freightdesk/freightdesk/internal/config"
)

const defaultAuditStream = "freightdesk:audit"

// streamClient is the part of the go-redis client the stream shipper uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamShipper appends entries to a Redis stream, trimmed to roughly
// MaxLen entries.
type RedisStreamShipper struct {
	client streamClient
	stream string
	maxLen int64
}

// NewRedisStreamShipper connects to the configured Redis server.
func NewRedisStreamShipper(cfg *config.AuditRedisConfig) (*RedisStreamShipper, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStreamShipper(client, cfg.Stream, cfg.MaxLen), nil
}

func newRedisStreamShipper(client streamClient, stream string, maxLen int64) *RedisStreamShipper {
	if stream == "" {
		stream = defaultAuditStream
	}
	return &RedisStreamShipper{client: client, stream: stream, maxLen: maxLen}
}

// Ship adds entry to the stream with the organization and action as
// separate fields so consumers can filter without decoding.
func (rs *RedisStreamShipper) Ship(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: rs.stream,
		Values: map[string]any{
			"organization_id": entry.OrganizationID,
			"action":          entry.Action,
			"entry":           string(data),
		},
	}
	if rs.maxLen > 0 {
		args.MaxLen = rs.maxLen
		args.Approx = true
	}

	if err := rs.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add audit entry to stream %s: %w", rs.stream, err)
	}
	return nil
}

// Close closes the Redis client.
func (rs *RedisStreamShipper) Close() error {
	return rs.client.Close()
}
