package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilnworks/kilnd/internal/oven"
)

// redisMaxLen is the approximate stream length cap. Old entries are
// trimmed by the server; a fleet dashboard only needs recent history.
const redisMaxLen = 10000

// RedisSink mirrors each snapshot onto a Redis stream so fleet
// dashboards can follow many kilns from one place.
type RedisSink struct {
	client  *redis.Client
	stream  string
	timeout time.Duration
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(addr, stream string) (*RedisSink, error) {
	if stream == "" {
		stream = "kiln:status"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect to %s: %w", addr, err)
	}

	return &RedisSink{
		client:  client,
		stream:  stream,
		timeout: 2 * time.Second,
	}, nil
}

// Publish appends the snapshot to the stream with approximate trimming.
func (s *RedisSink) Publish(snap oven.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: redisMaxLen,
		Approx: true,
		Values: map[string]interface{}{"message": string(payload)},
	}).Err()
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
