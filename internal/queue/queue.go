// Package queue owns the Redis and asynq connections shared by the API and
// the worker server.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/reelforge/render/internal/config"
)

// Connection bundles every client that talks to the queue's Redis. It is
// created once in main and passed to whoever needs it.
type Connection struct {
	Redis     *redis.Client
	Client    *asynq.Client
	Inspector *asynq.Inspector
	Opt       asynq.RedisClientOpt
}

// Connect opens the connections and verifies Redis is reachable.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Connection, error) {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis not available at %s: %w", cfg.Addr, err)
	}

	return &Connection{
		Redis:     redisClient,
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		Opt:       opt,
	}, nil
}

// Ping checks Redis.
func (c *Connection) Ping(ctx context.Context) error {
	return c.Redis.Ping(ctx).Err()
}

// QueueStats returns the inspector's view of a queue.
func (c *Connection) QueueStats(queue string) (*asynq.QueueInfo, error) {
	return c.Inspector.GetQueueInfo(queue)
}

// Close releases every connection.
func (c *Connection) Close() error {
	return errors.Join(
		c.Client.Close(),
		c.Inspector.Close(),
		c.Redis.Close(),
	)
}
