// Package redisclient wraps go-redis for the router's one optional use
// of Redis: broadcasting health feedback across replicas so every
// instance's EWMA converges on the same view of a model's recent
// latency and error rate, without replicating plan-cache state itself.
package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/config"
	"github.com/labiium/edurouter-go/types"
)

type Client struct {
	c       *redis.Client
	channel string
	logger  zerolog.Logger
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed; callers are expected to treat a
// failure here as non-fatal and continue without cross-replica broadcast.
func New(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt), channel: cfg.HealthBroadcastKey, logger: logger}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// PublishFeedback fans a feedback observation out to every other replica
// subscribed on the health-broadcast channel. Failures are logged and
// swallowed: a missed broadcast degrades to "this replica's own EWMA
// runs slightly cold on this model," never a request failure.
func (r *Client) PublishFeedback(ctx context.Context, fb types.RouteFeedback) {
	payload, err := fb.MarshalCompact()
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to marshal feedback for broadcast")
		return
	}
	if err := r.c.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish health feedback")
	}
}

// Subscribe starts a background goroutine delivering every feedback
// event published by any replica (including, harmlessly, this one) to
// handle. It runs until ctx is canceled.
func (r *Client) Subscribe(ctx context.Context, handle func(types.RouteFeedback)) {
	sub := r.c.Subscribe(ctx, r.channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var fb types.RouteFeedback
				if err := json.Unmarshal([]byte(msg.Payload), &fb); err != nil {
					r.logger.Warn().Err(err).Msg("discarding malformed health broadcast payload")
					continue
				}
				handle(fb)
			}
		}
	}()
}

func (r *Client) Close() error { return r.c.Close() }
