package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/textdesk/textdesk/internal/logging"
)

// Redis is a broker backed by Redis pub/sub, for deployments where the
// webhook ingress and the gateway run in separate processes.
type Redis struct {
	rdb *redis.Client
	log *logging.Logger
}

// RedisOptions configures the Redis broker connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions, log *logging.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	l := log.Sub("broker")
	l.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis broker connected")
	return &Redis{rdb: rdb, log: l}, nil
}

// Publish sends the payload on a Redis pub/sub channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription on the channel and pumps messages to
// the handler from a dedicated goroutine. The returned cancel closes the
// subscription and stops the pump.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)

	// Confirm the subscription before returning so a publish immediately
	// after Subscribe cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				r.log.Warn().Err(err).Str("channel", channel).Msg("closing subscription")
			}
		})
	}
	return cancel, nil
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
