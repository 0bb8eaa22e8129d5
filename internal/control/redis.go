package control

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
)

const originRedis = "redis"

// NewRedisClient creates a client for the control feed
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// RedisFeed applies control messages published on a Redis channel
type RedisFeed struct {
	client     *redis.Client
	channel    string
	dispatcher *Dispatcher
	log        logger.Logger
}

// NewRedisFeed creates a feed for channel
func NewRedisFeed(client *redis.Client, channel string, dispatcher *Dispatcher, log logger.Logger) *RedisFeed {
	return &RedisFeed{
		client:     client,
		channel:    channel,
		dispatcher: dispatcher,
		log:        logger.OrNull(log).WithField("channel", channel),
	}
}

// Run subscribes and applies messages until ctx is cancelled. Malformed or
// rejected messages are logged and skipped.
func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.log.Info("Control feed subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			f.log.Info("Control feed stopped")
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", f.channel)
			}
			f.handle(m.Payload)
		}
	}
}

func (f *RedisFeed) handle(payload string) {
	msg, err := DecodeMessage([]byte(payload))
	if err != nil {
		f.log.WithError(err).Warn("Dropping malformed control message")
		return
	}
	_ = f.dispatcher.Apply(originRedis, msg)
}

// Publish sends msg on the feed channel
func (f *RedisFeed) Publish(ctx context.Context, msg Message) error {
	return Publish(ctx, f.client, f.channel, msg)
}

// Publish sends msg on channel for every subscribed feed
func Publish(ctx context.Context, client *redis.Client, channel string, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
