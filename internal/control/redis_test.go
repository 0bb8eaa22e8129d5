package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
)

const testChannel = "tsdecrypt:ca:test"

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := NewRedisClient(&config.RedisConfig{
		Addr:         mr.Addr(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// startFeed runs a feed until the test ends and waits for its subscription
func startFeed(t *testing.T, mr *miniredis.Miniredis, feed *RedisFeed) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestRedisFeed_AppliesMessages(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := newTestDispatcher(t)
	feed := NewRedisFeed(client, testChannel, d, nil)
	startFeed(t, mr, feed)

	ctx := context.Background()
	require.NoError(t, feed.Publish(ctx, DescrMessage(0x0100, 1, descrambler.ParityEven, testCW)))
	require.NoError(t, feed.Publish(ctx, PidMessage(0x0100, 1, 0x200)))

	assert.Eventually(t, func() bool {
		desc, err := d.Lookup(0x0100)
		if err != nil {
			return false
		}
		for _, st := range desc.Slots() {
			if st.Index == 1 {
				return st.EvenGood && st.UsedPIDs == 1
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRedisFeed_SkipsBadMessages(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := newTestDispatcher(t)
	feed := NewRedisFeed(client, testChannel, d, nil)
	startFeed(t, mr, feed)

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, testChannel, "not json").Err())
	require.NoError(t, feed.Publish(ctx, DescrMessage(0x0999, 0, descrambler.ParityEven, testCW)))
	require.NoError(t, feed.Publish(ctx, PidMessage(0x0003, 4, 0x30)))

	assert.Eventually(t, func() bool {
		desc, err := d.Lookup(0x0003)
		return err == nil && len(desc.Slots()) == 1
	}, 2*time.Second, 5*time.Millisecond, "feed keeps running after bad messages")
}

func TestRedisFeed_StopsOnCancel(t *testing.T) {
	mr, client := setupTestRedis(t)
	feed := NewRedisFeed(client, testChannel, newTestDispatcher(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestRedisFeed_SubscribeFails(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	feed := NewRedisFeed(client, testChannel, newTestDispatcher(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, feed.Run(ctx))
}
