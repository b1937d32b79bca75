//go:build integration
// +build integration

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher_SyncCompleted(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, ChannelSyncCompleted)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client)
	require.NoError(t, pub.PublishSyncCompleted(ctx, SyncCompleted{OrdersProcessed: 3, SyncType: "processed_orders", Success: true}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got SyncCompleted
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, 3, got.OrdersProcessed)
	assert.True(t, got.Success)
}
