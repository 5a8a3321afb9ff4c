package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("DRYNKS_TEST_REDIS")
	if addr == "" {
		t.Skip("DRYNKS_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewRedisTransport(rdb, "drynks-test-"+time.Now().Format("150405.000000000")+":")
	topic := Topic(TableMessages, "c1")

	sub, err := tr.Subscribe(ctx, topic, TableMessages)
	require.NoError(t, err)

	typing, err := NewChange(OpInsert, TableTyping, TypingState{ConversationID: "c1", UserID: "bob", IsTyping: true}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, topic, typing))

	msg, err := NewChange(OpInsert, TableMessages, Message{ID: "m1", ConversationID: "c1", Body: "hi"}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, topic, msg))

	select {
	case c := <-sub.Changes():
		assert.Equal(t, TableMessages, c.Table)
		var got Message
		require.NoError(t, c.Row(&got))
		assert.Equal(t, "m1", got.ID)
	case <-ctx.Done():
		t.Fatal("no change delivered")
	}

	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Err())
	_, open := <-sub.Changes()
	assert.False(t, open)
}
