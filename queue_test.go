package ndp6proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue()
	q.Push(queueItem{Packet: decoded{Kind: kindNS}})
	q.Push(queueItem{Packet: decoded{Kind: kindNA}})

	ctx := context.Background()
	first, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, kindNS, first.Packet.Kind)

	second, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, kindNA, second.Packet.Kind)

	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	done := make(chan queueItem, 1)

	go func() {
		item, ok := q.Pop(ctx)
		if ok {
			done <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(queueItem{Packet: decoded{Kind: kindDU}})

	select {
	case item := <-done:
		assert.Equal(t, kindDU, item.Packet.Kind)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopCancelledByContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after context cancellation")
	}
}
