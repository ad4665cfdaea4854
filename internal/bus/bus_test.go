package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus() *Bus {
	return New(Config{QueueDepth: 4, RequestTimeout: 200 * time.Millisecond, RetryAttempts: 2, InitialBackoff: 10 * time.Millisecond}, nil)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := testBus()
	s1 := b.Subscribe("routing.chat")
	s2 := b.Subscribe("routing.chat")
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish("routing.chat", map[string]any{"text": "hi"})

	msg1 := <-s1.C()
	msg2 := <-s2.C()
	assert.Equal(t, "hi", msg1.Payload["text"])
	assert.Equal(t, "hi", msg2.Payload["text"])
}

func TestHierarchicalWildcardMatches(t *testing.T) {
	b := testBus()
	sub := b.Subscribe("routing.chat.>")
	defer sub.Unsubscribe()

	b.Publish("routing.chat.message", map[string]any{"n": 1})

	select {
	case msg := <-sub.C():
		assert.Equal(t, "routing.chat.message", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected delivery via wildcard subscription")
	}
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	b := testBus()
	sub := b.Subscribe("x")
	defer sub.Unsubscribe()

	for i := 0; i < 4; i++ {
		b.Publish("x", map[string]any{"n": i})
	}
	b.Publish("x", map[string]any{"n": 99}) // over capacity, drops oldest

	var last map[string]any
	for {
		select {
		case msg := <-sub.C():
			last = msg.Payload
			continue
		default:
		}
		break
	}
	assert.Equal(t, 99, last["n"])
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b := testBus()
	sub := b.Subscribe("echo")
	go func() {
		msg := <-sub.C()
		b.Reply(msg, map[string]any{"echo": msg.Payload["value"]}, nil)
	}()

	reply, err := b.Request(context.Background(), "echo", map[string]any{"value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply["echo"])
}

func TestRequestWithNoSubscriberFailsAfterRetries(t *testing.T) {
	b := testBus()
	_, err := b.Request(context.Background(), "nobody-home", map[string]any{})
	assert.Error(t, err)
}

func TestRequestTimesOutWhenNoReplySent(t *testing.T) {
	b := testBus()
	sub := b.Subscribe("slow")
	go func() { <-sub.C() }() // consumes but never replies

	_, err := b.Request(context.Background(), "slow", map[string]any{})
	assert.Error(t, err)
}
