package logconsumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// fakeStore is an in-memory Store used to test the Consumer's batching
// and flush-timing behavior without a real database.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]LogEvent
}

func (f *fakeStore) InsertBatch(ctx context.Context, events []LogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]LogEvent(nil), events...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testBus() *bus.Bus {
	return bus.New(bus.Config{QueueDepth: 64}, gwlog.NewDefault("test"))
}

func publishEvent(b *bus.Bus, subject, subsystem, message string) {
	b.Publish(subject, map[string]any{
		"level":     "info",
		"subsystem": subsystem,
		"message":   message,
	})
}

func TestConsumerFlushesOnBatchSizeThreshold(t *testing.T) {
	b := testBus()
	store := &fakeStore{}
	c := NewConsumer(Config{BatchSize: 3, FlushInterval: time.Hour}, b, store, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	for i := 0; i < 3; i++ {
		publishEvent(b, "log.gateway", "gateway", "hello")
	}

	require.Eventually(t, func() bool { return store.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestConsumerSubscribesToHierarchicalLogSubject(t *testing.T) {
	b := testBus()
	store := &fakeStore{}
	c := NewConsumer(Config{BatchSize: 1, FlushInterval: time.Hour}, b, store, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	publishEvent(b, "log.plugin.auth", "plugin.auth", "denied")

	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConsumerStopFlushesRemainingBufferedEvents(t *testing.T) {
	b := testBus()
	store := &fakeStore{}
	c := NewConsumer(Config{BatchSize: 100, FlushInterval: time.Hour}, b, store, nil)
	require.NoError(t, c.Start(context.Background()))

	publishEvent(b, "log.gateway", "gateway", "one")
	publishEvent(b, "log.gateway", "gateway", "two")

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.buffer) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 2, store.total(), "Stop must flush buffered events before returning")
}

func TestConsumerDropsMalformedEventWithoutCrashing(t *testing.T) {
	b := testBus()
	store := &fakeStore{}
	c := NewConsumer(Config{BatchSize: 1, FlushInterval: time.Hour}, b, store, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	b.Publish("log.gateway", map[string]any{"level": func() {}})
	publishEvent(b, "log.gateway", "gateway", "valid")

	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}
