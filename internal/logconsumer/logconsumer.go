// Package logconsumer is the gateway's structured-log sink (spec
// §4.9): it subscribes to the message bus's log subject tree, batches
// events in memory, and flushes them to a Store on whichever comes
// first — a batch-size threshold or a cron-scheduled timer. Grounded
// on internal/app/httpapi/audit.go's buffered-sink shape and
// rjsadow-sortie's use of robfig/cron for scheduled maintenance work.
package logconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// LogSubject is the bus subject tree the Consumer subscribes to. Any
// publisher naming a subject under this prefix (e.g. "log.gateway",
// "log.plugin.auth") reaches the consumer via the hierarchical ".>"
// wildcard match.
const LogSubject = "log.>"

// Config controls batching behavior.
type Config struct {
	BatchSize     int           // flush once the buffer reaches this many events
	FlushInterval time.Duration // flush on this cadence regardless of buffer size
	FlushTimeout  time.Duration // bound on a single flush call to the store
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

// Consumer drains log events off the bus into a Store, fitting
// internal/container.Service.
type Consumer struct {
	cfg   Config
	bus   *bus.Bus
	store Store
	log   *gwlog.Logger

	cron *cron.Cron
	sub  *bus.Subscription

	mu     sync.Mutex
	buffer []LogEvent

	stopOnce sync.Once
	done     chan struct{}
}

func NewConsumer(cfg Config, b *bus.Bus, store Store, log *gwlog.Logger) *Consumer {
	if log == nil {
		log = gwlog.NewDefault("logconsumer")
	}
	return &Consumer{
		cfg:   cfg.withDefaults(),
		bus:   b,
		store: store,
		log:   log,
		done:  make(chan struct{}),
	}
}

func (c *Consumer) Name() string { return "log-consumer" }

// Start subscribes to the bus and arms the scheduled-flush cron job.
// The cron schedule is independent of BatchSize: even a quiet gateway
// flushes whatever's buffered every FlushInterval, bounding how stale
// un-persisted log data can get before a crash.
func (c *Consumer) Start(ctx context.Context) error {
	c.sub = c.bus.Subscribe(LogSubject)

	sched := cron.New(cron.WithSeconds())
	spec := durationToCronSpec(c.cfg.FlushInterval)
	if _, err := sched.AddFunc(spec, func() { c.flush(context.Background()) }); err != nil {
		return err
	}
	sched.Start()
	c.cron = sched

	go c.consumeLoop()
	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		if c.cron != nil {
			<-c.cron.Stop().Done()
		}
	})
	c.flush(ctx)
	return nil
}

func (c *Consumer) consumeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.sub.C():
			if !ok {
				return
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				c.log.Warnf("logconsumer: dropping malformed event: %v", err)
				continue
			}
			c.append(ev)
		}
	}
}

func (c *Consumer) append(ev LogEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	shouldFlush := len(c.buffer) >= c.cfg.BatchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush(context.Background())
	}
}

// flush is safe to call concurrently from the consume loop and the
// cron job; it takes ownership of the current buffer under lock and
// writes outside of it so a slow store call never blocks ingestion.
func (c *Consumer) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	defer cancel()

	if err := c.store.InsertBatch(flushCtx, batch); err != nil {
		c.log.Errorf("logconsumer: flush failed, %d events dropped: %v", len(batch), err)
	}
}

// decodeEvent re-marshals a bus message's generic payload map into a
// LogEvent — the bus carries map[string]any, not raw bytes, so this
// round trip through encoding/json is the simplest way to apply
// LogEvent's json tags without hand-walking the map.
func decodeEvent(msg bus.Message) (LogEvent, error) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return LogEvent{}, err
	}
	var ev LogEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return LogEvent{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

// durationToCronSpec renders a plain interval as a robfig/cron
// "@every" spec, since the schedule here is a fixed cadence rather
// than a calendar expression.
func durationToCronSpec(d time.Duration) string {
	return "@every " + d.String()
}
