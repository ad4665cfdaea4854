// Package pipeline is the gateway's Plugin Pipeline (spec §4.6): an
// ordered, priority-sorted chain of request/response plugins sharing a
// uniform RequestContext. Grounded directly on
// other_examples/26f516ef_blueberrycongee-llmux__internal-plugin-interface.go.go's
// Plugin{Name,Priority,PreHook,PostHook,Cleanup} and mutex-guarded
// Context value bag, renamed to the spec's own on_request/on_response
// naming (see DESIGN.md).
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport identifies which adapter built a Context.
type Transport string

const (
	TransportREST      Transport = "rest"
	TransportWebSocket Transport = "websocket"
	TransportIPC       Transport = "ipc"
)

// Sink is where a handler writes streamed response chunks; adapters
// supply a transport-specific implementation.
type Sink interface {
	WriteChunk(seq int, data []byte, complete bool) error
}

// Context is spec §3's RequestContext: created by an adapter, owned by
// the pipeline for one request's duration. Plugins may attach fields
// but never remove them (the invariant is enforced by convention: no
// plugin in this package deletes a Context field, and the unexported
// values map has no delete method).
type Context struct {
	context.Context

	CorrelationID string
	WallClock     time.Time
	Monotonic     int64 // nanoseconds since monotonicBase, read from the monotonic clock; for ordering only

	ClientID  string
	Transport Transport

	RawPayload       []byte
	DecryptedPayload map[string]any
	Identity         string // set by the Auth plugin
	IdentityScope     []string

	Method  string
	Path    string
	Query   map[string][]string
	Headers map[string][]string

	Sink Sink

	cancel context.CancelFunc

	mu     sync.RWMutex
	values map[string]any

	// ResponsePayload is set by the Routing plugin (or a short-circuit)
	// and sealed on the way back out by the Encryption plugin, which
	// stores the envelope under the "response_envelope" value.
	ResponsePayload map[string]any
	ResponseErr     error
}

// monotonicBase anchors Context.Monotonic; time.Since reads the
// monotonic clock, so later readings never go backwards.
var monotonicBase = time.Now()

// NewContext builds a fresh Context for one request, wired to parent
// for cancellation propagation and a deadline.
func NewContext(parent context.Context, deadline time.Duration) *Context {
	var ctx context.Context
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(parent, deadline)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Context{
		Context:       ctx,
		CorrelationID: uuid.NewString(),
		WallClock:     time.Now(),
		Monotonic:     int64(time.Since(monotonicBase)),
		cancel:        cancel,
		values:        make(map[string]any),
	}
}

// Cancel releases the Context's resources. Adapters call this when the
// response has been fully emitted or the error handler has run, per
// spec §3's destruction invariant.
func (c *Context) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Set attaches a value under key. Plugins use this for metadata that
// doesn't warrant a named struct field.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get retrieves a previously Set value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// ShortCircuit lets a plugin produce a response directly instead of
// letting the request continue down the request-side stack. The
// response-side stack still runs afterward (spec §4.6).
type ShortCircuit struct {
	Payload map[string]any
	Err     error
}
