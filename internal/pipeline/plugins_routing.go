package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/internal/errs"
)

// RoutingPriority runs last on the request side: everything upstream
// has already decrypted, authenticated, rate-limited, and validated the
// request by the time it reaches the bus.
const RoutingPriority = 90

// idempotentMethods lists the methods routing retries on an
// upstream/timeout, matching spec §4.6's "only idempotent requests are
// retried automatically" rule.
var idempotentMethods = map[string]bool{
	"GET":    true,
	"HEAD":   true,
	"PUT":    true,
	"DELETE": true,
}

// RoutingPlugin publishes the decrypted request onto the bus under the
// matched Route's subject and awaits the reply, retrying an
// upstream/timeout once for idempotent methods only. Grounded on
// internal/app/core/service/retry.go's RetryPolicy, narrowed to a
// single conditional retry rather than a configurable attempt count.
// Bus.Request applies its own Config.RetryAttempts to every request,
// whatever the method, before this plugin sees an error.
type RoutingPlugin struct {
	Bus     *bus.Bus
	Table   map[string]Route // "METHOD path" -> Route
	Timeout time.Duration
}

func NewRoutingPlugin(b *bus.Bus, timeout time.Duration) *RoutingPlugin {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RoutingPlugin{Bus: b, Table: make(map[string]Route), Timeout: timeout}
}

// AddRoute registers a (method, path) -> subject mapping.
func (p *RoutingPlugin) AddRoute(r Route) {
	p.Table[r.Method+" "+r.Path] = r
}

func (p *RoutingPlugin) Name() string  { return "routing" }
func (p *RoutingPlugin) Priority() int { return RoutingPriority }

func (p *RoutingPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	route, ok := p.Table[ctx.Method+" "+ctx.Path]
	if !ok || route.Subject == "" {
		return nil, errs.New(errs.KindUpstreamDown, "no route for request")
	}

	reqCtx, cancel := context.WithTimeout(ctx.Context, p.Timeout)
	defer cancel()

	payload := ctx.DecryptedPayload
	if payload == nil {
		payload = map[string]any{}
	}

	reply, err := p.Bus.Request(reqCtx, route.Subject, payload)
	if err != nil && !errors.Is(err, bus.ErrNoSubscriber) && idempotentMethods[ctx.Method] {
		reply, err = p.Bus.Request(reqCtx, route.Subject, payload)
	}
	if err != nil {
		if errors.Is(err, bus.ErrNoSubscriber) {
			return nil, errs.Wrap(errs.KindUpstreamDown, "no handler registered for route", err)
		}
		return nil, errs.Wrap(errs.KindUpstreamTimeout, "upstream did not respond in time", err)
	}

	ctx.ResponsePayload = reply
	return nil, nil
}

func (p *RoutingPlugin) OnResponse(ctx *Context) error { return nil }
