package pipeline

import (
	"sort"
	"sync"

	"github.com/boeni-industries/aico-gateway/internal/errs"
)

// Plugin is the narrow capability set every pipeline stage implements:
// {name, priority, on_request, on_response}, a record rather than a
// class hierarchy (spec §9). OnRequest may return a ShortCircuit to
// produce a response directly; subsequent request-side plugins are
// then skipped but every plugin's OnResponse still runs.
type Plugin interface {
	Name() string
	Priority() int
	OnRequest(ctx *Context) (*ShortCircuit, error)
	OnResponse(ctx *Context) error
}

// Pipeline holds a registered plugin set and runs requests through it
// in priority order (ascending on request, descending on response),
// tie-broken by name, regardless of registration order (spec §8
// property 5).
type Pipeline struct {
	mu      sync.RWMutex
	plugins []Plugin
	sorted  bool
}

// New builds an empty Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Register adds a plugin. The pipeline re-sorts lazily before the next
// run, so registration order never matters.
func (p *Pipeline) Register(plugin Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plugins = append(p.plugins, plugin)
	p.sorted = false
}

func (p *Pipeline) ordered() []Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sorted {
		sort.SliceStable(p.plugins, func(i, j int) bool {
			if p.plugins[i].Priority() != p.plugins[j].Priority() {
				return p.plugins[i].Priority() < p.plugins[j].Priority()
			}
			return p.plugins[i].Name() < p.plugins[j].Name()
		})
		p.sorted = true
	}
	out := make([]Plugin, len(p.plugins))
	copy(out, p.plugins)
	return out
}

// Run drives ctx through every registered plugin's OnRequest in
// ascending priority order, then every plugin's OnResponse in
// descending priority order. A ShortCircuit from any OnRequest stops
// the request-side walk immediately but the full response-side walk
// still executes (spec §4.6). Each stage checks ctx.Err() before
// running, honoring the cancellation signal (spec §5).
func (p *Pipeline) Run(ctx *Context) error {
	ordered := p.ordered()

	for _, plugin := range ordered {
		if err := ctx.Err(); err != nil {
			ctx.ResponseErr = errs.Wrap(errs.KindInternal, "request cancelled", err)
			break
		}
		sc, err := plugin.OnRequest(ctx)
		if err != nil {
			ctx.ResponseErr = err
			break
		}
		if sc != nil {
			ctx.ResponsePayload = sc.Payload
			ctx.ResponseErr = sc.Err
			break
		}
	}

	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ordered[i].OnResponse(ctx); err != nil && ctx.ResponseErr == nil {
			ctx.ResponseErr = err
		}
	}

	return ctx.ResponseErr
}

// Plugins returns a defensive copy of the registered plugin set in
// priority order, for introspection/tests.
func (p *Pipeline) Plugins() []Plugin { return p.ordered() }
