package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	name     string
	priority int
	calls    *[]string
	shortAt  bool
	failAt   bool
}

func (r *recordingPlugin) Name() string  { return r.name }
func (r *recordingPlugin) Priority() int { return r.priority }

func (r *recordingPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	*r.calls = append(*r.calls, "req:"+r.name)
	if r.failAt {
		return nil, assertErr
	}
	if r.shortAt {
		return &ShortCircuit{Payload: map[string]any{"short": r.name}}, nil
	}
	return nil, nil
}

func (r *recordingPlugin) OnResponse(ctx *Context) error {
	*r.calls = append(*r.calls, "resp:"+r.name)
	return nil
}

var assertErr = errOf("boom")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func errOf(s string) error        { return simpleErr(s) }

func newTestContext() *Context {
	return NewContext(context.Background(), 0)
}

func TestPluginsRunInAscendingPriorityOnRequestDescendingOnResponse(t *testing.T) {
	var calls []string
	p := New()
	// registered out of priority order on purpose
	p.Register(&recordingPlugin{name: "routing", priority: 90, calls: &calls})
	p.Register(&recordingPlugin{name: "encryption", priority: 10, calls: &calls})
	p.Register(&recordingPlugin{name: "auth", priority: 20, calls: &calls})

	ctx := newTestContext()
	err := p.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"req:encryption", "req:auth", "req:routing",
		"resp:routing", "resp:auth", "resp:encryption",
	}, calls)
}

func TestTieBrokenByNameWhenPriorityEqual(t *testing.T) {
	var calls []string
	p := New()
	p.Register(&recordingPlugin{name: "zebra", priority: 10, calls: &calls})
	p.Register(&recordingPlugin{name: "alpha", priority: 10, calls: &calls})

	ctx := newTestContext()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []string{"req:alpha", "req:zebra", "resp:zebra", "resp:alpha"}, calls)
}

func TestShortCircuitSkipsLaterRequestStagesButRunsAllResponseStages(t *testing.T) {
	var calls []string
	p := New()
	p.Register(&recordingPlugin{name: "encryption", priority: 10, calls: &calls})
	p.Register(&recordingPlugin{name: "auth", priority: 20, shortAt: true, calls: &calls})
	p.Register(&recordingPlugin{name: "routing", priority: 90, calls: &calls})

	ctx := newTestContext()
	err := p.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"req:encryption", "req:auth",
		"resp:routing", "resp:auth", "resp:encryption",
	}, calls, "routing must not run its request side, but every plugin's response side still runs")
	assert.Equal(t, "auth", ctx.ResponsePayload["short"])
}

func TestErrorOnRequestStopsRequestWalkButStillRunsResponses(t *testing.T) {
	var calls []string
	p := New()
	p.Register(&recordingPlugin{name: "encryption", priority: 10, failAt: true, calls: &calls})
	p.Register(&recordingPlugin{name: "auth", priority: 20, calls: &calls})

	ctx := newTestContext()
	err := p.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, []string{"req:encryption", "resp:auth", "resp:encryption"}, calls)
}

func TestCancelledContextStopsRequestWalk(t *testing.T) {
	var calls []string
	p := New()
	p.Register(&recordingPlugin{name: "encryption", priority: 10, calls: &calls})
	p.Register(&recordingPlugin{name: "auth", priority: 20, calls: &calls})

	ctx := newTestContext()
	ctx.Cancel()

	err := p.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, []string{"resp:auth", "resp:encryption"}, calls,
		"no request-side plugin should run once cancelled, but response side still runs")
}
