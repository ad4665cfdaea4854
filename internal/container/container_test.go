package container

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name      string
	mu        sync.Mutex
	started   bool
	stopped   bool
	startErr  error
	startedAt int
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeService) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func TestStartAllRespectsDependencyOrder(t *testing.T) {
	c := New(nil)
	var order []string
	var mu sync.Mutex
	track := func(name string) *trackingService {
		return &trackingService{name: name, onStart: func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}
	}

	bus := track("bus")
	session := track("session")
	http := track("http")

	require.NoError(t, c.Register(bus, nil, 50))
	require.NoError(t, c.Register(session, []string{"bus"}, 50))
	require.NoError(t, c.Register(http, []string{"session", "bus"}, 90))

	require.NoError(t, c.StartAll(context.Background()))
	assert.Equal(t, []string{"bus", "session", "http"}, order)
}

type trackingService struct {
	name    string
	onStart func()
}

func (t *trackingService) Name() string { return t.name }
func (t *trackingService) Start(ctx context.Context) error {
	if t.onStart != nil {
		t.onStart()
	}
	return nil
}
func (t *trackingService) Stop(ctx context.Context) error { return nil }

func TestCircularDependencyRejected(t *testing.T) {
	c := New(nil)
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	require.NoError(t, c.Register(a, []string{"b"}, 0))
	require.NoError(t, c.Register(b, []string{"a"}, 0))

	err := c.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestFailedStartRollsBackPreviouslyStarted(t *testing.T) {
	c := New(nil)
	good := &fakeService{name: "good"}
	bad := &fakeService{name: "bad", startErr: errors.New("boom")}

	require.NoError(t, c.Register(good, nil, 0))
	require.NoError(t, c.Register(bad, []string{"good"}, 0))

	err := c.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.True(t, good.stopped, "previously-started service must be rolled back")
}

func TestStopAllReverseOrder(t *testing.T) {
	c := New(nil)
	var stopOrder []string
	var mu sync.Mutex
	stopTrack := func(name string) *stopTrackingService {
		return &stopTrackingService{name: name, onStop: func() {
			mu.Lock()
			stopOrder = append(stopOrder, name)
			mu.Unlock()
		}}
	}
	a := stopTrack("a")
	b := stopTrack("b")
	require.NoError(t, c.Register(a, nil, 0))
	require.NoError(t, c.Register(b, []string{"a"}, 0))
	require.NoError(t, c.StartAll(context.Background()))

	require.NoError(t, c.StopAll(context.Background()))
	assert.Equal(t, []string{"b", "a"}, stopOrder)

	state, ok := c.State("a")
	require.True(t, ok)
	assert.Equal(t, StateStopped, state)
}

type stopTrackingService struct {
	name   string
	onStop func()
}

func (s *stopTrackingService) Name() string                       { return s.name }
func (s *stopTrackingService) Start(ctx context.Context) error     { return nil }
func (s *stopTrackingService) Stop(ctx context.Context) error {
	if s.onStop != nil {
		s.onStop()
	}
	return nil
}

func TestHealthRollupAggregatesStatus(t *testing.T) {
	c := New(nil)
	ok := &fakeService{name: "ok"}
	require.NoError(t, c.Register(ok, nil, 0))
	require.NoError(t, c.StartAll(context.Background()))

	rollup := c.HealthRollup(context.Background())
	assert.Equal(t, "ok", rollup.Status)
	assert.Equal(t, "ok", rollup.Components["ok"].Status)
}
