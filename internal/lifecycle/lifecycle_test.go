package lifecycle

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boeni-industries/aico-gateway/internal/container"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

type stubService struct {
	name      string
	startErr  error
	stopErr   error
	started   bool
	stopped   bool
}

func (s *stubService) Name() string { return s.name }
func (s *stubService) Start(ctx context.Context) error {
	s.started = true
	return s.startErr
}
func (s *stubService) Stop(ctx context.Context) error {
	s.stopped = true
	return s.stopErr
}

func testManager(t *testing.T, svcs ...*stubService) (*Manager, *container.Container) {
	t.Helper()
	c := container.New(gwlog.NewDefault("test"))
	for _, s := range svcs {
		require.NoError(t, c.Register(s, nil, 0))
	}
	m := New(Config{HealthAddr: "127.0.0.1:0"}, c, gwlog.NewDefault("test"))
	return m, c
}

func TestRunStartsServicesAndShutdownStopsThem(t *testing.T) {
	svc := &stubService{name: "svc-a"}
	m, _ := testManager(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.started }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.True(t, svc.stopped)
}

func TestHandleHealthReflectsContainerRollup(t *testing.T) {
	svc := &stubService{name: "svc-a"}
	m, c := testManager(t, svc)
	require.NoError(t, c.StartAll(context.Background()))
	m.startedAt = time.Now()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	m.handleHealth(rec, req)

	require.Equal(t, 200, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Contains(t, body.Components, "svc-a")
	assert.GreaterOrEqual(t, body.Process.UptimeSeconds, 0.0)
}

func TestHandleHealthReturns503WhenAComponentIsDown(t *testing.T) {
	svc := &stubService{name: "failing", startErr: assertErr("boom")}
	m, c := testManager(t, svc)
	_ = c.StartAll(context.Background())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	m.handleHealth(rec, req)

	assert.Equal(t, 503, rec.Code)
}

func TestMetricsRecorderObservesRequests(t *testing.T) {
	m, _ := testManager(t)
	rec := m.Metrics()
	rec.Observe("rest", "GET", "/chat", "ok", 15*time.Millisecond)

	count := testutil.ToFloat64(rec.RequestsTotal.WithLabelValues("rest", "GET", "/chat", "ok"))
	assert.Equal(t, float64(1), count)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
