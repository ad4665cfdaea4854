package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

func TestStubAnswersRegisteredSubjectWithEcho(t *testing.T) {
	b := bus.New(bus.Config{}, gwlog.NewDefault("test"))
	s := New(b, map[string]Handler{"echo.handle": Echo}, gwlog.NewDefault("test"))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	reply, err := b.Request(context.Background(), "echo.handle", map[string]any{"message": "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", reply["message"])
}

func TestStubAckReportsSubsystem(t *testing.T) {
	b := bus.New(bus.Config{}, gwlog.NewDefault("test"))
	s := New(b, map[string]Handler{"tts.synthesize": Ack("tts")}, gwlog.NewDefault("test"))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	reply, err := b.Request(context.Background(), "tts.synthesize", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "tts", reply["subsystem"])
}

func TestStubStopUnblocksServeLoop(t *testing.T) {
	b := bus.New(bus.Config{}, gwlog.NewDefault("test"))
	s := New(b, map[string]Handler{"users.authenticate": Ack("users")}, gwlog.NewDefault("test"))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	// A request after Stop fails quickly rather than hanging, since no
	// subscriber remains to answer it.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "users.authenticate", map[string]any{})
	require.Error(t, err)
}
