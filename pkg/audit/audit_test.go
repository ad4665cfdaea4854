package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.InfoLevel)
	return New(zap.New(core)), recorded
}

func TestEventRecordsNameCorrelationAndClientID(t *testing.T) {
	l, recorded := newObservedLogger()
	l.Event(EventAuthRejected, "corr-1", "c_abc", nil)

	require.Equal(t, 1, recorded.Len())
	entry := recorded.All()[0]
	assert.Equal(t, "security_event", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, EventAuthRejected, fields["event"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "c_abc", fields["client_id"])
	assert.Equal(t, "audit", fields["stream"])
}

func TestEventOmitsEmptyCorrelationAndClientIDFields(t *testing.T) {
	l, recorded := newObservedLogger()
	l.Event(EventRateLimitExceeded, "", "", nil)

	fields := recorded.All()[0].ContextMap()
	_, hasCorrelation := fields["correlation_id"]
	_, hasClient := fields["client_id"]
	assert.False(t, hasCorrelation)
	assert.False(t, hasClient)
}

func TestEventCarriesExtraFields(t *testing.T) {
	l, recorded := newObservedLogger()
	l.Event(EventDecryptFail, "corr-2", "c_xyz", map[string]any{"reason": "bad_nonce"})

	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, "bad_nonce", fields["reason"])
}

func TestNopDiscardsEverything(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Event(EventAdminAction, "corr-3", "c_admin", map[string]any{"action": "revoke"})
	})
	require.NoError(t, l.Sync())
}
