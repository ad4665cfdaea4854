package errs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNoSession:       http.StatusUnauthorized,
		KindRateLimited:      http.StatusTooManyRequests,
		KindBadPayload:       http.StatusUnprocessableEntity,
		KindUpstreamTimeout:  http.StatusGatewayTimeout,
		KindUpstreamDown:     http.StatusServiceUnavailable,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		e := New(kind, "boom")
		assert.Equal(t, want, e.HTTPStatus(), kind)
	}
}

func TestWithDetailFluent(t *testing.T) {
	e := New(KindBadPayload, "missing field").WithDetail("field", "email")
	require.NotNil(t, e.Details)
	assert.Equal(t, "email", e.Details["field"])
}

func TestAsAndClassify(t *testing.T) {
	cause := errors.New("db down")
	wrapped := Wrap(KindUpstreamDown, "store unavailable", cause)

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindUpstreamDown, e.Kind)
	assert.ErrorIs(t, wrapped, cause)

	classified := Classify(errors.New("surprise"))
	assert.Equal(t, KindInternal, classified.Kind)

	classifiedExisting := Classify(wrapped)
	assert.Same(t, wrapped, classifiedExisting)
}

func TestRetryAfter(t *testing.T) {
	e := New(KindRateLimited, "too many requests").RetryAfter(1500)
	assert.Equal(t, int64(1500), e.RetryAfterMS)
}
