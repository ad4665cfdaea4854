package gwlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultUsesInfoLevelAndTextFormat(t *testing.T) {
	l := NewDefault("test-component")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.Equal(t, "test-component", l.Component())
}

func TestNewFallsBackToInfoOnUnparsableLevel(t *testing.T) {
	l := New("comp", Config{Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNewJSONFormatEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New("http", Config{Level: "info", Format: "json", Output: &buf})
	l.WithField("path", "/health").Info("request handled")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "http", decoded["component"])
	assert.Equal(t, "/health", decoded["path"])
	assert.Equal(t, "request handled", decoded["msg"])
}

func TestNewTextFormatEmitsComponentTag(t *testing.T) {
	var buf bytes.Buffer
	l := New("bus", Config{Level: "info", Format: "text", Output: &buf})
	l.WithField("subject", "echo.handle").Info("published")

	out := buf.String()
	assert.True(t, strings.Contains(out, "component=bus"))
	assert.True(t, strings.Contains(out, "subject=echo.handle"))
}

func TestWithFieldAlwaysIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New("session", Config{Level: "debug", Format: "json", Output: &buf})
	l.WithField("client_id", "c_abc").Warn("decrypt failure recorded")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "session", decoded["component"])
	assert.Equal(t, "c_abc", decoded["client_id"])
	assert.Equal(t, "warning", decoded["level"])
}
