package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Logger.Formatter)

	log = New(LoggingConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Logger.Formatter)
}

func TestWithComponent(t *testing.T) {
	log := New(LoggingConfig{Level: "info", Format: "json"})
	var buf bytes.Buffer
	log.Logger.SetOutput(&buf)

	log.WithComponent("orchestrator").With("plugin", "tenant").Info("bootstrapped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "orchestrator", line["component"])
	assert.Equal(t, "tenant", line["plugin"])
	assert.Equal(t, "bootstrapped", line["msg"])
}

func TestUnknownOutputFallsBack(t *testing.T) {
	log := New(LoggingConfig{Output: "carrier-pigeon"})
	require.NotNil(t, log)
	log.Info("still works")
}

func TestNewDiscard(t *testing.T) {
	log := NewDiscard()
	log.WithComponent("x").Error("dropped")
}
