package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	log, err := New(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.Named("registry").WithField("token", "IDataProvider").Info("registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registered", line["msg"])
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "IDataProvider", line["token"])
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestNew_InvalidOutput(t *testing.T) {
	_, err := New(LoggingConfig{Output: "syslog"})
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	l := OrDefault(nil, "bus")
	require.NotNil(t, l)
	assert.Equal(t, "bus", l.Component())

	base := NewNop()
	named := OrDefault(base, "actions")
	assert.Equal(t, "actions", named.Component())
	assert.Same(t, base.Logger, named.Logger)

	tagged := base.Named("sync")
	assert.Same(t, tagged, OrDefault(tagged, "other"))
}
