package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.WithField("vm", "work").Debug("RUN qvm-run")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "work", entry["vm"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "RUN qvm-run", entry["msg"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Output: &buf})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}
