package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "verbose", Format: "json", Output: "stdout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewInvalidFormat(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "xml", Output: "stdout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestNewStdout(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, log)

	// Should not panic with or without fields.
	log.Debug("debug message")
	log.Info("info message", Field{Key: "k", Value: "v"})
	log.Warn("warn message")
	log.Error("error message", assert.AnError, Field{Key: "k", Value: 1})
}

func TestNewFileOutput(t *testing.T) {
	path := t.TempDir() + "/sub/relay.log"
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("written to file")
	assert.FileExists(t, path)
}

func TestWith(t *testing.T) {
	log, err := New(Config{Level: "info", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	child := log.With(Field{Key: "component", Value: "scheduler"})
	require.NotNil(t, child)
	assert.NotSame(t, log, child)
	child.Info("child logger works")
}
