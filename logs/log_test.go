package logs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObserver(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	SetBackend(zap.New(core))
	prev := int(logLevel.Load())
	t.Cleanup(func() {
		SetBackend(nil)
		SetLevel(prev)
	})
	return logs
}

func TestLevelFiltering(t *testing.T) {
	observed := withObserver(t)
	SetLevel(LevelWarning)

	Info("hidden %d", 1)
	Warn("shown %d", 2)
	Error("shown %d", 3)

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "shown 2")
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestComponentPrefix(t *testing.T) {
	observed := withObserver(t)
	SetLevel(LevelTrace)

	l := NewLogger("ChainLocks")
	l.Verbose("height=%d", 42)

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "[ChainLocks] height=42")
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
