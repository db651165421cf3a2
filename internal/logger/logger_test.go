package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestObservedLogger(t *testing.T) {
	lggr, logs := TestObserved(t, zapcore.WarnLevel)

	lggr.Named("payments").With("pass", 3).Infow("Pass applied")
	lggr.Named("payments").With("pass", 4).Warnw("Skipped undecodable log", "index", 7)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Skipped undecodable log", entries[0].Message)
	assert.Equal(t, "payments", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.EqualValues(t, 4, ctx["pass"])
	assert.EqualValues(t, 7, ctx["index"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	lggr, err := New("verbose")
	require.NoError(t, err)
	require.NotNil(t, lggr)

	lggr, err = New("debug")
	require.NoError(t, err)
	lggr.Debugw("ready")
}
