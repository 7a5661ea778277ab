package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Desugar().Core().Enabled(zap.DebugLevel))

	logger, err = New("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(zap.InfoLevel))

	_, err = New("loud", false)
	assert.Error(t, err)
}

func TestGoaAdapter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	a := GoaAdapter{Logger: zap.New(core).Sugar()}

	require.NoError(t, a.Log("msg", "request", "method", "GET", "status", 200))
	require.NoError(t, a.Log("odd"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].Message)
	assert.Equal(t, "GET", entries[0].ContextMap()["method"])
	assert.EqualValues(t, 200, entries[0].ContextMap()["status"])
	assert.Equal(t, "http", entries[1].Message)
}
