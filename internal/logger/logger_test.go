package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewReplacesGlobals(t *testing.T) {
	log, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	assert.Same(t, log, zap.L())
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNewDefaultsToInfo(t *testing.T) {
	log, err := New(Options{Console: true})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}

func TestConsoleEnvironment(t *testing.T) {
	cases := map[string]bool{
		"development": true,
		" Local ":     true,
		"dev":         true,
		"production":  false,
		"staging":     false,
		"":            false,
	}
	for env, want := range cases {
		assert.Equal(t, want, consoleEnvironment(env), env)
	}
}
