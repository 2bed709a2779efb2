package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zap.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zap.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	log, err := New("debug", "production")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log, err = New("error", "development")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))

	_, err = New("nope", "production")
	assert.Error(t, err)
}
