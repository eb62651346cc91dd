package logging

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqbitfuse/rqbitfuse/config"
)

func TestInitParsesLevel(t *testing.T) {
	logger := Init(config.Logging{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.NotNil(t, logger)
}

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	Init(config.Logging{Level: "not-a-level"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestInitWithFileDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	require.NotPanics(t, func() {
		Init(config.Logging{Level: "info", File: filepath.Join(dir, "rqbitfuse.log")})
	})
}
