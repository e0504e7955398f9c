package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupSetsGlobalLevel(t *testing.T) {
	Setup("debug", false)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Setup("warn", true)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestSetupFallsBackToInfo(t *testing.T) {
	Setup("chatty", false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	Setup("", false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
