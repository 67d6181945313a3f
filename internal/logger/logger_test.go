package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestInitSetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	Init("error", false)
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	assert.NotNil(t, WithService("video", "monitor0"))
}
