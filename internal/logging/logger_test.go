package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Format: "json", Writer: &buf})
	require.NotNil(t, log)

	log.Info().Str("k", "v").Msg("hello")
	out := buf.String()
	assert.Contains(t, out, `"message":"hello"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Writer: &buf})

	log.Component("presence").Component("shard").Info().Msg("tagged")
	out := buf.String()
	assert.Contains(t, out, "presence")
	assert.Contains(t, out, "shard")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Format: "json", Writer: &buf})

	log.Debug().Msg("quiet")
	log.Info().Msg("quiet too")
	assert.Empty(t, buf.String())

	log.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error().Msg("dropped") // must not panic or print
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"silent", zerolog.Disabled},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}
