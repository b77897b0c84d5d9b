package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	require.NoError(t, Init(&buf, "warn", FormatJSON))

	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "test", line["component"])
	require.Equal(t, "shown", line["message"])
}

func TestInitConsole(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	require.NoError(t, Init(&buf, "", ""))
	log.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
}

func TestInitRejectsBadInput(t *testing.T) {
	require.Error(t, Init(nil, "loud", FormatJSON))
	require.Error(t, Init(nil, "info", "xml"))
}
