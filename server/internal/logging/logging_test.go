package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talentbud/server/internal/config"
)

// TestNewWithWriterRespectsLevel 验证日志级别过滤与 JSON 输出。
func TestNewWithWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	logger.Warn().Str("interview_id", "iv1").Msg("shown")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "iv1", line["interview_id"])
}

// TestNewWithWriterBadLevelDefaultsToInfo 验证非法级别回落到 info。
func TestNewWithWriterBadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "loud"}, &buf)
	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "wss://agent.example/v1/convai?***", Redact("wss://agent.example/v1/convai?token=secret"))
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "abcd...yz", Redact("abcdefghijklmnopqrstuvwxyz"))
}
