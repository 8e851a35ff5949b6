package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceInterviewRelay/internal/coordinator"
)

const sampleConfig = `
server:
  port: 8080
  base_url: https://relay.example.com/
twilio:
  account_sid: AC123
  auth_token: secret
  phone_number: "+15550000000"
openai:
  api_key: sk-test
  chat_model: gpt-4o
timeouts:
  respond: 45s
vad:
  threshold: 900
grpc:
  addr: ":9090"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigName+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://relay.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.ChatModel)
	assert.Equal(t, "whisper-1", cfg.OpenAI.TranscriptionModel)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Respond)
	assert.Equal(t, coordinator.DefaultTimeouts().Gateway, cfg.Timeouts.Gateway)
	assert.Equal(t, 900.0, cfg.VAD.Threshold)
	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "+15550000000", cfg.TwilioSettings().FromNumber)
	assert.Equal(t, 45*time.Second, cfg.CoordinatorTimeouts().Respond)
	assert.Equal(t, 900.0, cfg.RelaySettings().VAD.Threshold)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLegacyEnvironmentVariables(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/interviews")
	t.Setenv("PORT", "9000")
	t.Setenv("RELAY_OPENAI_VOICE", "nova")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "postgres://u:p@db:5432/interviews", cfg.DatabaseSettings().DSN())
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "nova", cfg.OpenAI.Voice)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 0\n  base_url: relay.example.com\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "base_url")
	assert.Contains(t, err.Error(), "twilio")
	assert.Contains(t, err.Error(), "openai")
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	var got *RelayConfig
	m, err := NewManager(WithConfigPath(path), WithReloadHook(func(cfg *RelayConfig) { got = cfg }))
	require.NoError(t, err)
	assert.Equal(t, path, m.ConfigFile())

	updated := sampleConfig + "\n" + `
relay:
  max_connections: 5
`
	updated = strings.Replace(updated, "respond: 45s", "respond: 10s", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, m.viper.ReadInConfig())
	require.NoError(t, m.Reload())

	require.NotNil(t, got)
	assert.Equal(t, 10*time.Second, got.Timeouts.Respond)
	// 非热更新项保持启动时的值
	assert.Equal(t, 1000, m.Config().Relay.MaxConnections)
	assert.Equal(t, 1, m.GetConfigSummary()["reloads"])
}

func TestManagerRejectsInvalidTunables(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(WithConfigPath(path))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "threshold: 900", "threshold: -1", 1)), 0o644))
	require.NoError(t, m.viper.ReadInConfig())
	assert.Error(t, m.Reload())
	assert.Equal(t, 900.0, m.Config().VAD.Threshold)
	assert.Equal(t, 1, m.GetConfigSummary()["reload_rejects"])
}

func TestManagerWatch(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	reloaded := make(chan time.Duration, 16)
	m, err := NewManager(WithConfigPath(path))
	require.NoError(t, err)
	m.OnReload(func(cfg *RelayConfig) {
		select {
		case reloaded <- cfg.Timeouts.Respond:
		default:
		}
	})
	require.True(t, m.Watch())

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "respond: 45s", "respond: 12s", 1)), 0o644))

	// 一次写入可能触发多个事件，截断时读到的中间内容也会被应用
	deadline := time.After(3 * time.Second)
	for {
		select {
		case respond := <-reloaded:
			if respond == 12*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
