package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.Servers[0])
	assert.Equal(t, 24*time.Hour, cfg.LiveKit.TokenTTLDuration())
	assert.Equal(t, 1.2, cfg.Audio.Gain)
	assert.Equal(t, -50.0, cfg.Audio.Compressor.Threshold)
	assert.Equal(t, 512, cfg.Visualizer.FFTSize)
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.Model)
}

func TestVendorEnvironment(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_LIVEKIT_URL", "wss://public.example")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://public.example", cfg.LiveKit.URL)
	assert.True(t, cfg.LiveKit.Configured())
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "sk-test", cfg.TTS.APIKey)

	t.Setenv("LIVEKIT_URL", "wss://direct.example")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://direct.example", cfg.LiveKit.URL)

	t.Setenv("LOQA_LIVEKIT_URL", "wss://loqa.example")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://loqa.example", cfg.LiveKit.URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_LLM_MODE", "mock")
	t.Setenv("LOQA_TTS_VOICE", "nova")
	t.Setenv("LOQA_TTS_SPEED", "1.25")
	t.Setenv("LOQA_AUDIO_GAIN", "0.8")
	t.Setenv("LOQA_AUDIO_REALTIME", "false")
	t.Setenv("LOQA_VISUALIZER_FFT_SIZE", "1024")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://one:4222", "nats://two:4222"}, cfg.Bus.Servers)
	assert.Equal(t, "alice", cfg.Bus.Username)
	assert.Equal(t, "secret", cfg.Bus.Password)
	assert.True(t, cfg.Bus.TLSInsecure)
	assert.Equal(t, 5000, cfg.Bus.ConnectTimeout)
	assert.Equal(t, "test-node", cfg.Node.ID)
	assert.Equal(t, 1500, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 5000, cfg.Node.HeartbeatTimeout)
	assert.Equal(t, "./tmp.db", cfg.EventStore.Path)
	assert.Equal(t, "persistent", cfg.EventStore.RetentionMode)
	assert.Equal(t, 7, cfg.EventStore.RetentionDays)
	assert.Equal(t, 123, cfg.EventStore.MaxSessions)
	assert.True(t, cfg.EventStore.VacuumOnStart)
	assert.Equal(t, "mock", cfg.LLM.Mode)
	assert.Equal(t, "nova", cfg.TTS.Voice)
	assert.Equal(t, 1.25, cfg.TTS.Speed)
	assert.Equal(t, 0.8, cfg.Audio.Gain)
	assert.False(t, cfg.Audio.Realtime)
	assert.Equal(t, 1024, cfg.Visualizer.FFTSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	body := []byte(`
runtime_name: rooms-test
http:
  port: 9000
livekit:
  url: wss://rooms.example
  token_ttl_s: 60
audio:
  compressor:
    ratio: 4
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rooms-test", cfg.RuntimeName)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, time.Minute, cfg.LiveKit.TokenTTLDuration())
	assert.Equal(t, 4.0, cfg.Audio.Compressor.Ratio)
	// untouched keys keep their defaults
	assert.Equal(t, -50.0, cfg.Audio.Compressor.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad fft size":     func(c *Config) { c.Visualizer.FFTSize = 500 },
		"bad ratio":        func(c *Config) { c.Audio.Compressor.Ratio = 0.5 },
		"bad llm mode":     func(c *Config) { c.LLM.Mode = "carrier-pigeon" },
		"exec tts":         func(c *Config) { c.TTS.Mode = "exec" },
		"decibel range":    func(c *Config) { c.Visualizer.MinDecibels = -10 },
		"retention":        func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"heartbeat window": func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, validate(cfg))
		})
	}

	assert.NoError(t, validate(Default()))
}
