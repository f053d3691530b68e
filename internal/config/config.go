package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LiveKit     LiveKitConfig    `yaml:"livekit"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Audio       AudioConfig      `yaml:"audio"`
	Visualizer  VisualizerConfig `yaml:"visualizer"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this process in room presence announcements.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LiveKitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	TokenTTL  int    `yaml:"token_ttl_s"`
	// ServerIdentity is the identity used when this process joins a room itself.
	ServerIdentity string `yaml:"server_identity"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, openai, ollama, exec
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, openai, exec
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	Model           string  `yaml:"model"`
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Speed           float64 `yaml:"speed"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
}

type CompressorConfig struct {
	Threshold float64 `yaml:"threshold_db"`
	Knee      float64 `yaml:"knee_db"`
	Ratio     float64 `yaml:"ratio"`
	Attack    float64 `yaml:"attack_s"`
	Release   float64 `yaml:"release_s"`
	Makeup    bool    `yaml:"auto_makeup"`
}

type AudioConfig struct {
	Gain              float64          `yaml:"gain"`
	Compressor        CompressorConfig `yaml:"compressor"`
	PublishSampleRate int              `yaml:"publish_sample_rate"`
	FrameDurationMS   int              `yaml:"frame_duration_ms"`
	TrackName         string           `yaml:"track_name"`
	MonitorPath       string           `yaml:"monitor_path"`
	Realtime          bool             `yaml:"realtime"`
}

type VisualizerConfig struct {
	FFTSize         int     `yaml:"fft_size"`
	Smoothing       float64 `yaml:"smoothing"`
	MinDecibels     float64 `yaml:"min_decibels"`
	MaxDecibels     float64 `yaml:"max_decibels"`
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	FramesPerSecond int     `yaml:"fps"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-rooms",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-rooms-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-rooms.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LiveKit: LiveKitConfig{
			TokenTTL:       24 * 60 * 60,
			ServerIdentity: "loqa-host",
		},
		LLM: LLMConfig{
			Enabled:  true,
			Mode:     "openai",
			Model:    "gpt-3.5-turbo",
			Endpoint: "http://localhost:11434",
			// zero MaxTokens and Temperature leave both to the backend
			TimeoutMS: 60000,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Model:           "tts-1",
			Voice:           "alloy",
			Speed:           1.0,
			SampleRate:      24000,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Audio: AudioConfig{
			Gain: 1.2,
			Compressor: CompressorConfig{
				Threshold: -50,
				Knee:      40,
				Ratio:     12,
				Attack:    0,
				Release:   0.25,
				Makeup:    true,
			},
			PublishSampleRate: 48000,
			FrameDurationMS:   20,
			TrackName:         "synthesized-voice",
			Realtime:          true,
		},
		Visualizer: VisualizerConfig{
			FFTSize:         512,
			Smoothing:       0.8,
			MinDecibels:     -100,
			MaxDecibels:     -30,
			Width:           600,
			Height:          128,
			FramesPerSecond: 30,
		},
		Router: RouterConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TokenTTLDuration returns the configured access token lifetime.
func (c LiveKitConfig) TokenTTLDuration() time.Duration {
	return time.Duration(c.TokenTTL) * time.Second
}

// Configured reports whether tokens can be minted locally.
func (c LiveKitConfig) Configured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func applyEnvOverrides(cfg *Config) {
	// Vendor variables first so LOQA_* wins when both are set.
	overrideString(&cfg.LiveKit.URL, "NEXT_PUBLIC_LIVEKIT_URL")
	overrideString(&cfg.LiveKit.URL, "LIVEKIT_URL")
	overrideString(&cfg.LiveKit.APIKey, "LIVEKIT_API_KEY")
	overrideString(&cfg.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")

	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LiveKit.URL, "LOQA_LIVEKIT_URL")
	overrideString(&cfg.LiveKit.APIKey, "LOQA_LIVEKIT_API_KEY")
	overrideString(&cfg.LiveKit.APISecret, "LOQA_LIVEKIT_API_SECRET")
	overrideInt(&cfg.LiveKit.TokenTTL, "LOQA_LIVEKIT_TOKEN_TTL_S")
	overrideString(&cfg.LiveKit.ServerIdentity, "LOQA_LIVEKIT_SERVER_IDENTITY")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "LOQA_LLM_BASE_URL")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "LOQA_TTS_BASE_URL")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideFloat(&cfg.Audio.Gain, "LOQA_AUDIO_GAIN")
	overrideInt(&cfg.Audio.PublishSampleRate, "LOQA_AUDIO_PUBLISH_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.TrackName, "LOQA_AUDIO_TRACK_NAME")
	overrideString(&cfg.Audio.MonitorPath, "LOQA_AUDIO_MONITOR_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Visualizer.FFTSize, "LOQA_VISUALIZER_FFT_SIZE")
	overrideInt(&cfg.Visualizer.FramesPerSecond, "LOQA_VISUALIZER_FPS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.LiveKit.TokenTTL <= 0 {
		return errors.New("livekit.token_ttl_s must be positive")
	}
	if cfg.LiveKit.ServerIdentity == "" {
		return errors.New("livekit.server_identity must not be empty")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "openai", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|openai|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	switch cfg.TTS.Mode {
	case "mock", "openai", "exec":
	default:
		return errors.New("tts.mode must be one of mock|openai|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Audio.Gain < 0 {
		return errors.New("audio.gain must be >= 0")
	}
	if cfg.Audio.Compressor.Ratio < 1 {
		return errors.New("audio.compressor.ratio must be >= 1")
	}
	if cfg.Audio.Compressor.Knee < 0 {
		return errors.New("audio.compressor.knee_db must be >= 0")
	}
	if cfg.Audio.PublishSampleRate <= 0 {
		return errors.New("audio.publish_sample_rate must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if n := cfg.Visualizer.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
		return errors.New("visualizer.fft_size must be a power of two between 32 and 32768")
	}
	if cfg.Visualizer.Smoothing < 0 || cfg.Visualizer.Smoothing > 1 {
		return errors.New("visualizer.smoothing must be between 0 and 1")
	}
	if cfg.Visualizer.MinDecibels >= cfg.Visualizer.MaxDecibels {
		return errors.New("visualizer.min_decibels must be lower than max_decibels")
	}
	if cfg.Visualizer.Width <= 0 || cfg.Visualizer.Height <= 0 {
		return errors.New("visualizer.width and height must be positive")
	}
	if cfg.Visualizer.FramesPerSecond <= 0 {
		return errors.New("visualizer.fps must be positive")
	}
	return nil
}
