package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Completion  CompletionConfig `yaml:"completion"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Relay       RelayConfig      `yaml:"relay"`
	Status      StatusConfig     `yaml:"status"`
}

type BusConfig struct {
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CompletionConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"` // mock, http, exec, ollama
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Command        string   `yaml:"command"`
	Model          string   `yaml:"model"`
	Temperature    float64  `yaml:"temperature"`
	MaxTokensEN    int      `yaml:"max_tokens_en"`
	MaxTokensJA    int      `yaml:"max_tokens_ja"`
	TimeoutMS      int      `yaml:"timeout_ms"`
	RetryWindow    float64  `yaml:"retry_window_ratio"`
	ForbiddenWords []string `yaml:"forbidden_words"`
}

type SynthesisConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"` // mock, http
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	Voice            int     `yaml:"voice"`
	Speed            float64 `yaml:"speed"`
	TimeoutMS        int     `yaml:"timeout_ms"`
	CooldownMS       int     `yaml:"cooldown_ms"`
	QueueSize        int     `yaml:"queue_size"`
	CacheDir         string  `yaml:"cache_dir"`
	CacheIndexSize   int     `yaml:"cache_index_size"`
	MaxRequestsPerS  float64 `yaml:"max_requests_per_second"`
	SkipNonJapanese  bool    `yaml:"skip_non_japanese"`
	AlternateCommand string  `yaml:"alternate_command"`
	Volume           float64 `yaml:"volume"`
	AlternateVolume  float64 `yaml:"alternate_volume"`
}

type PlaybackConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Command    string           `yaml:"command"`
	Background BackgroundConfig `yaml:"background"`
}

type BackgroundConfig struct {
	Path   string        `yaml:"path"`
	Volume float64       `yaml:"volume"`
	Tracks []TrackConfig `yaml:"tracks"`
}

// TrackConfig is a background track that can be requested by title.
type TrackConfig struct {
	Title  string  `yaml:"title"`
	Path   string  `yaml:"path"`
	Volume float64 `yaml:"volume"`
}

type RelayConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	QuotaMessage   string `yaml:"quota_message"`
	QuotaGraceMS   int    `yaml:"quota_grace_ms"`
	QuotaSuspendMS int    `yaml:"quota_suspend_ms"`
}

type StatusConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-companion",
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
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/companion-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Completion: CompletionConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "https://api.openai.com/v1/completions",
			Model:       "gpt-3.5-turbo-instruct",
			Temperature: 0.7,
			MaxTokensEN: 40,
			MaxTokensJA: 120,
			TimeoutMS:   15000,
			RetryWindow: 1.0 / 3.0,
		},
		Synthesis: SynthesisConfig{
			Enabled:         false,
			Mode:            "mock",
			Endpoint:        "https://api.tts.quest/v3/voicevox/synthesis",
			Voice:           3,
			Speed:           1.0,
			TimeoutMS:       10000,
			CooldownMS:      10000,
			QueueSize:       128,
			CacheDir:        "./data/voice-cache",
			CacheIndexSize:  4096,
			Volume:          1.0,
			AlternateVolume: 2.0,
		},
		Playback: PlaybackConfig{
			Enabled: false,
			Command: "play",
			Background: BackgroundConfig{
				Volume: 0.3,
			},
		},
		Relay: RelayConfig{
			Enabled:        true,
			PollIntervalMS: 200,
			QuotaMessage:   "AI replies are unavailable right now. The operator has been notified and this broadcast will end shortly.",
			QuotaGraceMS:   60000,
			QuotaSuspendMS: 24 * 60 * 60 * 1000,
		},
		Status: StatusConfig{
			Enabled:    true,
			IntervalMS: 5000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COMPANION_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COMPANION_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COMPANION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COMPANION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COMPANION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COMPANION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COMPANION_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COMPANION_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "COMPANION_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COMPANION_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COMPANION_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COMPANION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COMPANION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COMPANION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COMPANION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COMPANION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COMPANION_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "COMPANION_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COMPANION_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COMPANION_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COMPANION_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COMPANION_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Completion.Enabled, "COMPANION_COMPLETION_ENABLED")
	overrideString(&cfg.Completion.Mode, "COMPANION_COMPLETION_MODE")
	overrideString(&cfg.Completion.Endpoint, "COMPANION_COMPLETION_ENDPOINT")
	overrideString(&cfg.Completion.APIKey, "COMPANION_COMPLETION_API_KEY")
	overrideString(&cfg.Completion.Command, "COMPANION_COMPLETION_COMMAND")
	overrideString(&cfg.Completion.Model, "COMPANION_COMPLETION_MODEL")
	overrideFloat(&cfg.Completion.Temperature, "COMPANION_COMPLETION_TEMPERATURE")
	overrideInt(&cfg.Completion.MaxTokensEN, "COMPANION_COMPLETION_MAX_TOKENS_EN")
	overrideInt(&cfg.Completion.MaxTokensJA, "COMPANION_COMPLETION_MAX_TOKENS_JA")
	overrideInt(&cfg.Completion.TimeoutMS, "COMPANION_COMPLETION_TIMEOUT_MS")
	overrideFloat(&cfg.Completion.RetryWindow, "COMPANION_COMPLETION_RETRY_WINDOW_RATIO")
	overrideStringSlice(&cfg.Completion.ForbiddenWords, "COMPANION_COMPLETION_FORBIDDEN_WORDS")
	overrideBool(&cfg.Synthesis.Enabled, "COMPANION_SYNTHESIS_ENABLED")
	overrideString(&cfg.Synthesis.Mode, "COMPANION_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "COMPANION_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "COMPANION_SYNTHESIS_API_KEY")
	overrideInt(&cfg.Synthesis.Voice, "COMPANION_SYNTHESIS_VOICE")
	overrideFloat(&cfg.Synthesis.Speed, "COMPANION_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.TimeoutMS, "COMPANION_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.CooldownMS, "COMPANION_SYNTHESIS_COOLDOWN_MS")
	overrideInt(&cfg.Synthesis.QueueSize, "COMPANION_SYNTHESIS_QUEUE_SIZE")
	overrideString(&cfg.Synthesis.CacheDir, "COMPANION_SYNTHESIS_CACHE_DIR")
	overrideInt(&cfg.Synthesis.CacheIndexSize, "COMPANION_SYNTHESIS_CACHE_INDEX_SIZE")
	overrideFloat(&cfg.Synthesis.MaxRequestsPerS, "COMPANION_SYNTHESIS_MAX_REQUESTS_PER_SECOND")
	overrideBool(&cfg.Synthesis.SkipNonJapanese, "COMPANION_SYNTHESIS_SKIP_NON_JAPANESE")
	overrideString(&cfg.Synthesis.AlternateCommand, "COMPANION_SYNTHESIS_ALTERNATE_COMMAND")
	overrideFloat(&cfg.Synthesis.Volume, "COMPANION_SYNTHESIS_VOLUME")
	overrideFloat(&cfg.Synthesis.AlternateVolume, "COMPANION_SYNTHESIS_ALTERNATE_VOLUME")
	overrideBool(&cfg.Playback.Enabled, "COMPANION_PLAYBACK_ENABLED")
	overrideString(&cfg.Playback.Command, "COMPANION_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.Background.Path, "COMPANION_PLAYBACK_BACKGROUND_PATH")
	overrideFloat(&cfg.Playback.Background.Volume, "COMPANION_PLAYBACK_BACKGROUND_VOLUME")
	overrideBool(&cfg.Relay.Enabled, "COMPANION_RELAY_ENABLED")
	overrideInt(&cfg.Relay.PollIntervalMS, "COMPANION_RELAY_POLL_INTERVAL_MS")
	overrideString(&cfg.Relay.QuotaMessage, "COMPANION_RELAY_QUOTA_MESSAGE")
	overrideInt(&cfg.Relay.QuotaGraceMS, "COMPANION_RELAY_QUOTA_GRACE_MS")
	overrideInt(&cfg.Relay.QuotaSuspendMS, "COMPANION_RELAY_QUOTA_SUSPEND_MS")
	overrideBool(&cfg.Status.Enabled, "COMPANION_STATUS_ENABLED")
	overrideInt(&cfg.Status.IntervalMS, "COMPANION_STATUS_INTERVAL_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Completion.Enabled {
		switch cfg.Completion.Mode {
		case "mock", "http", "exec", "ollama":
		default:
			return errors.New("completion.mode must be one of mock|http|exec|ollama")
		}
		if (cfg.Completion.Mode == "http" || cfg.Completion.Mode == "ollama") && cfg.Completion.Endpoint == "" {
			return fmt.Errorf("completion.endpoint must be set when mode=%s", cfg.Completion.Mode)
		}
		if cfg.Completion.Mode == "exec" && cfg.Completion.Command == "" {
			return errors.New("completion.command must be set when mode=exec")
		}
		if cfg.Completion.MaxTokensEN <= 0 || cfg.Completion.MaxTokensJA <= 0 {
			return errors.New("completion.max_tokens_en and completion.max_tokens_ja must be positive")
		}
		if cfg.Completion.TimeoutMS <= 0 {
			return errors.New("completion.timeout_ms must be positive")
		}
		if cfg.Completion.RetryWindow < 0 || cfg.Completion.RetryWindow > 1 {
			return errors.New("completion.retry_window_ratio must be between 0 and 1")
		}
	}
	if cfg.Synthesis.Enabled {
		switch cfg.Synthesis.Mode {
		case "mock", "http":
		default:
			return errors.New("synthesis.mode must be one of mock|http")
		}
		if cfg.Synthesis.Mode == "http" && cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=http")
		}
		if cfg.Synthesis.CacheDir == "" {
			return errors.New("synthesis.cache_dir must not be empty")
		}
		if cfg.Synthesis.Speed <= 0 {
			return errors.New("synthesis.speed must be positive")
		}
		if cfg.Synthesis.CooldownMS < 0 {
			return errors.New("synthesis.cooldown_ms must be >= 0")
		}
		if cfg.Synthesis.QueueSize <= 0 {
			return errors.New("synthesis.queue_size must be >= 1")
		}
		if cfg.Synthesis.MaxRequestsPerS < 0 {
			return errors.New("synthesis.max_requests_per_second must be >= 0")
		}
	}
	if cfg.Playback.Enabled && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when playback is enabled")
	}
	for _, track := range cfg.Playback.Background.Tracks {
		if track.Path == "" {
			return errors.New("playback.background.tracks entries must have a path")
		}
	}
	if cfg.Relay.Enabled && cfg.Relay.PollIntervalMS <= 0 {
		return errors.New("relay.poll_interval_ms must be positive")
	}
	if cfg.Status.Enabled && cfg.Status.IntervalMS <= 0 {
		return errors.New("status.interval_ms must be positive")
	}
	return nil
}
