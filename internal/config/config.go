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
	Traces         string `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout_ms"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	BasePath          string `yaml:"base_path"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Model       ModelConfig      `yaml:"model"`
	Relay       RelayConfig      `yaml:"relay"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

// ModelConfig selects and parameterizes the synthesis backend.
type ModelConfig struct {
	Name           string `yaml:"name"`
	Mode           string `yaml:"mode"` // mock, exec, remote
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	BitDepth       int    `yaml:"bit_depth"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MockChunkDelay int    `yaml:"mock_chunk_delay_ms"`
}

type RelayConfig struct {
	DefaultLanguage  string `yaml:"default_language"`
	DefaultChunkSize int    `yaml:"default_chunk_size"`
	MinChunkSize     int    `yaml:"min_chunk_size"`
	MaxChunkSize     int    `yaml:"max_chunk_size"`
	LogTextPreview   int    `yaml:"log_text_preview"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
	Stream         string   `yaml:"stream"`
	RequestSubject string   `yaml:"request_subject"`
	AudioPrefix    string   `yaml:"audio_prefix"`
}

func Default() Config {
	return Config{
		ServiceName: "XTTS Streaming API",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 5000,
			ShutdownTimeout:   10000,
			MaxBodyBytes:      1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "none",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Model: ModelConfig{
			Name:          "xtts_v2",
			Mode:          "mock",
			SampleRate:    24000,
			Channels:      1,
			BitDepth:      16,
			MaxConcurrent: 1,
			TimeoutMS:     120000,
		},
		Relay: RelayConfig{
			DefaultLanguage:  "en",
			DefaultChunkSize: 20,
			MinChunkSize:     1,
			MaxChunkSize:     100,
			LogTextPreview:   50,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "tts.synthesis",
			Stream:         "TTS_JOBS",
			RequestSubject: "tts.request",
			AudioPrefix:    "tts.audio",
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
	overrideString(&cfg.ServiceName, "LOQA_SERVICE_NAME")
	overrideString(&cfg.Environment, "LOQA_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.ReadHeaderTimeout, "LOQA_HTTP_READ_HEADER_TIMEOUT_MS")
	overrideInt(&cfg.HTTP.ShutdownTimeout, "LOQA_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.HTTP.BasePath, "LOQA_HTTP_BASE_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_TELEMETRY_METRICS_ENABLED")
	overrideString(&cfg.Model.Name, "LOQA_MODEL_NAME")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.Endpoint, "LOQA_MODEL_ENDPOINT")
	overrideInt(&cfg.Model.SampleRate, "LOQA_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.Channels, "LOQA_MODEL_CHANNELS")
	overrideInt(&cfg.Model.BitDepth, "LOQA_MODEL_BIT_DEPTH")
	overrideInt(&cfg.Model.MaxConcurrent, "LOQA_MODEL_MAX_CONCURRENT")
	overrideInt(&cfg.Model.TimeoutMS, "LOQA_MODEL_TIMEOUT_MS")
	overrideInt(&cfg.Model.MockChunkDelay, "LOQA_MODEL_MOCK_CHUNK_DELAY_MS")
	overrideString(&cfg.Relay.DefaultLanguage, "LOQA_RELAY_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Relay.DefaultChunkSize, "LOQA_RELAY_DEFAULT_CHUNK_SIZE")
	overrideInt(&cfg.Relay.MinChunkSize, "LOQA_RELAY_MIN_CHUNK_SIZE")
	overrideInt(&cfg.Relay.MaxChunkSize, "LOQA_RELAY_MAX_CHUNK_SIZE")
	overrideInt(&cfg.Relay.LogTextPreview, "LOQA_RELAY_LOG_TEXT_PREVIEW")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Stream, "LOQA_BUS_STREAM")
	overrideString(&cfg.Bus.RequestSubject, "LOQA_BUS_REQUEST_SUBJECT")
	overrideString(&cfg.Bus.AudioPrefix, "LOQA_BUS_AUDIO_PREFIX")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.BasePath != "" && (!strings.HasPrefix(cfg.HTTP.BasePath, "/") || strings.HasSuffix(cfg.HTTP.BasePath, "/")) {
		return errors.New("http.base_path must start with / and must not end with /")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}

	if cfg.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	switch cfg.Model.Mode {
	case "mock":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	case "remote":
		if cfg.Model.Endpoint == "" {
			return errors.New("model.endpoint must be set when mode=remote")
		}
	default:
		return errors.New("model.mode must be one of mock|exec|remote")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.Channels <= 0 {
		return errors.New("model.channels must be positive")
	}
	if cfg.Model.BitDepth != 16 {
		return errors.New("model.bit_depth must be 16")
	}
	if cfg.Model.MaxConcurrent < 1 {
		return errors.New("model.max_concurrent must be >= 1")
	}
	if cfg.Model.TimeoutMS < 0 {
		return errors.New("model.timeout_ms must be >= 0")
	}

	if cfg.Relay.MinChunkSize < 1 {
		return errors.New("relay.min_chunk_size must be >= 1")
	}
	if cfg.Relay.MaxChunkSize < cfg.Relay.MinChunkSize {
		return errors.New("relay.max_chunk_size must be >= relay.min_chunk_size")
	}
	if cfg.Relay.DefaultChunkSize < cfg.Relay.MinChunkSize || cfg.Relay.DefaultChunkSize > cfg.Relay.MaxChunkSize {
		return fmt.Errorf("relay.default_chunk_size must be between %d and %d", cfg.Relay.MinChunkSize, cfg.Relay.MaxChunkSize)
	}

	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.RequestSubject != "" && cfg.Bus.AudioPrefix == "" {
			return errors.New("bus.audio_prefix must not be empty when bus.request_subject is set")
		}
	}
	return nil
}
