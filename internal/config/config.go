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
	TraceExporter  string `yaml:"trace_exporter"` // otlp, stdout, none; empty picks otlp when an endpoint is set
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
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Distress    DistressConfig   `yaml:"distress"`
	Guard       GuardConfig      `yaml:"guard"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig drives the conditioner, VAD and chunker. Durations are in
// milliseconds and are converted to frame counts by the capture session.
type CaptureConfig struct {
	Source       string  `yaml:"source"` // mic, wav, bus
	SampleRate   int     `yaml:"sample_rate"`
	FrameMS      int     `yaml:"frame_ms"`
	MinChunkMS   int     `yaml:"min_chunk_ms"`
	SilenceMS    int     `yaml:"silence_ms"`
	EnergyFactor float64 `yaml:"energy_factor"`
	IdleSleepMS  int     `yaml:"idle_sleep_ms"`
	HighpassHz   float64 `yaml:"highpass_hz"`
	Preemph      float64 `yaml:"preemph"`
	QueueFrames  int     `yaml:"queue_frames"`
	WAVPath      string  `yaml:"wav_path"`
	Realtime     bool    `yaml:"realtime"`
	BusSession   string  `yaml:"bus_session"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, http, whisper
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Task      string `yaml:"task"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type DistressConfig struct {
	Keywords  []string `yaml:"keywords"`
	Phrases   []string `yaml:"phrases"`
	Threshold float64  `yaml:"threshold"`
	Matcher   string   `yaml:"matcher"` // sequence, jarowinkler
}

type GuardConfig struct {
	PublishInterim     bool   `yaml:"publish_interim"`
	PrivacyScope       string `yaml:"privacy_scope"`
	ActorID            string `yaml:"actor_id"`
	HeartbeatMS        int    `yaml:"heartbeat_ms"`
	HeartbeatTimeoutMS int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-guard",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-guard.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Source:       "mic",
			SampleRate:   16000,
			FrameMS:      30,
			MinChunkMS:   1200,
			SilenceMS:    600,
			EnergyFactor: 3.0,
			IdleSleepMS:  20,
			HighpassHz:   100,
			Preemph:      0.97,
			QueueFrames:  512,
		},
		STT: STTConfig{
			Mode:      "mock",
			Task:      "transcribe",
			TimeoutMS: 45000,
		},
		Distress: DistressConfig{
			Threshold: 0.82,
			Matcher:   "sequence",
		},
		Guard: GuardConfig{
			PublishInterim:     true,
			PrivacyScope:       "session",
			ActorID:            "guard",
			HeartbeatMS:        5000,
			HeartbeatTimeoutMS: 15000,
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameMS, "LOQA_CAPTURE_FRAME_MS")
	overrideInt(&cfg.Capture.MinChunkMS, "LOQA_CAPTURE_MIN_CHUNK_MS")
	overrideInt(&cfg.Capture.SilenceMS, "LOQA_CAPTURE_SILENCE_MS")
	overrideFloat(&cfg.Capture.EnergyFactor, "LOQA_CAPTURE_ENERGY_FACTOR")
	overrideInt(&cfg.Capture.IdleSleepMS, "LOQA_CAPTURE_IDLE_SLEEP_MS")
	overrideFloat(&cfg.Capture.HighpassHz, "LOQA_CAPTURE_HIGHPASS_HZ")
	overrideFloat(&cfg.Capture.Preemph, "LOQA_CAPTURE_PREEMPH")
	overrideInt(&cfg.Capture.QueueFrames, "LOQA_CAPTURE_QUEUE_FRAMES")
	overrideString(&cfg.Capture.WAVPath, "LOQA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.Capture.BusSession, "LOQA_CAPTURE_BUS_SESSION")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Task, "LOQA_STT_TASK")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideStringSlice(&cfg.Distress.Keywords, "LOQA_EMERGENCY_KEYWORDS")
	overrideStringSlice(&cfg.Distress.Phrases, "LOQA_EMERGENCY_PHRASES")
	overrideFloat(&cfg.Distress.Threshold, "LOQA_EMERGENCY_THRESHOLD")
	overrideString(&cfg.Distress.Matcher, "LOQA_EMERGENCY_MATCHER")
	overrideBool(&cfg.Guard.PublishInterim, "LOQA_GUARD_PUBLISH_INTERIM")
	overrideString(&cfg.Guard.PrivacyScope, "LOQA_GUARD_PRIVACY_SCOPE")
	overrideString(&cfg.Guard.ActorID, "LOQA_GUARD_ACTOR_ID")
	overrideInt(&cfg.Guard.HeartbeatMS, "LOQA_GUARD_HEARTBEAT_MS")
	overrideInt(&cfg.Guard.HeartbeatTimeoutMS, "LOQA_GUARD_HEARTBEAT_TIMEOUT_MS")
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

// Validate reports the first configuration problem found. The CLI calls it
// directly after applying flag overrides.
func Validate(cfg Config) error {
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if err := validateCapture(cfg.Capture, cfg.Bus); err != nil {
		return err
	}
	if err := validateSTT(cfg.STT); err != nil {
		return err
	}
	if cfg.Distress.Threshold < 0 || cfg.Distress.Threshold > 1 {
		return errors.New("distress.threshold must be within [0,1]")
	}
	switch cfg.Distress.Matcher {
	case "", "sequence", "jarowinkler":
	default:
		return errors.New("distress.matcher must be one of sequence|jarowinkler")
	}
	if cfg.Bus.Enabled {
		if cfg.Guard.HeartbeatMS <= 0 {
			return errors.New("guard.heartbeat_ms must be positive when the bus is enabled")
		}
		if cfg.Guard.HeartbeatTimeoutMS <= cfg.Guard.HeartbeatMS {
			return errors.New("guard.heartbeat_timeout_ms must exceed guard.heartbeat_ms")
		}
	}
	return nil
}

func validateCapture(c CaptureConfig, bus BusConfig) error {
	switch c.Source {
	case "mic":
	case "wav":
		if c.WAVPath == "" {
			return errors.New("capture.wav_path must be set when source=wav")
		}
	case "bus":
		if !bus.Enabled {
			return errors.New("capture.source=bus requires bus.enabled")
		}
	default:
		return errors.New("capture.source must be one of mic|wav|bus")
	}
	if c.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if c.FrameMS <= 0 {
		return errors.New("capture.frame_ms must be positive")
	}
	if c.SampleRate*c.FrameMS/1000 == 0 {
		return errors.New("capture.frame_ms is too short for the sample rate")
	}
	if c.MinChunkMS <= 0 || c.SilenceMS <= 0 {
		return errors.New("capture.min_chunk_ms and capture.silence_ms must be positive")
	}
	if c.EnergyFactor <= 0 {
		return errors.New("capture.energy_factor must be positive")
	}
	if c.IdleSleepMS <= 0 {
		return errors.New("capture.idle_sleep_ms must be positive")
	}
	if c.Preemph < 0 || c.Preemph >= 1 {
		return errors.New("capture.preemph must be within [0,1)")
	}
	if c.QueueFrames <= 0 {
		return errors.New("capture.queue_frames must be >= 1")
	}
	return nil
}

func validateSTT(s STTConfig) error {
	switch s.Mode {
	case "mock", "whisper":
	case "exec":
		if s.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if s.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http|whisper")
	}
	if s.Mode == "whisper" && s.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	switch s.Task {
	case "", "transcribe", "translate":
	default:
		return errors.New("stt.task must be one of transcribe|translate")
	}
	if s.TimeoutMS < 0 {
		return errors.New("stt.timeout_ms must be >= 0")
	}
	return nil
}
