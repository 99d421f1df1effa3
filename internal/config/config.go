package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeContinuous = "continuous"
	ModeDiscrete   = "discrete"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceSampleRatio bounds span volume; classifier spans are per frame.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// SlogLevel maps log_level onto a slog level. Empty means info.
func (t TelemetryConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", t.LogLevel)
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
	Model       ModelConfig      `yaml:"model"`
	Landmarks   LandmarksConfig  `yaml:"landmarks"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Sentence    SentenceConfig   `yaml:"sentence"`
	LLM         LLMConfig        `yaml:"llm"`
	Sessions    SessionsConfig   `yaml:"sessions"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
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

// ModelConfig points at the model manifest describing input shape, landmark
// layout and the label list.
type ModelConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

type LandmarksConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, http
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ClassifierConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, http
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	ModelName       string `yaml:"model_name"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	BreakerFailures int    `yaml:"breaker_failures"`
	BreakerResetMS  int    `yaml:"breaker_reset_ms"`
}

// ProfileConfig holds the debounce constants of one recognizer profile.
type ProfileConfig struct {
	WindowSize   int     `yaml:"window_size"`
	SmoothWindow int     `yaml:"smooth_window"`
	Threshold    float64 `yaml:"threshold"`
	CooldownMS   int     `yaml:"cooldown_ms"`
	Stride       int     `yaml:"stride"`
	LabelHoldMS  int     `yaml:"label_hold_ms"`
}

func (p ProfileConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownMS) * time.Millisecond
}

func (p ProfileConfig) LabelHold() time.Duration {
	return time.Duration(p.LabelHoldMS) * time.Millisecond
}

type RecognizerConfig struct {
	DefaultMode string        `yaml:"default_mode"`
	Discrete    ProfileConfig `yaml:"discrete"`
	Continuous  ProfileConfig `yaml:"continuous"`
}

type SentenceConfig struct {
	Generator       string `yaml:"generator"` // fallback, llm, bus
	MaxSigns        int    `yaml:"max_signs"`
	IdleCooldownMS  int    `yaml:"idle_cooldown_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	BreakerFailures int    `yaml:"breaker_failures"`
	BreakerResetMS  int    `yaml:"breaker_reset_ms"`
}

func (s SentenceConfig) IdleCooldown() time.Duration {
	return time.Duration(s.IdleCooldownMS) * time.Millisecond
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type SessionsConfig struct {
	MaxSessions    int `yaml:"max_sessions"`
	InboxSize      int `yaml:"inbox_size"`
	HousekeepingMS int `yaml:"housekeeping_ms"`
	IdleTimeoutMS  int `yaml:"idle_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-signs",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 0.05,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "signs-node-1",
			Role:              "recognizer",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/signs-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Model: ModelConfig{
			ManifestPath: "./model/model.yaml",
		},
		Landmarks: LandmarksConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:8500",
			TimeoutMS: 2000,
		},
		Classifier: ClassifierConfig{
			Mode:            "mock",
			Endpoint:        "http://localhost:8501",
			ModelName:       "signs",
			TimeoutMS:       2000,
			BreakerFailures: 5,
			BreakerResetMS:  10000,
		},
		Recognizer: RecognizerConfig{
			DefaultMode: ModeContinuous,
			Discrete: ProfileConfig{
				WindowSize:   15,
				SmoothWindow: 5,
				Threshold:    0.70,
				CooldownMS:   3000,
				Stride:       1,
			},
			Continuous: ProfileConfig{
				WindowSize:   8,
				SmoothWindow: 1,
				Threshold:    0.55,
				CooldownMS:   1500,
				Stride:       5,
				LabelHoldMS:  1000,
			},
		},
		Sentence: SentenceConfig{
			Generator:       "fallback",
			MaxSigns:        20,
			IdleCooldownMS:  2000,
			TimeoutMS:       15000,
			BreakerFailures: 3,
			BreakerResetMS:  30000,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   60,
			Temperature: 0.1,
		},
		Sessions: SessionsConfig{
			MaxSessions:    256,
			InboxSize:      64,
			HousekeepingMS: 500,
			IdleTimeoutMS:  300000,
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
	overrideString(&cfg.RuntimeName, "SIGNS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SIGNS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIGNS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIGNS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SIGNS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIGNS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIGNS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SIGNS_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SIGNS_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "SIGNS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SIGNS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SIGNS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SIGNS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIGNS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIGNS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIGNS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIGNS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIGNS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SIGNS_NODE_ID")
	overrideString(&cfg.Node.Role, "SIGNS_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SIGNS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SIGNS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SIGNS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SIGNS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SIGNS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SIGNS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SIGNS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.ManifestPath, "SIGNS_MODEL_MANIFEST_PATH")
	overrideString(&cfg.Landmarks.Mode, "SIGNS_LANDMARKS_MODE")
	overrideString(&cfg.Landmarks.Command, "SIGNS_LANDMARKS_COMMAND")
	overrideString(&cfg.Landmarks.Endpoint, "SIGNS_LANDMARKS_ENDPOINT")
	overrideInt(&cfg.Landmarks.TimeoutMS, "SIGNS_LANDMARKS_TIMEOUT_MS")
	overrideString(&cfg.Classifier.Mode, "SIGNS_CLASSIFIER_MODE")
	overrideString(&cfg.Classifier.Command, "SIGNS_CLASSIFIER_COMMAND")
	overrideString(&cfg.Classifier.Endpoint, "SIGNS_CLASSIFIER_ENDPOINT")
	overrideString(&cfg.Classifier.ModelName, "SIGNS_CLASSIFIER_MODEL_NAME")
	overrideInt(&cfg.Classifier.TimeoutMS, "SIGNS_CLASSIFIER_TIMEOUT_MS")
	overrideInt(&cfg.Classifier.BreakerFailures, "SIGNS_CLASSIFIER_BREAKER_FAILURES")
	overrideInt(&cfg.Classifier.BreakerResetMS, "SIGNS_CLASSIFIER_BREAKER_RESET_MS")
	overrideString(&cfg.Recognizer.DefaultMode, "SIGNS_RECOGNIZER_DEFAULT_MODE")
	overrideInt(&cfg.Recognizer.Discrete.WindowSize, "SIGNS_RECOGNIZER_DISCRETE_WINDOW_SIZE")
	overrideInt(&cfg.Recognizer.Discrete.SmoothWindow, "SIGNS_RECOGNIZER_DISCRETE_SMOOTH_WINDOW")
	overrideFloat(&cfg.Recognizer.Discrete.Threshold, "SIGNS_RECOGNIZER_DISCRETE_THRESHOLD")
	overrideInt(&cfg.Recognizer.Discrete.CooldownMS, "SIGNS_RECOGNIZER_DISCRETE_COOLDOWN_MS")
	overrideInt(&cfg.Recognizer.Continuous.WindowSize, "SIGNS_RECOGNIZER_CONTINUOUS_WINDOW_SIZE")
	overrideInt(&cfg.Recognizer.Continuous.SmoothWindow, "SIGNS_RECOGNIZER_CONTINUOUS_SMOOTH_WINDOW")
	overrideFloat(&cfg.Recognizer.Continuous.Threshold, "SIGNS_RECOGNIZER_CONTINUOUS_THRESHOLD")
	overrideInt(&cfg.Recognizer.Continuous.CooldownMS, "SIGNS_RECOGNIZER_CONTINUOUS_COOLDOWN_MS")
	overrideInt(&cfg.Recognizer.Continuous.Stride, "SIGNS_RECOGNIZER_CONTINUOUS_STRIDE")
	overrideInt(&cfg.Recognizer.Continuous.LabelHoldMS, "SIGNS_RECOGNIZER_CONTINUOUS_LABEL_HOLD_MS")
	overrideString(&cfg.Sentence.Generator, "SIGNS_SENTENCE_GENERATOR")
	overrideInt(&cfg.Sentence.MaxSigns, "SIGNS_SENTENCE_MAX_SIGNS")
	overrideInt(&cfg.Sentence.IdleCooldownMS, "SIGNS_SENTENCE_IDLE_COOLDOWN_MS")
	overrideInt(&cfg.Sentence.TimeoutMS, "SIGNS_SENTENCE_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "SIGNS_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SIGNS_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SIGNS_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SIGNS_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "SIGNS_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "SIGNS_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SIGNS_LLM_TEMPERATURE")
	overrideInt(&cfg.Sessions.MaxSessions, "SIGNS_SESSIONS_MAX")
	overrideInt(&cfg.Sessions.InboxSize, "SIGNS_SESSIONS_INBOX_SIZE")
	overrideInt(&cfg.Sessions.HousekeepingMS, "SIGNS_SESSIONS_HOUSEKEEPING_MS")
	overrideInt(&cfg.Sessions.IdleTimeoutMS, "SIGNS_SESSIONS_IDLE_TIMEOUT_MS")
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
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for a random port) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
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
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when retention is enabled")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if _, err := cfg.Telemetry.SlogLevel(); err != nil {
		return fmt.Errorf("telemetry.log_level: %w", err)
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	if cfg.Model.ManifestPath == "" {
		return errors.New("model.manifest_path must not be empty")
	}
	switch cfg.Landmarks.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("landmarks.mode must be one of mock|exec|http")
	}
	if cfg.Landmarks.Mode == "exec" && cfg.Landmarks.Command == "" {
		return errors.New("landmarks.command must be set when mode=exec")
	}
	if cfg.Landmarks.Mode == "http" && cfg.Landmarks.Endpoint == "" {
		return errors.New("landmarks.endpoint must be set when mode=http")
	}
	switch cfg.Classifier.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("classifier.mode must be one of mock|exec|http")
	}
	if cfg.Classifier.Mode == "exec" && cfg.Classifier.Command == "" {
		return errors.New("classifier.command must be set when mode=exec")
	}
	if cfg.Classifier.Mode == "http" && cfg.Classifier.Endpoint == "" {
		return errors.New("classifier.endpoint must be set when mode=http")
	}
	switch cfg.Recognizer.DefaultMode {
	case ModeContinuous, ModeDiscrete:
	default:
		return errors.New("recognizer.default_mode must be one of continuous|discrete")
	}
	if err := validateProfile("recognizer.discrete", cfg.Recognizer.Discrete); err != nil {
		return err
	}
	if err := validateProfile("recognizer.continuous", cfg.Recognizer.Continuous); err != nil {
		return err
	}
	switch cfg.Sentence.Generator {
	case "fallback", "llm", "bus":
	default:
		return errors.New("sentence.generator must be one of fallback|llm|bus")
	}
	if cfg.Sentence.MaxSigns <= 0 {
		return errors.New("sentence.max_signs must be positive")
	}
	if cfg.Sentence.IdleCooldownMS < 0 {
		return errors.New("sentence.idle_cooldown_ms must be >= 0")
	}
	if cfg.Sentence.Generator == "llm" && !cfg.LLM.Enabled {
		return errors.New("llm.enabled must be true when sentence.generator=llm")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
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
	if cfg.Sessions.MaxSessions <= 0 {
		return errors.New("sessions.max_sessions must be positive")
	}
	if cfg.Sessions.InboxSize <= 0 {
		return errors.New("sessions.inbox_size must be positive")
	}
	if cfg.Sessions.HousekeepingMS <= 0 {
		return errors.New("sessions.housekeeping_ms must be positive")
	}
	return nil
}

func validateProfile(name string, p ProfileConfig) error {
	if p.WindowSize <= 0 {
		return fmt.Errorf("%s.window_size must be positive", name)
	}
	if p.SmoothWindow <= 0 {
		return fmt.Errorf("%s.smooth_window must be positive", name)
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("%s.threshold must be within [0,1]", name)
	}
	if p.CooldownMS < 0 || p.LabelHoldMS < 0 {
		return fmt.Errorf("%s cooldown and label hold must be >= 0", name)
	}
	if p.Stride <= 0 {
		return fmt.Errorf("%s.stride must be positive", name)
	}
	return nil
}
