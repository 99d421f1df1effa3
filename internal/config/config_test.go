package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognizer.DefaultMode != ModeContinuous {
		t.Fatalf("expected continuous default mode, got %q", cfg.Recognizer.DefaultMode)
	}
	if cfg.Sentence.MaxSigns != 20 {
		t.Fatalf("expected 20 max signs, got %d", cfg.Sentence.MaxSigns)
	}
	if cfg.Sentence.IdleCooldown() != 2*time.Second {
		t.Fatalf("expected 2s idle cooldown, got %v", cfg.Sentence.IdleCooldown())
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signd.yaml")
	data := []byte(`
recognizer:
  default_mode: discrete
  discrete:
    window_size: 3
    smooth_window: 1
    threshold: 0.7
    cooldown_ms: 0
    stride: 1
sentence:
  generator: fallback
  max_signs: 5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recognizer.DefaultMode != ModeDiscrete {
		t.Fatalf("expected discrete mode")
	}
	if cfg.Recognizer.Discrete.WindowSize != 3 {
		t.Fatalf("expected window 3, got %d", cfg.Recognizer.Discrete.WindowSize)
	}
	if cfg.Recognizer.Continuous.Stride != 5 {
		t.Fatalf("expected untouched continuous stride default, got %d", cfg.Recognizer.Continuous.Stride)
	}
	if cfg.Sentence.MaxSigns != 5 {
		t.Fatalf("expected max signs 5, got %d", cfg.Sentence.MaxSigns)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SIGNS_BUS_USERNAME", "alice")
	t.Setenv("SIGNS_BUS_PASSWORD", "secret")
	t.Setenv("SIGNS_BUS_TLS_INSECURE", "true")
	t.Setenv("SIGNS_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SIGNS_NODE_ID", "test-node")
	t.Setenv("SIGNS_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SIGNS_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SIGNS_RECOGNIZER_DEFAULT_MODE", "discrete")
	t.Setenv("SIGNS_RECOGNIZER_CONTINUOUS_THRESHOLD", "0.8")
	t.Setenv("SIGNS_SENTENCE_IDLE_COOLDOWN_MS", "2500")
	t.Setenv("SIGNS_CLASSIFIER_MODE", "http")
	t.Setenv("SIGNS_CLASSIFIER_ENDPOINT", "http://tf:8501")
	t.Setenv("SIGNS_TELEMETRY_TRACE_SAMPLE_RATIO", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Recognizer.DefaultMode != ModeDiscrete {
		t.Fatalf("expected recognizer mode override")
	}
	if cfg.Recognizer.Continuous.Threshold != 0.8 {
		t.Fatalf("expected threshold override, got %v", cfg.Recognizer.Continuous.Threshold)
	}
	if cfg.Sentence.IdleCooldownMS != 2500 {
		t.Fatalf("expected idle cooldown override")
	}
	if cfg.Classifier.Mode != "http" || cfg.Classifier.Endpoint != "http://tf:8501" {
		t.Fatalf("expected classifier overrides")
	}
	if cfg.Telemetry.TraceSampleRatio != 0.5 {
		t.Fatalf("expected sample ratio override, got %v", cfg.Telemetry.TraceSampleRatio)
	}
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	cases := map[string]func(*Config){
		"zero window":      func(c *Config) { c.Recognizer.Discrete.WindowSize = 0 },
		"threshold > 1":    func(c *Config) { c.Recognizer.Continuous.Threshold = 1.5 },
		"zero stride":      func(c *Config) { c.Recognizer.Continuous.Stride = 0 },
		"unknown mode":     func(c *Config) { c.Recognizer.DefaultMode = "burst" },
		"llm disabled":     func(c *Config) { c.Sentence.Generator = "llm" },
		"exec no command":  func(c *Config) { c.Classifier.Mode = "exec" },
		"no manifest path": func(c *Config) { c.Model.ManifestPath = "" },
		"sample ratio > 1": func(c *Config) { c.Telemetry.TraceSampleRatio = 2 },
		"unknown level":    func(c *Config) { c.Telemetry.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTelemetrySlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := TelemetryConfig{LogLevel: in}.SlogLevel()
		if err != nil || got != want {
			t.Fatalf("level %q: got %v, %v; want %v", in, got, err, want)
		}
	}
}
