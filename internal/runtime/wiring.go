package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/capability"
	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/llm"
	"github.com/loqalabs/loqa-signs/internal/model"
	"github.com/loqalabs/loqa-signs/internal/resilience"
	"github.com/loqalabs/loqa-signs/internal/sentence"
	"github.com/loqalabs/loqa-signs/internal/session"
	"github.com/loqalabs/loqa-signs/internal/smoother"
	"github.com/loqalabs/loqa-signs/internal/window"
)

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// LoadModel reads and validates the manifest at path and its label list.
func LoadModel(path string) (model.Manifest, []string, error) {
	m, err := model.Load(path)
	if err != nil {
		return model.Manifest{}, nil, fmt.Errorf("load model manifest: %w", err)
	}
	if err := model.Validate(m); err != nil {
		return model.Manifest{}, nil, fmt.Errorf("invalid model manifest %s: %w", path, err)
	}
	labels, err := model.LoadLabels(m)
	if err != nil {
		return model.Manifest{}, nil, fmt.Errorf("load labels: %w", err)
	}
	return m, labels, nil
}

// NewExtractor builds the landmark extractor selected by cfg.Mode.
func NewExtractor(cfg config.LandmarksConfig) (landmarks.Extractor, error) {
	switch cfg.Mode {
	case "exec":
		return landmarks.NewExecExtractor(cfg.Command)
	case "http":
		return landmarks.NewHTTPExtractor(cfg.Endpoint, millis(cfg.TimeoutMS)), nil
	case "mock", "":
		return landmarks.NewMockExtractor(), nil
	default:
		return nil, fmt.Errorf("unsupported landmarks mode %q", cfg.Mode)
	}
}

func newBackend(cfg config.ClassifierConfig, numLabels int) (classifier.Backend, error) {
	var (
		backend classifier.Backend
		err     error
	)
	switch cfg.Mode {
	case "exec":
		backend, err = classifier.NewExecBackend(cfg.Command)
	case "http":
		backend = classifier.NewHTTPBackend(cfg.Endpoint, cfg.ModelName, millis(cfg.TimeoutMS))
	case "mock", "":
		backend = classifier.NewMockBackend(numLabels)
	default:
		err = fmt.Errorf("unsupported classifier mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	timeout := millis(cfg.TimeoutMS)
	if timeout <= 0 {
		return backend, nil
	}
	return classifier.BackendFunc(func(ctx context.Context, seq []window.Vector) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return backend.Score(ctx, seq)
	}), nil
}

// NewModelLoader returns the process-wide classifier handle. The backend is
// opened on the first session.
func NewModelLoader(cfg config.ClassifierConfig, m model.Manifest, labels []string, logger *slog.Logger) *classifier.Loader {
	breaker := resilience.NewBreaker("classifier", resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     millis(cfg.BreakerResetMS),
	}, logger)
	return classifier.NewLoader(func(ctx context.Context) (*classifier.Model, error) {
		backend, err := newBackend(cfg, len(labels))
		if err != nil {
			return nil, err
		}
		mdl, err := classifier.NewModel(classifier.Options{
			Name:           m.Metadata.Name,
			Labels:         labels,
			SequenceLength: m.Input.SequenceLength,
			FeatureDim:     m.Input.FeatureDim,
			Backend:        backend,
			Breaker:        breaker,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("classifier model opened",
			slog.String("model", m.Metadata.Name),
			slog.String("version", m.Metadata.Version),
			slog.String("backend", cfg.Mode),
			slog.Int("labels", len(labels)))
		return mdl, nil
	})
}

func profileFromConfig(mode smoother.Mode, p config.ProfileConfig) smoother.Profile {
	return smoother.Profile{
		Mode:         mode,
		WindowSize:   p.WindowSize,
		SmoothWindow: p.SmoothWindow,
		Threshold:    p.Threshold,
		Cooldown:     p.Cooldown(),
		Stride:       p.Stride,
		LabelHold:    p.LabelHold(),
	}
}

// Profiles converts the recognizer section into session profiles.
func Profiles(cfg config.RecognizerConfig) session.Profiles {
	return session.Profiles{
		Discrete:   profileFromConfig(smoother.Discrete, cfg.Discrete),
		Continuous: profileFromConfig(smoother.Continuous, cfg.Continuous),
	}
}

// NewGeneratorFactory returns the per-session sentence generator selected by
// sentence.generator. Nil means the plain label fallback. All sessions share
// one breaker so a dead language service is skipped everywhere at once.
func NewGeneratorFactory(cfg config.Config, client *bus.Client, logger *slog.Logger) (func(sessionID string) sentence.Generator, error) {
	timeout := millis(cfg.Sentence.TimeoutMS)
	breaker := resilience.NewBreaker("sentence", resilience.BreakerConfig{
		FailureThreshold: cfg.Sentence.BreakerFailures,
		ResetTimeout:     millis(cfg.Sentence.BreakerResetMS),
	}, logger)

	switch cfg.Sentence.Generator {
	case "llm":
		gen, err := llm.NewGenerator(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("sentence generator: %w", err)
		}
		shared := sentence.Guarded(sentence.WithTimeout(llm.NewTranslator(gen, cfg.LLM), timeout), breaker)
		return func(string) sentence.Generator { return shared }, nil
	case "bus":
		if client == nil {
			return nil, fmt.Errorf("sentence generator %q needs a bus connection", cfg.Sentence.Generator)
		}
		return func(sessionID string) sentence.Generator {
			return sentence.Guarded(sentence.WithTimeout(sentence.NewBusGenerator(client, sessionID), timeout), breaker)
		}, nil
	case "fallback", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported sentence generator %q", cfg.Sentence.Generator)
	}
}

// LocalCapabilities describes what this node serves.
func LocalCapabilities(cfg config.Config, m model.Manifest, labels []string) []capability.Capability {
	caps := []capability.Capability{{
		Name: capability.Recognition,
		Attributes: map[string]string{
			"model":        m.Metadata.Name,
			"version":      m.Metadata.Version,
			"labels":       strconv.Itoa(len(labels)),
			"default_mode": cfg.Recognizer.DefaultMode,
			"generator":    cfg.Sentence.Generator,
		},
	}}
	if cfg.LLM.Enabled {
		caps = append(caps, capability.Capability{
			Name:       capability.Sentence,
			Attributes: map[string]string{"mode": cfg.LLM.Mode, "model": cfg.LLM.Model},
		})
	}
	return caps
}
