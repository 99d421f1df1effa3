// Package session ties the per-client pieces together: vectorizer, debounce
// machine and sentence buffer. One Session serves exactly one client stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/sentence"
	"github.com/loqalabs/loqa-signs/internal/smoother"
	"github.com/loqalabs/loqa-signs/internal/window"
)

// Model is the shared, read-only classifier handle.
type Model interface {
	smoother.Predictor
	Labels() []string
	SequenceLength() int
}

type Profiles struct {
	Discrete   smoother.Profile
	Continuous smoother.Profile
}

func DefaultProfiles() Profiles {
	return Profiles{Discrete: smoother.DiscreteProfile(), Continuous: smoother.ContinuousProfile()}
}

type Options struct {
	ID           string
	Model        Model
	Extractor    landmarks.Extractor
	Vectorizer   *landmarks.Vectorizer
	Profiles     Profiles
	Mode         smoother.Mode
	MaxSigns     int
	IdleCooldown time.Duration
	Generator    sentence.Generator
	Clock        func() time.Time
}

// Result is the outcome of one frame.
type Result struct {
	HandDetected bool
	Sign         string
	Confidence   float64
	State        smoother.State
	Mode         smoother.Mode
	Message      string
	BufferStatus string
	Sentence     sentence.Status
	Event        *smoother.SignEvent
	Evaluation   *smoother.Evaluation
	// Built is set when this frame triggered an idle sentence build.
	Built *sentence.Build
}

// Session is not safe for concurrent use; the caller serializes frames and
// control operations for one session.
type Session struct {
	id         string
	model      Model
	extractor  landmarks.Extractor
	vectorizer *landmarks.Vectorizer
	profiles   Profiles
	machine    *smoother.Machine
	buffer     *sentence.Buffer
}

func New(opts Options) (*Session, error) {
	if opts.Model == nil {
		return nil, errors.New("session model is required")
	}
	if opts.Vectorizer == nil {
		return nil, errors.New("session vectorizer is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Profiles == (Profiles{}) {
		opts.Profiles = DefaultProfiles()
	}
	opts.Profiles.Discrete.Mode = smoother.Discrete
	opts.Profiles.Continuous.Mode = smoother.Continuous
	profile := opts.Profiles.Continuous
	if opts.Mode == smoother.Discrete {
		profile = opts.Profiles.Discrete
	}
	if opts.IdleCooldown <= 0 {
		opts.IdleCooldown = sentence.DefaultIdleCooldown
	}
	return &Session{
		id:         opts.ID,
		model:      opts.Model,
		extractor:  opts.Extractor,
		vectorizer: opts.Vectorizer,
		profiles:   opts.Profiles,
		machine:    smoother.New(profile, opts.Model.SequenceLength(), opts.Model, opts.Clock),
		buffer:     sentence.NewBuffer(opts.MaxSigns, opts.IdleCooldown, opts.Generator, opts.Clock),
	}, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Mode() smoother.Mode   { return s.machine.Profile().Mode }
func (s *Session) State() smoother.State { return s.machine.State() }

// ProcessFrame extracts landmarks from image and processes them. Extraction
// failures are returned without touching session state.
func (s *Session) ProcessFrame(ctx context.Context, image []byte) (Result, error) {
	if s.extractor == nil {
		return Result{}, fmt.Errorf("%w: no landmark extractor configured", landmarks.ErrInvalidFrameData)
	}
	set, err := s.extractor.Extract(ctx, image)
	if err != nil {
		return Result{}, err
	}
	return s.ProcessLandmarks(ctx, set)
}

// ProcessLandmarks runs one frame through the debouncer and the sentence
// buffer. A malformed landmark set is rejected before any state changes.
func (s *Session) ProcessLandmarks(ctx context.Context, set landmarks.Set) (Result, error) {
	v, err := s.vectorizer.Vectorize(set)
	if err != nil {
		return Result{}, err
	}
	hands := s.vectorizer.HandsPresent(set)
	var vec window.Vector
	if hands {
		vec = v
	}

	out := s.machine.Step(ctx, hands, vec)
	res := Result{
		HandDetected: hands,
		Sign:         out.Label,
		Confidence:   out.Confidence,
		State:        out.State,
		Mode:         s.Mode(),
		Message:      message(out),
		BufferStatus: fmt.Sprintf("%d/%d frames", out.Buffered, out.WindowSize),
		Event:        out.Event,
		Evaluation:   out.Evaluation,
	}
	if out.Event != nil {
		s.buffer.AddSign(out.Event.Label)
	}
	if !hands {
		if build, ok := s.buffer.CheckIdle(ctx); ok {
			res.Built = &build
		}
	}
	res.Sentence = s.buffer.Status()
	return res, nil
}

func message(out smoother.Output) string {
	switch {
	case !out.HandsPresent:
		return "show your hands to translate"
	case out.State == smoother.HoldResult && out.Label != "":
		return "recognized " + out.Label
	case out.State == smoother.HoldResult:
		return "sign not recognized, lower your hands to retry"
	case out.Buffered < out.WindowSize:
		return fmt.Sprintf("capturing %d/%d", out.Buffered, out.WindowSize)
	default:
		return "analyzing sign"
	}
}

// CheckIdle lets a housekeeping tick build the sentence when no frames
// arrive.
func (s *Session) CheckIdle(ctx context.Context) (sentence.Build, bool) {
	return s.buffer.CheckIdle(ctx)
}

func (s *Session) AvailableSigns() []string { return s.model.Labels() }

// SetMode switches between continuous and discrete profiles and resets the
// debouncer. The sentence buffer is kept.
func (s *Session) SetMode(continuous bool) {
	if continuous {
		s.machine.SetProfile(s.profiles.Continuous)
		return
	}
	s.machine.SetProfile(s.profiles.Discrete)
}

func (s *Session) SentenceStatus() sentence.Status { return s.buffer.Status() }

func (s *Session) ForceBuildSentence(ctx context.Context) sentence.Build {
	return s.buffer.ForceBuild(ctx)
}

func (s *Session) ClearSentenceBuffer() { s.buffer.Clear() }

func (s *Session) RemoveLastSign() (string, bool) { return s.buffer.RemoveLast() }
