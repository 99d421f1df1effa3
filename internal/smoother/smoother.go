// Package smoother is the per-session debouncer that sits between the frame
// stream and the classifier. It decides when to classify and turns noisy
// predictions into stable sign events.
package smoother

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/window"
)

type State int

const (
	WaitHands State = iota
	Recording
	HoldResult
)

func (s State) String() string {
	switch s {
	case WaitHands:
		return "WAIT_HANDS"
	case Recording:
		return "RECORDING"
	case HoldResult:
		return "HOLD_RESULT"
	default:
		return "UNKNOWN"
	}
}

type Mode string

const (
	Discrete   Mode = "discrete"
	Continuous Mode = "continuous"
)

// Profile carries the constants that distinguish the two operating modes.
// Stride and LabelHold only apply to continuous mode.
type Profile struct {
	Mode         Mode
	WindowSize   int
	SmoothWindow int
	Threshold    float64
	Cooldown     time.Duration
	Stride       int
	LabelHold    time.Duration
}

func DiscreteProfile() Profile {
	return Profile{
		Mode:         Discrete,
		WindowSize:   15,
		SmoothWindow: 5,
		Threshold:    0.70,
		Cooldown:     3 * time.Second,
		Stride:       1,
	}
}

func ContinuousProfile() Profile {
	return Profile{
		Mode:         Continuous,
		WindowSize:   8,
		SmoothWindow: 1,
		Threshold:    0.55,
		Cooldown:     1500 * time.Millisecond,
		Stride:       5,
		LabelHold:    time.Second,
	}
}

// Predictor is the classifier as the machine sees it.
type Predictor interface {
	Predict(ctx context.Context, sequence []window.Vector) (classifier.Prediction, error)
}

// SignEvent is a stabilized sign ready for the sentence buffer.
type SignEvent struct {
	Label      string
	Confidence float64
	Timestamp  time.Time
}

// Evaluation describes one classifier round.
type Evaluation struct {
	Raw      classifier.Prediction
	Vote     classifier.Prediction
	Accepted bool
	Err      error
}

// Output is what one frame produced.
type Output struct {
	State        State
	HandsPresent bool
	// Label is the currently held label, empty when nothing is held.
	Label      string
	Confidence float64
	Buffered   int
	WindowSize int
	Evaluation *Evaluation
	Event      *SignEvent
}

// Machine is one session's debouncer. It is not safe for concurrent use.
type Machine struct {
	profile     Profile
	modelLength int
	predictor   Predictor
	clock       func() time.Time

	state   State
	window  *window.Window
	history *History

	held           string
	heldConfidence float64
	lastEmission   time.Time
	framesSince    int
}

// New builds a machine in WAIT_HANDS. modelLength is the sequence length the
// classifier expects; clock defaults to time.Now.
func New(profile Profile, modelLength int, predictor Predictor, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	profile = normalize(profile)
	return &Machine{
		profile:     profile,
		modelLength: modelLength,
		predictor:   predictor,
		clock:       clock,
		state:       WaitHands,
		window:      window.New(profile.WindowSize),
		history:     NewHistory(profile.SmoothWindow),
	}
}

func normalize(p Profile) Profile {
	if p.WindowSize < 1 {
		p.WindowSize = 1
	}
	if p.SmoothWindow < 1 {
		p.SmoothWindow = 1
	}
	if p.Stride < 1 {
		p.Stride = 1
	}
	if p.Mode != Discrete {
		p.Mode = Continuous
	}
	return p
}

func (m *Machine) Profile() Profile { return m.profile }
func (m *Machine) State() State     { return m.state }
func (m *Machine) Buffered() int    { return m.window.Len() }

// SetProfile switches constants and resets the machine to WAIT_HANDS.
func (m *Machine) SetProfile(p Profile) {
	m.profile = normalize(p)
	m.window.Resize(m.profile.WindowSize)
	m.history.resize(m.profile.SmoothWindow)
	m.Reset()
}

// Reset drops all buffered frames, predictions and the held label.
func (m *Machine) Reset() {
	m.state = WaitHands
	m.window.Clear()
	m.history.Clear()
	m.held = ""
	m.heldConfidence = 0
	m.lastEmission = time.Time{}
	m.framesSince = 0
}

// Step advances the machine by one frame. vec is ignored when hands are not
// present. Classifier failures are folded into a zero-confidence prediction;
// Step itself never fails.
func (m *Machine) Step(ctx context.Context, handsPresent bool, vec window.Vector) Output {
	var out Output
	if m.profile.Mode == Discrete {
		out = m.stepDiscrete(ctx, handsPresent, vec)
	} else {
		out = m.stepContinuous(ctx, handsPresent, vec)
	}
	out.State = m.state
	out.HandsPresent = handsPresent
	out.Label = m.held
	out.Confidence = m.heldConfidence
	out.Buffered = m.window.Len()
	out.WindowSize = m.profile.WindowSize
	return out
}

func (m *Machine) stepDiscrete(ctx context.Context, hands bool, vec window.Vector) Output {
	var out Output
	switch m.state {
	case WaitHands:
		if !hands {
			return out
		}
		m.window.Clear()
		m.history.Clear()
		m.held, m.heldConfidence = "", 0
		m.state = Recording
		m.record(ctx, vec, &out)
	case Recording:
		if !hands {
			m.window.Clear()
			m.state = WaitHands
			return out
		}
		m.record(ctx, vec, &out)
	case HoldResult:
		if !hands {
			m.window.Clear()
			m.history.Clear()
			m.held, m.heldConfidence = "", 0
			m.state = WaitHands
		}
	}
	return out
}

// record pushes the frame and, once the window is full, classifies it and
// moves to HOLD_RESULT.
func (m *Machine) record(ctx context.Context, vec window.Vector, out *Output) {
	m.window.Push(vec)
	if m.window.Len() < m.profile.WindowSize {
		return
	}
	eval := m.evaluate(ctx)
	out.Evaluation = &eval
	m.state = HoldResult
	if !eval.Accepted {
		m.held, m.heldConfidence = "", 0
		return
	}
	now := m.clock()
	m.held, m.heldConfidence = eval.Vote.Label, eval.Vote.Probability
	m.lastEmission = now
	out.Event = &SignEvent{Label: m.held, Confidence: m.heldConfidence, Timestamp: now}
}

func (m *Machine) stepContinuous(ctx context.Context, hands bool, vec window.Vector) Output {
	var out Output
	now := m.clock()
	if hands {
		m.state = Recording
		m.window.Push(vec)
		m.framesSince++
		if m.readyToInvoke(now) {
			m.framesSince = 0
			eval := m.evaluate(ctx)
			out.Evaluation = &eval
			if eval.Accepted && eval.Vote.Label != m.held {
				m.held, m.heldConfidence = eval.Vote.Label, eval.Vote.Probability
				m.lastEmission = now
				out.Event = &SignEvent{Label: m.held, Confidence: m.heldConfidence, Timestamp: now}
			}
		}
	} else {
		m.state = WaitHands
		m.window.Clear()
	}

	if m.held != "" && now.Sub(m.lastEmission) > m.profile.Cooldown+m.profile.LabelHold {
		m.held, m.heldConfidence = "", 0
	}
	return out
}

// readyToInvoke applies the continuous gate: full window, stride frames since
// the last invocation and the cooldown since the last emission.
func (m *Machine) readyToInvoke(now time.Time) bool {
	if !m.window.Full() {
		return false
	}
	if m.framesSince < m.profile.Stride {
		return false
	}
	return m.lastEmission.IsZero() || now.Sub(m.lastEmission) >= m.profile.Cooldown
}

func (m *Machine) evaluate(ctx context.Context) Evaluation {
	var eval Evaluation
	seq, err := m.window.Resample(m.modelLength)
	if err != nil {
		eval.Err = err
		eval.Raw = classifier.Empty()
	} else {
		eval.Raw, eval.Err = m.predictor.Predict(ctx, seq)
		if eval.Err != nil {
			eval.Raw = classifier.Empty()
		}
	}
	m.history.Add(eval.Raw)
	eval.Vote, _ = m.history.Vote()
	eval.Accepted = eval.Vote.Index >= 0 && eval.Vote.Label != "" && eval.Vote.Probability >= m.profile.Threshold
	return eval
}
