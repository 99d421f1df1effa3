package protocol

import (
	"time"

	"github.com/loqalabs/loqa-signs/internal/landmarks"
)

// Frame is one video frame streamed by a client. Clients that run pose
// estimation themselves send Landmarks instead of Image.
type Frame struct {
	SessionID string         `json:"session_id"`
	Sequence  int            `json:"sequence"`
	Image     []byte         `json:"image,omitempty"`
	Landmarks *landmarks.Set `json:"landmarks,omitempty"`
	Final     bool           `json:"final"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// SentenceStatus mirrors a session's sentence buffer.
type SentenceStatus struct {
	Signs           []string `json:"signs_buffer"`
	Count           int      `json:"signs_count"`
	RawSigns        string   `json:"raw_signs"`
	CurrentSentence string   `json:"current_sentence"`
	ReadyToBuild    bool     `json:"ready_to_build"`
}

// Detection is the per-frame result published back to the client.
type Detection struct {
	SessionID    string         `json:"session_id"`
	Sequence     int            `json:"sequence"`
	HandDetected bool           `json:"hand_detected"`
	Sign         string         `json:"sign,omitempty"`
	Confidence   float64        `json:"confidence"`
	State        string         `json:"state"`
	Mode         string         `json:"mode"`
	Message      string         `json:"message"`
	BufferStatus string         `json:"buffer_status"`
	Sentence     SentenceStatus `json:"sentence"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SignEvent is broadcast whenever a session emits a new stable sign.
type SignEvent struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// Sentence is broadcast when a sentence is built, either after an idle gap
// or on request.
type Sentence struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Signs     []string  `json:"signs"`
	Trigger   string    `json:"trigger"`
	Fallback  bool      `json:"fallback"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// SentenceRequest asks the language service for a sentence.
type SentenceRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Signs     []string `json:"signs"`
}

type SentenceResponse struct {
	Sentence string `json:"sentence"`
	Error    string `json:"error,omitempty"`
}

// ControlRequest addresses one session on a control subject. On
// signs.session.open an empty SessionID asks the server to assign one.
type ControlRequest struct {
	SessionID  string `json:"session_id"`
	Continuous *bool  `json:"continuous,omitempty"`
}

type ControlResponse struct {
	SessionID string          `json:"session_id,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Signs     []string        `json:"signs,omitempty"`
	Sentence  *SentenceStatus `json:"sentence,omitempty"`
	Built     string          `json:"built,omitempty"`
	Removed   string          `json:"removed,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	SubjectFramePrefix        = "signs.frame"
	SubjectSessionOpen        = "signs.session.open"
	SubjectSessionClosePrefix = "signs.session.close"
	SubjectDetectionPrefix    = "signs.detection"
	SubjectSignEvent          = "signs.event"
	SubjectSentence           = "signs.sentence"
	SubjectSentenceGenerate   = "signs.sentence.generate"

	SubjectCtrlSigns              = "signs.ctrl.signs"
	SubjectCtrlMode               = "signs.ctrl.mode"
	SubjectCtrlSentenceStatus     = "signs.ctrl.sentence.status"
	SubjectCtrlSentenceBuild      = "signs.ctrl.sentence.build"
	SubjectCtrlSentenceClear      = "signs.ctrl.sentence.clear"
	SubjectCtrlSentenceRemoveLast = "signs.ctrl.sentence.remove_last"
)

const (
	TriggerIdle  = "idle"
	TriggerForce = "force"
)

func FrameSubject(sessionID string) string     { return SubjectFramePrefix + "." + sessionID }
func DetectionSubject(sessionID string) string { return SubjectDetectionPrefix + "." + sessionID }
func CloseSubject(sessionID string) string     { return SubjectSessionClosePrefix + "." + sessionID }
