// Package recognition serves sign recognition sessions over the bus. Clients
// stream frames on signs.frame.<session>, receive detections on
// signs.detection.<session> and drive their sentence buffer through the
// signs.ctrl.* request subjects.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/eventstore"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/protocol"
	"github.com/loqalabs/loqa-signs/internal/sentence"
	"github.com/loqalabs/loqa-signs/internal/session"
	"github.com/loqalabs/loqa-signs/internal/smoother"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrTooManySessions  = errors.New("too many active sessions")
	ErrSessionBusy      = errors.New("session is busy")
	errMissingSessionID = errors.New("session_id is required")
)

const (
	controlTimeout = 5 * time.Second
	pruneInterval  = time.Hour
)

type Options struct {
	Sessions     config.SessionsConfig
	DefaultMode  smoother.Mode
	Profiles     session.Profiles
	MaxSigns     int
	IdleCooldown time.Duration
	Loader       *classifier.Loader
	Extractor    landmarks.Extractor
	Vectorizer   *landmarks.Vectorizer
	// Generator returns the sentence generator for a new session. Nil means
	// the plain label fallback.
	Generator func(sessionID string) sentence.Generator
	Store     *eventstore.Store
	Clock     func() time.Time
}

type Service struct {
	opts    Options
	bus     *bus.Client
	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	ready  atomic.Bool

	mu      sync.Mutex
	workers map[string]*worker

	lastPrune time.Time
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = smoother.Continuous
	}
	if opts.Sessions.InboxSize <= 0 {
		opts.Sessions.InboxSize = 64
	}
	if opts.Sessions.HousekeepingMS <= 0 {
		opts.Sessions.HousekeepingMS = 500
	}
	s := &Service{
		opts:    opts,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "recognition")),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
	m, err := newMetrics(func() int64 { return int64(s.ActiveSessions()) })
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectFramePrefix + ".>", s.handleFrame},
		{protocol.SubjectSessionOpen, s.control(true, s.opSetMode)},
		{protocol.SubjectSessionClosePrefix + ".>", s.handleClose},
		{protocol.SubjectCtrlSigns, s.handleSigns},
		{protocol.SubjectCtrlMode, s.control(true, s.opSetMode)},
		{protocol.SubjectCtrlSentenceStatus, s.control(false, opStatus)},
		{protocol.SubjectCtrlSentenceBuild, s.control(false, s.opBuild)},
		{protocol.SubjectCtrlSentenceClear, s.control(false, opClear)},
		{protocol.SubjectCtrlSentenceRemoveLast, s.control(false, opRemoveLast)},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.housekeeping()
	s.ready.Store(true)
	s.logger.Info("recognition service started",
		slog.String("default_mode", string(s.opts.DefaultMode)),
		slog.Int("max_sessions", s.opts.Sessions.MaxSessions))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.unsubscribe()
	s.cancel()

	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.closeSession(id, "shutdown")
	}
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// session returns the worker for id, creating it when create is set. The
// shared model is opened on first use.
func (s *Service) session(ctx context.Context, id string, create bool) (*worker, error) {
	s.mu.Lock()
	w := s.workers[id]
	full := s.opts.Sessions.MaxSessions > 0 && len(s.workers) >= s.opts.Sessions.MaxSessions
	s.mu.Unlock()
	switch {
	case w != nil:
		return w, nil
	case !create:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	case full:
		return nil, ErrTooManySessions
	}

	model, err := s.opts.Loader.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", classifier.ErrClassifierUnavailable, err)
	}
	var gen sentence.Generator
	if s.opts.Generator != nil {
		gen = s.opts.Generator(id)
	}
	sess, err := session.New(session.Options{
		ID:           id,
		Model:        model,
		Extractor:    s.opts.Extractor,
		Vectorizer:   s.opts.Vectorizer,
		Profiles:     s.opts.Profiles,
		Mode:         s.opts.DefaultMode,
		MaxSigns:     s.opts.MaxSigns,
		IdleCooldown: s.opts.IdleCooldown,
		Generator:    gen,
		Clock:        s.opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing := s.workers[id]; existing != nil {
		s.mu.Unlock()
		return existing, nil
	}
	if s.opts.Sessions.MaxSessions > 0 && len(s.workers) >= s.opts.Sessions.MaxSessions {
		s.mu.Unlock()
		return nil, ErrTooManySessions
	}
	w = newWorker(s.ctx, id, sess, s.opts.Sessions.InboxSize, s.opts.Clock())
	s.workers[id] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run()
	}()
	s.mu.Unlock()

	if err := s.opts.Store.OpenSession(ctx, id, string(sess.Mode())); err != nil {
		s.logger.Warn("failed to record session", slogError(err), slog.String("session_id", id))
	}
	s.logger.Info("session opened", slog.String("session_id", id), slog.String("mode", string(sess.Mode())))
	return w, nil
}

func (s *Service) closeSession(id, reason string) {
	s.mu.Lock()
	w := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.stop()

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := s.opts.Store.CloseSession(ctx, id); err != nil {
		s.logger.Warn("failed to record session close", slogError(err), slog.String("session_id", id))
	}
	s.logger.Info("session closed", slog.String("session_id", id), slog.String("reason", reason))
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.metrics.invalid.Add(s.ctx, 1)
		s.logger.Warn("failed to decode frame", slogError(err), slog.String("subject", msg.Subject))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = subjectSuffix(msg.Subject, protocol.SubjectFramePrefix)
	}
	if frame.SessionID == "" {
		s.logger.Warn("frame without session id", slog.String("subject", msg.Subject))
		return
	}

	w, err := s.session(s.ctx, frame.SessionID, true)
	if err != nil {
		s.logger.Warn("frame rejected", slogError(err), slog.String("session_id", frame.SessionID))
		s.publish(protocol.DetectionSubject(frame.SessionID), protocol.Detection{
			SessionID: frame.SessionID,
			Sequence:  frame.Sequence,
			Error:     err.Error(),
			Timestamp: s.opts.Clock().UTC(),
		})
		return
	}
	w.touch(s.opts.Clock())
	err = w.enqueue(task{run: func(ctx context.Context) { s.processFrame(ctx, w, frame) }})
	if err != nil {
		s.metrics.dropped.Add(s.ctx, 1)
		s.logger.Warn("frame dropped", slogError(err),
			slog.String("session_id", w.id), slog.Int("sequence", frame.Sequence))
	}
}

// processFrame runs on the session worker.
func (s *Service) processFrame(ctx context.Context, w *worker, frame protocol.Frame) {
	var (
		res session.Result
		err error
	)
	if frame.Landmarks != nil {
		res, err = w.sess.ProcessLandmarks(ctx, *frame.Landmarks)
	} else {
		res, err = w.sess.ProcessFrame(ctx, frame.Image)
	}
	if ctx.Err() != nil {
		// Closed while the frame was in flight.
		return
	}

	det := protocol.Detection{
		SessionID: w.id,
		Sequence:  frame.Sequence,
		Timestamp: s.opts.Clock().UTC(),
	}
	if err != nil {
		if errors.Is(err, landmarks.ErrInvalidFrameData) {
			s.metrics.invalid.Add(ctx, 1)
		}
		s.logger.Debug("frame failed", slogError(err), slog.String("session_id", w.id), slog.Int("sequence", frame.Sequence))
		det.State = w.sess.State().String()
		det.Mode = string(w.sess.Mode())
		det.Sentence = sentenceStatus(w.sess.SentenceStatus())
		det.Error = err.Error()
	} else {
		s.metrics.frames.Add(ctx, 1)
		if res.Evaluation != nil {
			s.metrics.invocations.Add(ctx, 1)
			if res.Evaluation.Err != nil {
				s.metrics.failures.Add(ctx, 1)
				s.logger.Warn("classifier failed", slogError(res.Evaluation.Err), slog.String("session_id", w.id))
			}
		}
		if res.Event != nil {
			s.emitSign(ctx, w.id, *res.Event)
		}
		if res.Built != nil {
			s.emitSentence(ctx, w.id, *res.Built, protocol.TriggerIdle)
		}
		det.HandDetected = res.HandDetected
		det.Sign = res.Sign
		det.Confidence = res.Confidence
		det.State = res.State.String()
		det.Mode = string(res.Mode)
		det.Message = res.Message
		det.BufferStatus = res.BufferStatus
		det.Sentence = sentenceStatus(res.Sentence)
	}
	s.publish(protocol.DetectionSubject(w.id), det)

	if frame.Final {
		s.closeSession(w.id, "final frame")
	}
}

func (s *Service) emitSign(ctx context.Context, sessionID string, ev smoother.SignEvent) {
	traceID := uuid.NewString()
	s.metrics.signs.Add(ctx, 1, metric.WithAttributes(attribute.String("label", ev.Label)))
	s.publish(protocol.SubjectSignEvent, protocol.SignEvent{
		SessionID:  sessionID,
		Label:      ev.Label,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp.UTC(),
		TraceID:    traceID,
	})
	err := s.opts.Store.Append(ctx, eventstore.Entry{
		SessionID:  sessionID,
		TraceID:    traceID,
		Kind:       eventstore.KindSign,
		Label:      ev.Label,
		Confidence: ev.Confidence,
		CreatedAt:  ev.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to record sign", slogError(err), slog.String("session_id", sessionID))
	}
}

func (s *Service) emitSentence(ctx context.Context, sessionID string, b sentence.Build, trigger string) {
	if b.Sentence == "" {
		return
	}
	if b.Err != nil {
		s.logger.Warn("sentence generator failed, using fallback", slogError(b.Err), slog.String("session_id", sessionID))
	}
	traceID := uuid.NewString()
	now := s.opts.Clock()
	s.metrics.sentences.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("fallback", b.Fallback),
	))
	s.publish(protocol.SubjectSentence, protocol.Sentence{
		SessionID: sessionID,
		Text:      b.Sentence,
		Signs:     b.Signs,
		Trigger:   trigger,
		Fallback:  b.Fallback,
		Timestamp: now.UTC(),
		TraceID:   traceID,
	})
	err := s.opts.Store.Append(ctx, eventstore.Entry{
		SessionID: sessionID,
		TraceID:   traceID,
		Kind:      eventstore.KindSentence,
		Label:     b.Sentence,
		Signs:     b.Signs,
		Trigger:   trigger,
		Fallback:  b.Fallback,
		CreatedAt: now,
	})
	if err != nil {
		s.logger.Warn("failed to record sentence", slogError(err), slog.String("session_id", sessionID))
	}
}

func (s *Service) handleClose(msg *nats.Msg) {
	id := subjectSuffix(msg.Subject, protocol.SubjectSessionClosePrefix)
	s.closeSession(id, "client request")
	s.respond(msg, protocol.ControlResponse{SessionID: id})
}

func (s *Service) handleSigns(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()
	model, err := s.opts.Loader.Get(ctx)
	if err != nil {
		s.respond(msg, protocol.ControlResponse{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ControlResponse{Signs: model.Labels()})
}

type controlOp func(ctx context.Context, w *worker, req protocol.ControlRequest) protocol.ControlResponse

// control routes a request to its session worker and replies from there, so
// control operations are ordered with the session's frames.
func (s *Service) control(create bool, op controlOp) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.ControlRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.respond(msg, protocol.ControlResponse{Error: "invalid request"})
				return
			}
		}
		if req.SessionID == "" && msg.Subject == protocol.SubjectSessionOpen {
			req.SessionID = uuid.NewString()
		}
		if req.SessionID == "" {
			s.respond(msg, protocol.ControlResponse{Error: errMissingSessionID.Error()})
			return
		}

		w, err := s.session(s.ctx, req.SessionID, create)
		if err != nil {
			s.respond(msg, protocol.ControlResponse{SessionID: req.SessionID, Error: err.Error()})
			return
		}
		w.touch(s.opts.Clock())
		closed := protocol.ControlResponse{
			SessionID: w.id,
			Error:     fmt.Errorf("%w: %s", ErrUnknownSession, w.id).Error(),
		}
		err = w.enqueue(task{
			run: func(ctx context.Context) {
				resp := op(ctx, w, req)
				if ctx.Err() != nil {
					resp = closed
				}
				resp.SessionID = w.id
				s.respond(msg, resp)
			},
			abort: func() { s.respond(msg, closed) },
		})
		if err != nil {
			s.respond(msg, protocol.ControlResponse{SessionID: w.id, Error: err.Error()})
		}
	}
}

func (s *Service) opSetMode(ctx context.Context, w *worker, req protocol.ControlRequest) protocol.ControlResponse {
	if req.Continuous != nil {
		w.sess.SetMode(*req.Continuous)
		s.logger.Info("session mode changed", slog.String("session_id", w.id), slog.String("mode", string(w.sess.Mode())))
		err := s.opts.Store.Append(ctx, eventstore.Entry{
			SessionID: w.id,
			Kind:      eventstore.KindMode,
			Label:     string(w.sess.Mode()),
			CreatedAt: s.opts.Clock(),
		})
		if err != nil {
			s.logger.Warn("failed to record mode change", slogError(err), slog.String("session_id", w.id))
		}
	}
	status := sentenceStatus(w.sess.SentenceStatus())
	return protocol.ControlResponse{Mode: string(w.sess.Mode()), Signs: w.sess.AvailableSigns(), Sentence: &status}
}

func opStatus(_ context.Context, w *worker, _ protocol.ControlRequest) protocol.ControlResponse {
	status := sentenceStatus(w.sess.SentenceStatus())
	return protocol.ControlResponse{Mode: string(w.sess.Mode()), Sentence: &status}
}

func (s *Service) opBuild(ctx context.Context, w *worker, _ protocol.ControlRequest) protocol.ControlResponse {
	b := w.sess.ForceBuildSentence(ctx)
	s.emitSentence(ctx, w.id, b, protocol.TriggerForce)
	status := sentenceStatus(w.sess.SentenceStatus())
	return protocol.ControlResponse{Built: b.Sentence, Sentence: &status}
}

func opClear(_ context.Context, w *worker, _ protocol.ControlRequest) protocol.ControlResponse {
	w.sess.ClearSentenceBuffer()
	status := sentenceStatus(w.sess.SentenceStatus())
	return protocol.ControlResponse{Sentence: &status}
}

func opRemoveLast(_ context.Context, w *worker, _ protocol.ControlRequest) protocol.ControlResponse {
	removed, _ := w.sess.RemoveLastSign()
	status := sentenceStatus(w.sess.SentenceStatus())
	return protocol.ControlResponse{Removed: removed, Sentence: &status}
}

// housekeeping drives idle sentence generation for sessions that stopped
// sending frames and evicts abandoned sessions.
func (s *Service) housekeeping() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.opts.Sessions.HousekeepingMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	now := s.opts.Clock()
	idleTimeout := time.Duration(s.opts.Sessions.IdleTimeoutMS) * time.Millisecond

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if idleTimeout > 0 && w.idleFor(now) > idleTimeout {
			s.closeSession(w.id, "idle timeout")
			continue
		}
		_ = w.enqueue(task{run: func(ctx context.Context) {
			if b, ok := w.sess.CheckIdle(ctx); ok && ctx.Err() == nil {
				s.emitSentence(ctx, w.id, b, protocol.TriggerIdle)
			}
		}})
	}

	if s.opts.Store.Enabled() && now.Sub(s.lastPrune) >= pruneInterval {
		s.lastPrune = now
		if err := s.opts.Store.Prune(s.ctx); err != nil {
			s.logger.Warn("event store prune failed", slogError(err))
		}
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slogError(err), slog.String("subject", subject))
	}
}

func (s *Service) respond(msg *nats.Msg, resp protocol.ControlResponse) {
	if err := bus.RespondJSON(msg, resp); err != nil {
		s.logger.Warn("failed to respond", slogError(err), slog.String("subject", msg.Subject))
	}
}

func sentenceStatus(st sentence.Status) protocol.SentenceStatus {
	return protocol.SentenceStatus{
		Signs:           st.Signs,
		Count:           st.Count,
		RawSigns:        st.RawSigns,
		CurrentSentence: st.CurrentSentence,
		ReadyToBuild:    st.ReadyToBuild,
	}
}

func subjectSuffix(subject, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(subject, prefix), ".")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
