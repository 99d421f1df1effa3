package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/protocol"
)

const serviceQueue = "signs-llm"

// Service answers sentence requests on the bus so recognizer nodes without a
// local model can share one language backend.
type Service struct {
	cfg        config.LLMConfig
	bus        *bus.Client
	translator *Translator
	timeout    time.Duration
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ready      bool
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, timeout time.Duration, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		translator: NewTranslator(generator, cfg),
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSentenceGenerate, serviceQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe sentence requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SentenceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode sentence request", slogError(err))
		s.respond(msg, protocol.SentenceResponse{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		sentence, err := s.translator.Generate(ctx, req.Signs)
		if err != nil {
			s.logger.Warn("sentence generation failed", slogError(err), slog.String("session_id", req.SessionID))
			s.respond(msg, protocol.SentenceResponse{Error: err.Error()})
			return
		}
		s.logger.Info("sentence generated",
			slog.String("session_id", req.SessionID),
			slog.Int("signs", len(req.Signs)),
			slog.Duration("latency", time.Since(start)))
		s.respond(msg, protocol.SentenceResponse{Sentence: sentence})
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.SentenceResponse) {
	if err := bus.RespondJSON(msg, resp); err != nil {
		s.logger.Warn("failed to respond to sentence request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
