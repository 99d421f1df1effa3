package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/natsserver"
	"github.com/loqalabs/loqa-signs/internal/sentence"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedGenerator struct {
	mu     sync.Mutex
	chunks []string
	err    error
	last   Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	g.last = req
	err, chunks := g.err, g.chunks
	g.mu.Unlock()
	if err != nil {
		return err
	}
	for i, c := range chunks {
		if err := consumer(Chunk{Content: c, Partial: i < len(g.chunks)-1}); err != nil {
			return err
		}
	}
	return nil
}

func (g *scriptedGenerator) lastRequest() Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func TestTranslationPrompt(t *testing.T) {
	prompt := TranslationPrompt([]string{"hola", "yo", "beber"})
	if !strings.Contains(prompt, "Señas: [hola, yo, beber]") {
		t.Fatalf("prompt missing sign list:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Oración traducida:") {
		t.Fatalf("prompt must end with the answer cue")
	}
}

func TestTranslatorCollectsAndCleans(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{" \"Hola,", " quiero", " beber\" "}}
	tr := NewTranslator(gen, config.LLMConfig{Model: "llama3.2", MaxTokens: 60, Temperature: 0.1})
	got, err := tr.Generate(context.Background(), []string{"hola", "yo", "beber"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "Hola, quiero beber" {
		t.Fatalf("unexpected sentence %q", got)
	}
	if gen.lastRequest().System != translatorSystem || gen.lastRequest().MaxTokens != 60 || gen.lastRequest().Temperature != 0.1 {
		t.Fatalf("unexpected request %+v", gen.lastRequest())
	}
}

func TestTranslatorPropagatesErrors(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("ollama down")}
	tr := NewTranslator(gen, config.LLMConfig{})
	if _, err := tr.Generate(context.Background(), []string{"hola"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMockGeneratorEchoesSigns(t *testing.T) {
	tr := NewTranslator(NewMockGenerator(), config.LLMConfig{})
	got, err := tr.Generate(context.Background(), []string{"hola", "yo"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hola yo" {
		t.Fatalf("expected echo, got %q", got)
	}
}

func TestServiceAnswersBusRequests(t *testing.T) {
	logger := newLogger()
	busCfg := config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}

	client, err := bus.Connect(context.Background(), busCfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	gen := &scriptedGenerator{chunks: []string{"Hola, quiero comer"}}
	svc := NewService(context.Background(), config.LLMConfig{Enabled: true}, time.Second, client, gen, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sentence.NewBusGenerator(client, "s1").Generate(ctx, []string{"hola", "yo", "querer", "comer"})
	if err != nil {
		t.Fatalf("bus generate: %v", err)
	}
	if got != "Hola, quiero comer" {
		t.Fatalf("unexpected sentence %q", got)
	}
	if !strings.Contains(gen.lastRequest().Prompt, "[hola, yo, querer, comer]") {
		t.Fatalf("service must build the translation prompt, got %q", gen.lastRequest().Prompt)
	}

	gen.mu.Lock()
	gen.err = errors.New("model offline")
	gen.mu.Unlock()
	if _, err := sentence.NewBusGenerator(client, "s1").Generate(ctx, []string{"hola"}); err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("expected remote error, got %v", err)
	}
}
