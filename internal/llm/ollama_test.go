package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-signs/internal/config"
)

func TestOllamaTranslatesSigns(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: " \"Hola, quiero beber\"\n", Done: true, EvalCount: 6})
	}))
	defer srv.Close()

	cfg := config.Default().LLM
	cfg.Endpoint = srv.URL + "/"
	tr := NewTranslator(NewOllamaGenerator(cfg.Endpoint, ""), cfg)

	text, err := tr.Generate(context.Background(), []string{"hola", "yo", "beber"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hola, quiero beber" {
		t.Fatalf("unexpected sentence %q", text)
	}
	if got.Stream || got.Model != defaultOllamaModel || got.Options.NumPredict != 60 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Options.Stop) != 1 || got.Options.Stop[0] != "\n" {
		t.Fatalf("expected newline stop sequence, got %v", got.Options.Stop)
	}
	if !strings.Contains(got.Prompt, "Señas: [hola, yo, beber]") {
		t.Fatalf("prompt does not list the signs: %q", got.Prompt)
	}
}

func TestOllamaReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model \"nope\" not found"})
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "nope")
	err := gen.Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected model error, got %v", err)
	}
}
