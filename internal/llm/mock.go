package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator answers with the last bracketed list in the prompt, comma
// separators dropped, so translation prompts echo their signs.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	content := strings.TrimSpace(req.Prompt)
	if end := strings.LastIndex(content, "]"); end > 0 {
		if start := strings.LastIndex(content[:end], "["); start >= 0 {
			content = strings.Join(strings.Split(content[start+1:end], ", "), " ")
		}
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   5 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
