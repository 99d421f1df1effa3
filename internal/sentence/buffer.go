// Package sentence accumulates recognized signs for one session and builds a
// sentence from them once the signer pauses.
package sentence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxSigns     = 20
	DefaultIdleCooldown = 2 * time.Second
)

// Status is a snapshot of the buffer.
type Status struct {
	Signs           []string `json:"signs_buffer"`
	Count           int      `json:"signs_count"`
	RawSigns        string   `json:"raw_signs"`
	CurrentSentence string   `json:"current_sentence"`
	ReadyToBuild    bool     `json:"ready_to_build"`
	Generated       bool     `json:"generated"`
}

// Build reports one generation. Fallback is set when the generator failed
// and the joined labels were used instead; Err then holds the cause.
type Build struct {
	Sentence string
	Signs    []string
	Fallback bool
	Err      error
}

// Buffer is the per-session sign history. Time is read from the injected
// clock only when a method is called; nothing is scheduled. Not safe for
// concurrent use.
type Buffer struct {
	maxSigns int
	idle     time.Duration
	gen      Generator
	clock    func() time.Time

	signs        []string
	lastActivity time.Time
	generated    bool
	current      string
}

func NewBuffer(maxSigns int, idle time.Duration, gen Generator, clock func() time.Time) *Buffer {
	if maxSigns <= 0 {
		maxSigns = DefaultMaxSigns
	}
	if gen == nil {
		gen = FallbackGenerator{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Buffer{maxSigns: maxSigns, idle: idle, gen: gen, clock: clock}
}

// AddSign appends label. A repeat of the last label only refreshes the
// activity time.
func (b *Buffer) AddSign(label string) {
	if label == "" {
		return
	}
	b.lastActivity = b.clock()
	if n := len(b.signs); n > 0 && b.signs[n-1] == label {
		return
	}
	if len(b.signs) == b.maxSigns {
		copy(b.signs, b.signs[1:])
		b.signs = b.signs[:len(b.signs)-1]
	}
	b.signs = append(b.signs, label)
	b.generated = false
}

// CheckIdle generates a sentence when the signer has been idle for the
// cooldown, at least two signs are buffered and nothing was generated since
// the last new sign. ok reports whether generation ran.
func (b *Buffer) CheckIdle(ctx context.Context) (Build, bool) {
	if b.generated || len(b.signs) < 2 || b.lastActivity.IsZero() {
		return Build{}, false
	}
	if b.clock().Sub(b.lastActivity) < b.idle {
		return Build{}, false
	}
	build := b.build(ctx)
	b.current = build.Sentence
	b.generated = true
	return build, true
}

// ForceBuild generates from whatever is buffered, ignoring idle time and the
// generated flag. An empty buffer yields an empty sentence without calling
// the generator.
func (b *Buffer) ForceBuild(ctx context.Context) Build {
	if len(b.signs) == 0 {
		return Build{}
	}
	build := b.build(ctx)
	b.current = build.Sentence
	return build
}

// RemoveLast pops the most recent label.
func (b *Buffer) RemoveLast() (string, bool) {
	n := len(b.signs)
	if n == 0 {
		return "", false
	}
	last := b.signs[n-1]
	b.signs = b.signs[:n-1]
	return last, true
}

func (b *Buffer) Clear() {
	b.signs = b.signs[:0]
	b.current = ""
	b.lastActivity = time.Time{}
	b.generated = false
}

func (b *Buffer) Status() Status {
	signs := append([]string{}, b.signs...)
	return Status{
		Signs:           signs,
		Count:           len(signs),
		RawSigns:        strings.Join(signs, " "),
		CurrentSentence: b.current,
		ReadyToBuild:    len(signs) >= 2,
		Generated:       b.generated,
	}
}

func (b *Buffer) build(ctx context.Context) Build {
	signs := append([]string(nil), b.signs...)
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-signs/internal/sentence").Start(ctx, "sentence.generate")
	defer span.End()
	span.SetAttributes(attribute.Int("signs", len(signs)))

	text, err := b.gen.Generate(ctx, signs)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = fmt.Errorf("empty sentence")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sentence generation failed")
		return Build{
			Sentence: Fallback(signs),
			Signs:    signs,
			Fallback: true,
			Err:      fmt.Errorf("%w: %w", ErrSentenceServiceUnavailable, err),
		}
	}
	return Build{Sentence: text, Signs: signs}
}
