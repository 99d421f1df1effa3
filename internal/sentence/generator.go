package sentence

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-signs/internal/resilience"
)

// ErrSentenceServiceUnavailable marks a failed generation; the buffer
// recovers with Fallback.
var ErrSentenceServiceUnavailable = errors.New("sentence service unavailable")

// Generator turns an ordered list of sign labels into natural text.
type Generator interface {
	Generate(ctx context.Context, signs []string) (string, error)
}

type GeneratorFunc func(ctx context.Context, signs []string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, signs []string) (string, error) {
	return f(ctx, signs)
}

// Fallback joins labels with single spaces and upper-cases the first letter.
// The rest of the text is left as is.
func Fallback(signs []string) string {
	text := strings.Join(signs, " ")
	r, size := utf8.DecodeRuneInString(text)
	if size == 0 || r == utf8.RuneError {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}

// FallbackGenerator always answers with Fallback. It is used when no
// language service is configured.
type FallbackGenerator struct{}

func (FallbackGenerator) Generate(_ context.Context, signs []string) (string, error) {
	return Fallback(signs), nil
}

// Guarded routes calls through a circuit breaker so a dead service is not
// retried on every idle check.
func Guarded(gen Generator, breaker *resilience.Breaker) Generator {
	return GeneratorFunc(func(ctx context.Context, signs []string) (string, error) {
		var out string
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = gen.Generate(ctx, signs)
			return err
		})
		return out, err
	})
}

// WithTimeout bounds every call to gen by d. A non-positive d returns gen.
func WithTimeout(gen Generator, d time.Duration) Generator {
	if d <= 0 {
		return gen
	}
	return GeneratorFunc(func(ctx context.Context, signs []string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return gen.Generate(ctx, signs)
	})
}
