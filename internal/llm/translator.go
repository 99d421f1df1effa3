package llm

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-signs/internal/config"
)

const translatorSystem = "Eres un traductor conciso. Respondes únicamente con la oración traducida final."

// TranslationPrompt asks for a single plain Spanish sentence built from the
// signs in order.
func TranslationPrompt(signs []string) string {
	var b strings.Builder
	b.WriteString("Actúa como un traductor directo de lenguaje de señas a español.\n")
	b.WriteString("Convierte las siguientes señas en una ÚNICA oración simple y coherente.\n\n")
	b.WriteString("Señas: [")
	b.WriteString(strings.Join(signs, ", "))
	b.WriteString("]\n\n")
	b.WriteString("Reglas:\n")
	b.WriteString("1. Usa un lenguaje simple, cotidiano y directo.\n")
	b.WriteString("2. Infiere los conectores necesarios (quiero, voy, estoy, etc).\n")
	b.WriteString("3. Ejemplo: \"hola yo beber\" -> \"Hola, quiero beber\"\n")
	b.WriteString("4. Ejemplo: \"yo casa ir\" -> \"Voy a casa\"\n")
	b.WriteString("5. NO des explicaciones ni variantes. Solo la oración final.\n\n")
	b.WriteString("Oración traducida:")
	return b.String()
}

// Translator adapts a Generator to the sentence buffer: labels in, one
// cleaned sentence out.
type Translator struct {
	gen      Generator
	defaults Request
}

func NewTranslator(gen Generator, cfg config.LLMConfig) *Translator {
	return &Translator{gen: gen, defaults: OptionsFromConfig(cfg)}
}

func (t *Translator) Generate(ctx context.Context, signs []string) (string, error) {
	req := t.defaults
	req.Prompt = TranslationPrompt(signs)
	req.System = translatorSystem
	req.Stop = []string{"\n"}
	text, err := Collect(ctx, t.gen, req)
	if err != nil {
		return "", err
	}
	return CleanSentence(text), nil
}

// Collect runs req to completion and concatenates the streamed chunks.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// CleanSentence strips whitespace and wrapping quotes from model output.
func CleanSentence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")
	return strings.TrimSpace(s)
}
