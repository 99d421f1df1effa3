package sentence

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/protocol"
)

// BusGenerator asks the language service over the bus.
type BusGenerator struct {
	client    *bus.Client
	sessionID string
}

func NewBusGenerator(client *bus.Client, sessionID string) *BusGenerator {
	return &BusGenerator{client: client, sessionID: sessionID}
}

func (g *BusGenerator) Generate(ctx context.Context, signs []string) (string, error) {
	var resp protocol.SentenceResponse
	req := protocol.SentenceRequest{SessionID: g.sessionID, Signs: signs}
	if err := g.client.RequestJSON(ctx, protocol.SubjectSentenceGenerate, req, &resp); err != nil {
		return "", fmt.Errorf("sentence request: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Sentence, nil
}
