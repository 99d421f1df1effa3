package landmarks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type httpExtractor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExtractor posts each frame to endpoint+"/landmarks" and decodes the
// JSON landmark set in the response.
func NewHTTPExtractor(endpoint string, timeout time.Duration) Extractor {
	return &httpExtractor{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *httpExtractor) Extract(ctx context.Context, image []byte) (Set, error) {
	if len(image) == 0 {
		return Set{}, fmt.Errorf("%w: empty image", ErrInvalidFrameData)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/landmarks", bytes.NewReader(image))
	if err != nil {
		return Set{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		return Set{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Set{}, fmt.Errorf("%w: %s", ErrInvalidFrameData, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= 300 {
		return Set{}, fmt.Errorf("landmarks service returned status %s", resp.Status)
	}

	var set Set
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return Set{}, fmt.Errorf("decode landmarks response: %w", err)
	}
	return set, nil
}
