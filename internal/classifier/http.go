package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-signs/internal/window"
)

type httpBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend calls a TensorFlow Serving style endpoint at
// {endpoint}/v1/models/{model}:predict.
func NewHTTPBackend(endpoint, model string, timeout time.Duration) Backend {
	return &httpBackend{
		url:    fmt.Sprintf("%s/v1/models/%s:predict", strings.TrimRight(endpoint, "/"), model),
		client: &http.Client{Timeout: timeout},
	}
}

func (b *httpBackend) Score(ctx context.Context, sequence []window.Vector) ([]float32, error) {
	body, err := json.Marshal(predictRequest{Instances: [][]window.Vector{sequence}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier returned status %s", resp.Status)
	}
	return decodePredictions(data)
}
