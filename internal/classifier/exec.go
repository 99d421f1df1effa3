package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-signs/internal/window"
)

type execBackend struct {
	cmd []string
}

// predictRequest and predictResponse follow the TensorFlow Serving predict
// API so exec and http backends can share a model wrapper script.
type predictRequest struct {
	Instances [][]window.Vector `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// NewExecBackend runs command per invocation, writing a predict request on
// stdin and reading a predict response from stdout. Each call starts its own
// process, so concurrent sessions do not serialize on it.
func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse classifier command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("classifier command is empty")
	}
	return &execBackend{cmd: args}, nil
}

func (b *execBackend) Score(ctx context.Context, sequence []window.Vector) ([]float32, error) {
	input, err := json.Marshal(predictRequest{Instances: [][]window.Vector{sequence}})
	if err != nil {
		return nil, err
	}
	command := exec.CommandContext(ctx, b.cmd[0], b.cmd[1:]...)
	command.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("classifier command failed: %w: %s", err, stderr.String())
	}
	return decodePredictions(stdout.Bytes())
}

func decodePredictions(data []byte) ([]float32, error) {
	var resp predictResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("classifier error: %s", resp.Error)
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("classifier returned no predictions")
	}
	return resp.Predictions[0], nil
}
