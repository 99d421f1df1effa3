package landmarks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execExtractor struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecExtractor runs command once per frame with the encoded image on
// stdin and reads a JSON landmark set from stdout.
func NewExecExtractor(command string) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse landmarks command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("landmarks command is empty")
	}
	return &execExtractor{cmd: args}, nil
}

func (e *execExtractor) Extract(ctx context.Context, image []byte) (Set, error) {
	if len(image) == 0 {
		return Set{}, fmt.Errorf("%w: empty image", ErrInvalidFrameData)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Set{}, fmt.Errorf("landmarks command failed: %w: %s", err, stderr.String())
	}

	var set Set
	if err := json.Unmarshal(stdout.Bytes(), &set); err != nil {
		return Set{}, fmt.Errorf("decode landmarks response: %w", err)
	}
	return set, nil
}
