package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execCompleter struct {
	cmd []string
}

type execResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// NewExecCompleter runs command once per request, writing the request as JSON
// to stdin and reading {"text": "..."} from stdout.
func NewExecCompleter(command string) (Completer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse completion command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("completion command empty")
	}
	return &execCompleter{cmd: args}, nil
}

func (c *execCompleter) Complete(ctx context.Context, req Request) (string, error) {
	payload := map[string]any{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("completion exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode completion exec response: %w", err)
	}
	if resp.Error != "" {
		if strings.Contains(resp.Error, "insufficient_quota") {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, resp.Error)
		}
		return "", fmt.Errorf("completion exec command reported: %s", resp.Error)
	}
	return strings.TrimSpace(resp.Text), nil
}
