package synthesis

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type commandSynth struct {
	cmd []string
}

// NewCommandSynth runs `<command> --output <path> <text>` for each line.
func NewCommandSynth(command string) (FileSynthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse alternate synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("alternate synthesis command empty")
	}
	return &commandSynth{cmd: args}, nil
}

func (c *commandSynth) SynthesizeTo(ctx context.Context, text, path string) error {
	args := append(append([]string{}, c.cmd[1:]...), "--output", path, text)
	cmd := exec.CommandContext(ctx, c.cmd[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("alternate synthesis command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
