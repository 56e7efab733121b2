package kernel

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"grimm.is/nftsync/internal/errors"
)

// CommandRunner abstracts command execution for the nft binary.
type CommandRunner interface {
	// RunInput runs name with args, feeding input on stdin, and returns the
	// combined output.
	RunInput(ctx context.Context, input []byte, name string, args ...string) ([]byte, error)

	// Output runs name with args and returns stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual commands. A non-empty NetNS runs every
// command inside that named network namespace via "ip netns exec".
type RealCommandRunner struct {
	NetNS string
}

func (r *RealCommandRunner) command(ctx context.Context, name string, args []string) *exec.Cmd {
	if r.NetNS != "" {
		args = append([]string{"netns", "exec", r.NetNS, name}, args...)
		name = "ip"
	}
	return exec.CommandContext(ctx, name, args...)
}

// RunInput executes a command with input via stdin.
func (r *RealCommandRunner) RunInput(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, name, args)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, errors.KindInternal, "command %s failed: %s", name, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Output executes a command and returns its output.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, name, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "command %s failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
