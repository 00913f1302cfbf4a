// Package sandbox launches agent containers: one-shot runs for queue
// work and long-lived detached sessions for the shell path. All
// container control goes through the runtime CLI (docker or podman),
// never a daemon API.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// RunResult carries the separated output of a finished CLI invocation.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RuntimeCLI abstracts the container runtime binary so tests can swap in
// a fake. A non-zero exit is reported in RunResult, not as an error;
// the error return is for spawn failures and context cancellation.
type RuntimeCLI interface {
	LookPath() (string, error)
	Run(ctx context.Context, stdin []byte, args ...string) (*RunResult, error)
}

// ExecCLI shells out to the configured runtime binary.
type ExecCLI struct {
	Binary string
}

func (c ExecCLI) LookPath() (string, error) {
	return exec.LookPath(c.Binary)
}

func (c ExecCLI) Run(ctx context.Context, stdin []byte, args ...string) (*RunResult, error) {
	if len(args) == 0 {
		return nil, errors.New("runtime command requires arguments")
	}
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		// Context expiry wins over the generic kill error.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}
