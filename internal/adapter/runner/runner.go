// Package runner executes the external tracker/classifier command and reads
// its sidecar result file. The classifier writes structured output to the
// sidecar so that ordinary stdout diagnostics cannot corrupt it.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cacophony-monitoring/processing/internal/domain"
)

// Runner runs shell commands with a hard timeout.
type Runner struct {
	Timeout time.Duration
}

// New constructs a Runner with the given per-invocation timeout.
func New(timeout time.Duration) *Runner {
	return &Runner{Timeout: timeout}
}

// Run executes command under a shell, requires exit code 0, then reads and
// validates the JSON sidecar at sidecarPath. The raw sidecar bytes are
// returned so each pipeline can decode its own result shape.
func (r *Runner) Run(ctx context.Context, command, sidecarPath string) ([]byte, error) {
	stdout, err := r.exec(ctx, command)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("op=runner.Run: read sidecar: %w", err)
	}
	if !json.Valid(raw) {
		return nil, &domain.MalformedOutputError{
			Path:   sidecarPath,
			Stdout: stdout,
			Err:    errors.New("invalid JSON"),
		}
	}
	return raw, nil
}

// Exec runs a command whose results are file side effects only, such as an
// ffmpeg re-encode. Exit code 0 is still required.
func (r *Runner) Exec(ctx context.Context, command string) error {
	_, err := r.exec(ctx, command)
	return err
}

func (r *Runner) exec(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	slog.Debug("running subprocess", slog.String("command", command))
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Give the process group a chance to die with the parent on timeout.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &domain.SubprocessError{Command: command, Timeout: true, Stderr: stderr.String()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", &domain.SubprocessError{
			Command:  command,
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}
