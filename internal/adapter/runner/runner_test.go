package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacophony-monitoring/processing/internal/domain"
)

func TestRunReadsSidecar(t *testing.T) {
	t.Parallel()
	sidecar := filepath.Join(t.TempDir(), "recording.txt")
	r := New(time.Minute)
	raw, err := r.Run(context.Background(), `printf '{"tracks":[]}' > `+sidecar, sidecar)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tracks":[]}`, string(raw))
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()
	r := New(time.Minute)
	_, err := r.Run(context.Background(), "echo oops >&2; exit 3", "unused.txt")
	var spErr *domain.SubprocessError
	require.ErrorAs(t, err, &spErr)
	assert.Equal(t, 3, spErr.ExitCode)
	assert.Contains(t, spErr.Stderr, "oops")
	assert.False(t, spErr.Timeout)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	r := New(50 * time.Millisecond)
	_, err := r.Run(context.Background(), "sleep 5", "unused.txt")
	var spErr *domain.SubprocessError
	require.ErrorAs(t, err, &spErr)
	assert.True(t, spErr.Timeout)
}

func TestRunMalformedSidecar(t *testing.T) {
	t.Parallel()
	sidecar := filepath.Join(t.TempDir(), "recording.txt")
	require.NoError(t, os.WriteFile(sidecar, []byte("not json"), 0o644))
	r := New(time.Minute)
	_, err := r.Run(context.Background(), "true", sidecar)
	var moErr *domain.MalformedOutputError
	require.ErrorAs(t, err, &moErr)
	assert.Equal(t, sidecar, moErr.Path)
}

func TestRunMissingSidecar(t *testing.T) {
	t.Parallel()
	r := New(time.Minute)
	_, err := r.Run(context.Background(), "true", filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	var spErr *domain.SubprocessError
	assert.False(t, errors.As(err, &spErr))
}

func TestExec(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "out")
	r := New(time.Minute)
	require.NoError(t, r.Exec(context.Background(), "touch "+out))
	_, err := os.Stat(out)
	assert.NoError(t, err)

	err = r.Exec(context.Background(), "exit 1")
	var spErr *domain.SubprocessError
	require.ErrorAs(t, err, &spErr)
	assert.Equal(t, 1, spErr.ExitCode)
}
