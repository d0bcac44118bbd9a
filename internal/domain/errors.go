package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cacophony-monitoring/processing/pkg/textx"
)

// Error taxonomy (sentinels)
var (
	// ErrAuthExpired marks a 401 after the one permitted re-authentication.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrUnsupportedMIME marks a raw MIME type no pipeline can convert.
	ErrUnsupportedMIME = errors.New("unsupported mime type")
)

// StatusError is a non-2xx response from the recording service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("op=%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// SubprocessError captures a classifier invocation failure. Timeout
// distinguishes a killed-on-deadline run from a plain non-zero exit.
type SubprocessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Timeout  bool
}

func (e *SubprocessError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("subprocess timed out: %s", e.Command)
	}
	msg := fmt.Sprintf("subprocess exited with code %d: %s", e.ExitCode, e.Command)
	if tail := tailOf(e.Stderr); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// MalformedOutputError marks an unparseable sidecar file.
type MalformedOutputError struct {
	Path   string
	Stdout string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("failed to JSON decode classifier output %s: %v", e.Path, e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err looks like a transient transport
// failure, so the poll loop can log it distinctly from logic errors.
func IsNetworkError(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 500 {
		return true
	}
	return false
}

// tailOf keeps the last lines of subprocess stderr, sanitized, so a crashing
// classifier cannot flood or corrupt the log stream.
func tailOf(s string) string {
	const maxLines = 20
	s = textx.SanitizeText(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
