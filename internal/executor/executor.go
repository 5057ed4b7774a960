// Package executor implements transport-specific command execution
// against remediation targets. Three variants share one capability set:
// SSH for Linux hosts, WinRM for Windows hosts, and an HTTP client for
// API-driven remediation. The factory decrypts credentials and selects
// the variant by server protocol, caching healthy connections per host.
package executor

import (
	"context"
	"strings"
	"time"
)

// ErrorType classifies a failed execution. Classification drives the
// retry decision in the engine.
type ErrorType string

const (
	ErrTimeout    ErrorType = "timeout"
	ErrConnection ErrorType = "connection"
	ErrAuth       ErrorType = "auth"
	ErrCommand    ErrorType = "command"
	ErrPermission ErrorType = "permission"
	ErrUnknown    ErrorType = "unknown"
)

// Retryable reports whether an error of this type is worth retrying.
// Command errors are retryable only when the step says so; the engine
// consults the step config for those.
func (e ErrorType) Retryable() bool {
	switch e {
	case ErrTimeout, ErrConnection:
		return true
	}
	return false
}

// Options carries the per-invocation execution parameters.
type Options struct {
	TimeoutSeconds   int
	WithElevation    bool
	Env              map[string]string
	WorkingDirectory string
}

// Result is the structured outcome of one command or request.
type Result struct {
	Success        bool      `json:"success"`
	ExitCode       int       `json:"exit_code"` // HTTP status for API steps
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	DurationMs     int64     `json:"duration_ms"`
	Command        string    `json:"command"`
	ServerHostname string    `json:"server_hostname"`
	ExecutedAt     time.Time `json:"executed_at"`
	ErrorType      ErrorType `json:"error_type,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Retryable      bool      `json:"retryable"`

	// Extracted holds named values pulled out of an API response by
	// the step's extract patterns. Empty for command steps.
	Extracted map[string]string `json:"extracted,omitempty"`
}

// Executor is the capability set every transport variant exposes.
type Executor interface {
	Connect(ctx context.Context) error
	Disconnect() error
	TestConnection(ctx context.Context) error
	GetServerInfo(ctx context.Context) (map[string]string, error)
	Execute(ctx context.Context, command string, opts Options) *Result
}

// Streamer is implemented by executors that can yield output lines as
// they arrive. Stderr lines carry the StderrSentinel prefix.
type Streamer interface {
	StreamExecute(ctx context.Context, command string, opts Options) (<-chan string, error)
}

// StderrSentinel prefixes stderr lines in a streamed output sequence.
const StderrSentinel = "[STDERR] "

// InteractiveState is a partial result from an interactive command that
// may still be waiting on stdin.
type InteractiveState struct {
	SessionID  string `json:"session_id"`
	NeedsInput bool   `json:"needs_input"`
	Output     string `json:"output"`
	Finished   bool   `json:"finished"`
	ExitCode   int    `json:"exit_code"`
}

// Interactive is implemented by executors that support commands which
// block awaiting stdin (SSH only).
type Interactive interface {
	ExecuteInteractive(ctx context.Context, command string, initialTimeout int) (*InteractiveState, error)
	SendInput(ctx context.Context, sessionID, input string) (*InteractiveState, error)
	CancelInteractive(sessionID string) error
}

// FileTransfer is implemented by executors that can move files.
type FileTransfer interface {
	UploadFile(ctx context.Context, localPath, remotePath string) error
	DownloadFile(ctx context.Context, remotePath, localPath string) error
}

// failure builds a Result for a transport-level failure.
func failure(hostname, command string, start time.Time, kind ErrorType, msg string) *Result {
	return &Result{
		Success:        false,
		ExitCode:       -1,
		Stderr:         msg,
		DurationMs:     time.Since(start).Milliseconds(),
		Command:        command,
		ServerHostname: hostname,
		ExecutedAt:     start,
		ErrorType:      kind,
		ErrorMessage:   msg,
		Retryable:      kind.Retryable(),
	}
}

// classifySSHError maps an SSH transport error to an ErrorType.
func classifySSHError(err error) ErrorType {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context cancelled"):
		return ErrTimeout
	case strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "handshake failed"):
		return ErrAuth
	case strings.Contains(msg, "permission denied"):
		return ErrPermission
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "dial ") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof"):
		return ErrConnection
	}
	return ErrUnknown
}
