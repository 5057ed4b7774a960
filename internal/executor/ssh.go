package executor

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// SSHCredentials are the decrypted secrets for one Linux target.
type SSHCredentials struct {
	Username     string
	Password     string
	PrivateKey   string // PEM-encoded key content
	SudoPassword string
}

const (
	sshDefaultPort    = 22
	sshConnectTimeout = 30 * time.Second
	sshDefaultTimeout = 60 // seconds
)

// SSHExecutor runs commands on one Linux target over SSH. A single client
// connection is established lazily and reused across commands; sessions
// (channels) are opened per command.
type SSHExecutor struct {
	Hostname string
	Port     int
	Creds    SSHCredentials

	// HostKeyCallback overrides host key verification. Nil means no
	// verification (the factory installs a TOFU callback in production).
	HostKeyCallback ssh.HostKeyCallback

	mu          sync.Mutex
	client      *ssh.Client
	interactive map[string]*interactiveSession
}

// interactiveSession tracks a started command that may be awaiting stdin.
type interactiveSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  *syncBuffer
	done    chan error
}

// syncBuffer is a strings.Builder safe for concurrent append/snapshot.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewSSHExecutor creates an executor for one target. No connection is made
// until first use.
func NewSSHExecutor(hostname string, port int, creds SSHCredentials) *SSHExecutor {
	if port == 0 {
		port = sshDefaultPort
	}
	return &SSHExecutor{
		Hostname:    hostname,
		Port:        port,
		Creds:       creds,
		interactive: make(map[string]*interactiveSession),
	}
}

// Connect establishes the SSH client connection if not already connected.
func (e *SSHExecutor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}

	config, err := e.buildConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(e.Hostname, fmt.Sprintf("%d", e.Port))
	dialer := net.Dialer{Timeout: sshConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	e.client = ssh.NewClient(sshConn, chans, reqs)
	log.Printf("[ssh] Connected to %s as %s", addr, config.User)
	return nil
}

// Disconnect closes the client connection and any interactive sessions.
func (e *SSHExecutor) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, is := range e.interactive {
		is.session.Close()
		delete(e.interactive, id)
	}
	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}

// TestConnection verifies the target is reachable and auth works.
func (e *SSHExecutor) TestConnection(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	session, err := e.newSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

// GetServerInfo returns basic facts about the target.
func (e *SSHExecutor) GetServerInfo(ctx context.Context) (map[string]string, error) {
	script := `echo "hostname=$(hostname)"; echo "kernel=$(uname -r)"; ` +
		`if [ -f /etc/os-release ]; then . /etc/os-release; echo "os=$ID $VERSION_ID"; fi; ` +
		`echo "uptime=$(cut -d' ' -f1 /proc/uptime)"`
	res := e.Execute(ctx, script, Options{TimeoutSeconds: 10})
	if !res.Success {
		return nil, fmt.Errorf("server info: %s", res.ErrorMessage)
	}

	info := map[string]string{"protocol": "ssh"}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			info[k] = v
		}
	}
	return info, nil
}

// Execute runs one command and returns a structured result. The command is
// base64-encoded to avoid shell quoting issues; elevation prepends sudo
// (with -S piping when a sudo password is available).
func (e *SSHExecutor) Execute(ctx context.Context, command string, opts Options) *Result {
	start := time.Now().UTC()
	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = sshDefaultTimeout
	}

	if err := e.Connect(ctx); err != nil {
		e.invalidate()
		return failure(e.Hostname, command, start, classifySSHError(err), err.Error())
	}

	session, err := e.newSession(ctx)
	if err != nil {
		e.invalidate()
		return failure(e.Hostname, command, start, ErrConnection, err.Error())
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	wrapped := e.wrapCommand(command, opts)

	done := make(chan error, 1)
	go func() { done <- session.Run(wrapped) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return failure(e.Hostname, command, start, ErrTimeout, "context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		session.Signal(ssh.SIGKILL)
		return failure(e.Hostname, command, start, ErrTimeout,
			fmt.Sprintf("execution timed out after %ds", timeout))
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*ssh.ExitError)
			if !ok {
				e.invalidate()
				kind := classifySSHError(err)
				return failure(e.Hostname, command, start, kind, err.Error())
			}
			exitCode = exitErr.ExitStatus()
		}

		res := &Result{
			Success:        exitCode == 0,
			ExitCode:       exitCode,
			Stdout:         stdout.String(),
			Stderr:         stderr.String(),
			DurationMs:     time.Since(start).Milliseconds(),
			Command:        command,
			ServerHostname: e.Hostname,
			ExecutedAt:     start,
		}
		if exitCode != 0 {
			res.ErrorType = ErrCommand
			res.ErrorMessage = fmt.Sprintf("exit code %d", exitCode)
		}
		return res
	}
}

// StreamExecute yields output lines as they arrive. Stderr lines carry the
// StderrSentinel prefix. The channel closes when the command finishes or
// the context is cancelled.
func (e *SSHExecutor) StreamExecute(ctx context.Context, command string, opts Options) (<-chan string, error) {
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	session, err := e.newSession(ctx)
	if err != nil {
		e.invalidate()
		return nil, err
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(e.wrapCommand(command, opts)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	lines := make(chan string, 64)
	var wg sync.WaitGroup
	scan := func(r io.Reader, prefix string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- prefix + scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}

	wg.Add(2)
	go scan(stdoutPipe, "")
	go scan(stderrPipe, StderrSentinel)

	go func() {
		wg.Wait()
		session.Wait()
		session.Close()
		close(lines)
	}()

	return lines, nil
}

// ExecuteInteractive starts a command and waits up to initialTimeout
// seconds for it to exit. If it is still running (likely awaiting stdin),
// the session is recorded and a state with NeedsInput=true is returned.
func (e *SSHExecutor) ExecuteInteractive(ctx context.Context, command string, initialTimeout int) (*InteractiveState, error) {
	if initialTimeout <= 0 {
		initialTimeout = 5
	}
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	session, err := e.newSession(ctx)
	if err != nil {
		e.invalidate()
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	buf := &syncBuffer{}
	session.Stdout = buf
	session.Stderr = buf

	if err := session.Start(e.wrapCommand(command, Options{})); err != nil {
		session.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	is := &interactiveSession{
		session: session,
		stdin:   stdin,
		output:  buf,
		done:    make(chan error, 1),
	}
	go func() { is.done <- session.Wait() }()

	id := uuid.NewString()
	e.mu.Lock()
	e.interactive[id] = is
	e.mu.Unlock()

	return e.waitInteractive(ctx, id, is, initialTimeout)
}

// SendInput writes a line to a pending interactive command's stdin and
// waits again for exit.
func (e *SSHExecutor) SendInput(ctx context.Context, sessionID, input string) (*InteractiveState, error) {
	e.mu.Lock()
	is, ok := e.interactive[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no interactive session %s", sessionID)
	}

	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	if _, err := io.WriteString(is.stdin, input); err != nil {
		return nil, fmt.Errorf("write stdin: %w", err)
	}

	return e.waitInteractive(ctx, sessionID, is, 5)
}

// CancelInteractive interrupts and kills a pending interactive command.
func (e *SSHExecutor) CancelInteractive(sessionID string) error {
	e.mu.Lock()
	is, ok := e.interactive[sessionID]
	if ok {
		delete(e.interactive, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no interactive session %s", sessionID)
	}

	is.session.Signal(ssh.SIGINT)
	time.Sleep(500 * time.Millisecond)
	is.session.Signal(ssh.SIGKILL)
	return is.session.Close()
}

func (e *SSHExecutor) waitInteractive(ctx context.Context, id string, is *interactiveSession, timeoutSecs int) (*InteractiveState, error) {
	select {
	case err := <-is.done:
		e.mu.Lock()
		delete(e.interactive, id)
		e.mu.Unlock()
		is.session.Close()

		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, fmt.Errorf("wait: %w", err)
			}
		}
		return &InteractiveState{
			SessionID: id,
			Finished:  true,
			Output:    is.output.String(),
			ExitCode:  exitCode,
		}, nil

	case <-time.After(time.Duration(timeoutSecs) * time.Second):
		return &InteractiveState{
			SessionID:  id,
			NeedsInput: true,
			Output:     is.output.String(),
		}, nil

	case <-ctx.Done():
		e.CancelInteractive(id)
		return nil, ctx.Err()
	}
}

// UploadFile writes local file content to remotePath via a shell pipe.
func (e *SSHExecutor) UploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := readLocalFile(localPath)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf(`echo %s | base64 -d > %s`, encoded, shellQuote(remotePath))
	res := e.Execute(ctx, cmd, Options{TimeoutSeconds: 120})
	if !res.Success {
		return fmt.Errorf("upload %s: %s", remotePath, res.ErrorMessage)
	}
	return nil
}

// DownloadFile reads remotePath into localPath.
func (e *SSHExecutor) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	res := e.Execute(ctx, fmt.Sprintf(`base64 %s`, shellQuote(remotePath)), Options{TimeoutSeconds: 120})
	if !res.Success {
		return fmt.Errorf("download %s: %s", remotePath, res.ErrorMessage)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		return fmt.Errorf("decode remote content: %w", err)
	}
	return writeLocalFile(localPath, data)
}

// --- Helpers ---

func (e *SSHExecutor) newSession(ctx context.Context) (*ssh.Session, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		if err := e.Connect(ctx); err != nil {
			return nil, err
		}
		e.mu.Lock()
		client = e.client
		e.mu.Unlock()
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return session, nil
}

func (e *SSHExecutor) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
		log.Printf("[ssh] Invalidated connection to %s", e.Hostname)
	}
}

// wrapCommand assembles the remote invocation: working directory, exported
// environment, base64-wrapped body, and optional sudo elevation.
func (e *SSHExecutor) wrapCommand(command string, opts Options) string {
	script := buildShellScript(command, opts.Env, opts.WorkingDirectory)
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	body := fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)

	if opts.WithElevation && e.Creds.Username != "root" {
		if e.Creds.SudoPassword != "" {
			return fmt.Sprintf(`echo '%s' | sudo -S %s`, e.Creds.SudoPassword, body)
		}
		return "sudo " + body
	}
	return body
}

// buildShellScript prepends cd and env exports to the command body.
// Env keys are emitted in sorted order so the wrapped command is stable.
func buildShellScript(command string, env map[string]string, workdir string) string {
	var b strings.Builder
	if workdir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(workdir))
	}
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
		}
	}
	b.WriteString(command)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *SSHExecutor) buildConfig() (*ssh.ClientConfig, error) {
	username := e.Creds.Username
	if username == "" {
		username = "root"
	}

	hostKey := e.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: hostKey,
		Timeout:         sshConnectTimeout,
	}

	// Key auth preferred, password as fallback
	switch {
	case e.Creds.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(e.Creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case e.Creds.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(e.Creds.Password)}
	default:
		return nil, fmt.Errorf("no auth method for %s (need key or password)", e.Hostname)
	}

	return config, nil
}
