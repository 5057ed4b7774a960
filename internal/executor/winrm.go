package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
)

// WinRMCredentials are the decrypted secrets for one Windows target.
type WinRMCredentials struct {
	Username string // DOMAIN\user format
	Password string
}

const (
	winrmDefaultTimeout   = 300 // seconds
	winrmInlineLimit      = 2000
	winrmChunkSize        = 6000
	winrmOperationTimeout = 120 * time.Second
)

// powershellHint matches commands that should be dispatched as PowerShell:
// cmdlets (Verb-Noun), variable references, and pipeline cmdlet names.
var powershellHint = regexp.MustCompile(`(?i)(^|\s|\|)\s*(Get|Set|Start|Stop|Restart|New|Remove|Test|Invoke|Enable|Disable|Add|Clear|Write|Out|Select|Where|ForEach)-[A-Za-z]+|\$\w+`)

// WinRMExecutor runs commands on one Windows target over WinRM with NTLM
// auth. The underlying protocol is synchronous; each call runs in its own
// goroutine so the engine's timeout can preempt it.
type WinRMExecutor struct {
	Hostname  string
	Port      int
	UseSSL    bool
	VerifySSL bool
	Creds     WinRMCredentials

	mu     sync.Mutex
	client *gowinrm.Client
}

// NewWinRMExecutor creates an executor for one target. SSL is enabled
// automatically when the port is 5986.
func NewWinRMExecutor(hostname string, port int, useSSL bool, creds WinRMCredentials) *WinRMExecutor {
	if port == 0 {
		if useSSL {
			port = 5986
		} else {
			port = 5985
		}
	}
	if port == 5986 {
		useSSL = true
	}
	return &WinRMExecutor{Hostname: hostname, Port: port, UseSSL: useSSL, Creds: creds}
}

// Connect builds the WinRM client. No network traffic happens until the
// first shell is created.
func (e *WinRMExecutor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}

	endpoint := gowinrm.NewEndpoint(e.Hostname, e.Port, e.UseSSL, !e.VerifySSL, nil, nil, nil, winrmOperationTimeout)

	// NTLM is required in domain environments; Basic is rarely enabled.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, e.Creds.Username, e.Creds.Password, params)
	if err != nil {
		return fmt.Errorf("create WinRM client for %s: %w", e.Hostname, err)
	}
	e.client = client
	log.Printf("[winrm] Client ready for %s:%d (ssl=%v)", e.Hostname, e.Port, e.UseSSL)
	return nil
}

// Disconnect drops the cached client.
func (e *WinRMExecutor) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = nil
	return nil
}

// TestConnection opens and closes a shell.
func (e *WinRMExecutor) TestConnection(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	shell, err := e.client.CreateShell()
	if err != nil {
		return fmt.Errorf("create shell: %w", err)
	}
	return shell.Close()
}

// GetServerInfo returns basic facts about the target.
func (e *WinRMExecutor) GetServerInfo(ctx context.Context) (map[string]string, error) {
	res := e.Execute(ctx, `Write-Output "hostname=$env:COMPUTERNAME"; Write-Output "os=$((Get-CimInstance Win32_OperatingSystem).Caption)"`,
		Options{TimeoutSeconds: 30})
	if !res.Success {
		return nil, fmt.Errorf("server info: %s", res.ErrorMessage)
	}
	info := map[string]string{"protocol": "winrm"}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			info[k] = v
		}
	}
	return info, nil
}

// Execute runs one command, classifying it as PowerShell or CMD by
// heuristic. Elevation is not supported over WinRM and is ignored.
func (e *WinRMExecutor) Execute(ctx context.Context, command string, opts Options) *Result {
	start := time.Now().UTC()
	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = winrmDefaultTimeout
	}
	if opts.WithElevation {
		log.Printf("[winrm] Elevation requested for %s but not supported over WinRM, ignoring", e.Hostname)
	}

	if err := e.Connect(ctx); err != nil {
		return failure(e.Hostname, command, start, classifyWinRMError(err), err.Error())
	}

	type outcome struct {
		stdout, stderr string
		exitCode       int
		err            error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if IsPowerShellCommand(command) {
			script := buildPowerShellScript(command, opts.Env, opts.WorkingDirectory)
			if len(script) > winrmInlineLimit {
				o.stdout, o.stderr, o.exitCode, o.err = e.runViaTempFile(script)
			} else {
				o.stdout, o.stderr, o.exitCode, o.err = e.runPowerShell(script)
			}
		} else {
			o.stdout, o.stderr, o.exitCode, o.err = e.runCmd(command, opts)
		}
		done <- o
	}()

	select {
	case <-ctx.Done():
		e.Disconnect()
		return failure(e.Hostname, command, start, ErrTimeout, "context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		e.Disconnect()
		return failure(e.Hostname, command, start, ErrTimeout,
			fmt.Sprintf("execution timed out after %ds", timeout))
	case o := <-done:
		if o.err != nil {
			e.Disconnect()
			kind := classifyWinRMError(o.err)
			return failure(e.Hostname, command, start, kind, o.err.Error())
		}
		res := &Result{
			Success:        o.exitCode == 0,
			ExitCode:       o.exitCode,
			Stdout:         o.stdout,
			Stderr:         o.stderr,
			DurationMs:     time.Since(start).Milliseconds(),
			Command:        command,
			ServerHostname: e.Hostname,
			ExecutedAt:     start,
		}
		if o.exitCode != 0 {
			res.ErrorType = ErrCommand
			res.ErrorMessage = fmt.Sprintf("exit code %d", o.exitCode)
		}
		return res
	}
}

// IsPowerShellCommand reports whether a command should run under
// powershell.exe rather than cmd.exe.
func IsPowerShellCommand(command string) bool {
	return powershellHint.MatchString(command)
}

// --- Dispatch paths ---

func (e *WinRMExecutor) runPowerShell(script string) (string, string, int, error) {
	shell, err := e.client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

func (e *WinRMExecutor) runCmd(command string, opts Options) (string, string, int, error) {
	shell, err := e.client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	full := buildCmdLine(command, opts.Env, opts.WorkingDirectory)
	cmd, err := shell.Execute("cmd.exe", "/c", full)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

// runViaTempFile handles the cmd.exe 8191 character limit by writing the
// script to a temp file via chunked base64 echo commands.
func (e *WinRMExecutor) runViaTempFile(script string) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\aeg_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\aeg_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitChunks(encoded, winrmChunkSize)

	shell, err := e.client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range chunks {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmd, err := shell.Execute("cmd.exe", "/c", fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64))
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		cmd.Close()
		if cmd.ExitCode() != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, cmd.ExitCode())
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(decodeAndRun))
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

// --- Script assembly ---

// buildPowerShellScript prepends Set-Location and $env: assignments.
func buildPowerShellScript(command string, env map[string]string, workdir string) string {
	var b strings.Builder
	if workdir != "" {
		fmt.Fprintf(&b, "Set-Location -Path '%s'; ", strings.ReplaceAll(workdir, "'", "''"))
	}
	for _, k := range sortedKeys(env) {
		fmt.Fprintf(&b, "$env:%s = '%s'; ", k, strings.ReplaceAll(env[k], "'", "''"))
	}
	b.WriteString(command)
	return b.String()
}

// buildCmdLine prepends cd /d and set assignments for cmd.exe dispatch.
func buildCmdLine(command string, env map[string]string, workdir string) string {
	var b strings.Builder
	if workdir != "" {
		fmt.Fprintf(&b, `cd /d "%s" && `, workdir)
	}
	for _, k := range sortedKeys(env) {
		fmt.Fprintf(&b, `set "%s=%s" && `, k, env[k])
	}
	b.WriteString(command)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodePowerShell encodes a script for the -EncodedCommand parameter.
// PowerShell expects UTF-16LE base64.
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

func classifyWinRMError(err error) ErrorType {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "access is denied") || strings.Contains(msg, "authentication"):
		return ErrAuth
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return ErrPermission
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial ") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof"):
		return ErrConnection
	}
	return ErrUnknown
}
