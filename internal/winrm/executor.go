// Package winrm is the Windows transport: session-cached WinRM
// connections for running PowerShell on Windows targets. Handles NTLM
// auth, the cmd.exe 8191 character limit via temp-file chunking, and
// retry with backoff. Output is scrubbed for PII before it leaves the
// package.
package winrm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"

	"github.com/sentriahealth/appliance/internal/redact"
)

// Credentials are the site-wide Windows credentials, DOMAIN\user format.
type Credentials struct {
	Username  string
	Password  string
	UseSSL    bool
	VerifySSL bool
}

// Result is one script execution outcome.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
	Duration time.Duration
	Retries  int
	Redacted bool
}

type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000 // chars before switching to temp-file mode
	chunkSize         = 6000 // base64 chunk size safe for cmd.exe echo
	defaultTimeout    = 300 * time.Second
)

// Executor manages WinRM sessions and script execution.
type Executor struct {
	creds    Credentials
	scrubber *redact.Scrubber

	mu       sync.Mutex
	sessions map[string]*cachedSession
}

// NewExecutor creates the transport. scrubber may be nil.
func NewExecutor(creds Credentials, scrubber *redact.Scrubber) *Executor {
	return &Executor{
		creds:    creds,
		scrubber: scrubber,
		sessions: make(map[string]*cachedSession),
	}
}

// Execute runs a PowerShell script on host, retrying transient failures.
func (e *Executor) Execute(ctx context.Context, host, script string, timeout time.Duration, retries int) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()
	var lastErr string

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 30 * time.Second
			select {
			case <-ctx.Done():
				return e.failResult("context cancelled", start, attempt-1)
			case <-time.After(delay):
			}
			log.Printf("[winrm] Retry %d/%d for %s", attempt, retries, host)
		}

		stdout, stderr, exitCode, err := e.executeOnce(ctx, host, script, timeout)
		if err != nil {
			lastErr = err.Error()
			log.Printf("[winrm] Execution failed on %s: %v", host, err)
			e.InvalidateSession(host)
			continue
		}

		r := &Result{
			Success:  exitCode == 0,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
			Duration: time.Since(start),
			Retries:  attempt,
		}
		e.scrub(r)
		return r
	}

	return e.failResult(lastErr, start, retries)
}

// RunScript satisfies the discovery fabric's executor interface: run and
// return stdout, error on non-zero exit.
func (e *Executor) RunScript(ctx context.Context, host, script string, timeout time.Duration) (string, error) {
	r := e.Execute(ctx, host, script, timeout, 0)
	if !r.Success {
		if r.Error != "" {
			return "", fmt.Errorf("winrm %s: %s", host, r.Error)
		}
		return "", fmt.Errorf("winrm %s: exit %d: %s", host, r.ExitCode, r.Stderr)
	}
	return r.Stdout, nil
}

func (e *Executor) failResult(errMsg string, start time.Time, retries int) *Result {
	r := &Result{
		Success:  false,
		ExitCode: -1,
		Stderr:   errMsg,
		Error:    errMsg,
		Duration: time.Since(start),
		Retries:  retries,
	}
	e.scrub(r)
	return r
}

func (e *Executor) scrub(r *Result) {
	if e.scrubber == nil {
		return
	}
	stdout, stderr := e.scrubber.String(r.Stdout), e.scrubber.String(r.Stderr)
	if stdout != r.Stdout || stderr != r.Stderr {
		r.Redacted = true
	}
	r.Stdout, r.Stderr = stdout, stderr
	r.Error = e.scrubber.String(r.Error)
}

// executeOnce picks inline or temp-file mode by script length.
func (e *Executor) executeOnce(ctx context.Context, host, script string, timeout time.Duration) (string, string, int, error) {
	client, err := e.getSession(host)
	if err != nil {
		return "", "", -1, fmt.Errorf("get session: %w", err)
	}

	type result struct {
		stdout, stderr string
		exitCode       int
		err            error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if len(script) > inlineScriptLimit {
			r.stdout, r.stderr, r.exitCode, r.err = e.executeViaTempFile(client, script)
		} else {
			r.stdout, r.stderr, r.exitCode, r.err = e.executeInline(client, script)
		}
		done <- r
	}()

	select {
	case <-ctx.Done():
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(timeout):
		return "", "", -1, fmt.Errorf("execution timed out after %s", timeout)
	case r := <-done:
		return r.stdout, r.stderr, r.exitCode, r.err
	}
}

// executeInline runs a short script via -EncodedCommand.
func (e *Executor) executeInline(client *gowinrm.Client, script string) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive",
		"-EncodedCommand", encodePowerShell(script))
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

// executeViaTempFile works around the cmd.exe 8191 character limit by
// echoing base64 chunks into a temp file, then decoding and running it.
func (e *Executor) executeViaTempFile(client *gowinrm.Client, script string) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\sentria_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\sentria_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitString(encoded, chunkSize)

	shell, err := client.CreateShell()
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
		code := cmd.ExitCode()
		cmd.Close()
		if code != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, code)
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

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive",
		"-EncodedCommand", encodePowerShell(decodeAndRun))
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

// getSession returns a cached or new WinRM session for host.
func (e *Executor) getSession(host string) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[host]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		log.Printf("[winrm] Session expired for %s, refreshing", host)
	}

	port := 5985
	if e.creds.UseSSL {
		port = 5986
	}
	endpoint := gowinrm.NewEndpoint(host, port, e.creds.UseSSL, !e.creds.VerifySSL, nil, nil, nil, 120*time.Second)

	// NTLM; Basic auth is rarely enabled in domain environments.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, e.creds.Username, e.creds.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", host, err)
	}

	e.sessions[host] = &cachedSession{client: client, createdAt: time.Now()}
	log.Printf("[winrm] New session for %s:%d (ssl=%v)", host, port, e.creds.UseSSL)
	return client, nil
}

// InvalidateSession drops the cached session for a host.
func (e *Executor) InvalidateSession(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, host)
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// encodePowerShell encodes a script for -EncodedCommand (UTF-16LE base64).
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
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
