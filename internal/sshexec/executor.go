// Package sshexec is the POSIX transport: cached SSH sessions for
// running bash scripts on Linux targets. Handles key/password auth,
// privilege elevation, TOFU host key verification, LRU session
// eviction, and retry with backoff. Output is scrubbed for PII before
// it leaves the package.
package sshexec

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sentriahealth/appliance/internal/redact"
)

// Target describes a Linux host to execute scripts on.
type Target struct {
	Hostname       string
	Port           int
	Username       string
	Password       string
	PrivateKeyPEM  string
	SudoPassword   string
	ConnectTimeout time.Duration
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

type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

const (
	connMaxAge     = 300 * time.Second
	maxCachedConns = 50
	defaultTimeout = 60 * time.Second
)

// Executor manages SSH connections and script execution. Each host has
// at most one cached connection; establishment is serialized per host.
//
// Lock order: mu guards the connection cache and is never held across a
// dial. The handshake calls back into tofuHostKeyCallback, so the TOFU
// key table lives under its own keyMu.
type Executor struct {
	knownHostsPath string
	scrubber       *redact.Scrubber

	mu        sync.Mutex
	conns     map[string]*cachedConn
	connOrder []string // LRU, oldest first
	dials     map[string]*sync.Mutex

	keyMu    sync.Mutex
	hostKeys map[string]ssh.PublicKey
}

// NewExecutor creates the transport. knownHostsPath is where TOFU host
// keys persist between runs; scrubber may be nil to skip redaction.
func NewExecutor(knownHostsPath string, scrubber *redact.Scrubber) *Executor {
	e := &Executor{
		knownHostsPath: knownHostsPath,
		scrubber:       scrubber,
		conns:          make(map[string]*cachedConn),
		dials:          make(map[string]*sync.Mutex),
		hostKeys:       make(map[string]ssh.PublicKey),
	}
	e.loadKnownHosts()
	return e
}

// Execute runs a bash script on the target, retrying transient failures
// with linear backoff. Authentication and host-key failures never retry.
func (e *Executor) Execute(ctx context.Context, target *Target, script string, timeout time.Duration, retries int, elevate bool) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()
	var lastErr string

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 5 * time.Second
			select {
			case <-ctx.Done():
				return e.failResult("context cancelled", start, attempt-1)
			case <-time.After(delay):
			}
			log.Printf("[ssh] Retry %d/%d for %s", attempt, retries, target.Hostname)
		}

		stdout, stderr, exitCode, err := e.executeOnce(ctx, target, script, timeout, elevate)
		if err != nil {
			lastErr = err.Error()
			log.Printf("[ssh] Execution failed on %s: %v", target.Hostname, err)
			e.InvalidateConnection(target.Hostname)
			if isAuthError(err) || isHostKeyError(err) {
				break
			}
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

// executeOnce ships the script base64-encoded to sidestep shell quoting.
// With elevate set and a non-root user, the script runs under sudo; a
// sudo password goes to stdin, never the command line.
func (e *Executor) executeOnce(ctx context.Context, target *Target, script string, timeout time.Duration, elevate bool) (string, string, int, error) {
	client, err := e.getConnection(target)
	if err != nil {
		return "", "", -1, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	var cmd string
	switch {
	case elevate && target.Username != "root" && target.SudoPassword != "":
		cmd = fmt.Sprintf(`sudo -S bash -c "$(echo %s | base64 -d)"`, encoded)
		session.Stdin = strings.NewReader(target.SudoPassword + "\n")
	case elevate && target.Username != "root":
		cmd = fmt.Sprintf(`sudo bash -c "$(echo %s | base64 -d)"`, encoded)
	default:
		cmd = fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)
	}

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(timeout):
		return "", "", -1, fmt.Errorf("execution timed out after %s", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*ssh.ExitError)
			if !ok {
				return "", "", -1, fmt.Errorf("run: %w", err)
			}
			exitCode = exitErr.ExitStatus()
		}
		return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), exitCode, nil
	}
}

// getConnection returns a cached connection or dials a new one. The
// dial happens outside the cache lock; a per-host mutex keeps
// establishment serialized per host.
func (e *Executor) getConnection(target *Target) (*ssh.Client, error) {
	if client := e.cachedClient(target.Hostname); client != nil {
		return client, nil
	}

	dialMu := e.dialLock(target.Hostname)
	dialMu.Lock()
	defer dialMu.Unlock()

	// A concurrent caller may have dialed while we waited.
	if client := e.cachedClient(target.Hostname); client != nil {
		return client, nil
	}

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := target.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	addr := net.JoinHostPort(target.Hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	e.mu.Lock()
	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
			log.Printf("[ssh] LRU evicted connection for %s", evictHost)
		}
	}
	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(target.Hostname)
	e.mu.Unlock()

	log.Printf("[ssh] New connection to %s:%d as %s", target.Hostname, port, target.Username)
	return client, nil
}

// cachedClient returns a live cached connection for the host, dropping
// a stale or dead entry on the way.
func (e *Executor) cachedClient(hostname string) *ssh.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	cached, ok := e.conns[hostname]
	if !ok {
		return nil
	}
	if time.Since(cached.createdAt) < connMaxAge {
		if s, err := cached.client.NewSession(); err == nil {
			s.Close()
			e.lruTouch(hostname)
			return cached.client
		}
		log.Printf("[ssh] Stale connection to %s, reconnecting", hostname)
	}
	cached.client.Close()
	delete(e.conns, hostname)
	e.lruRemove(hostname)
	return nil
}

// dialLock returns the per-host establishment mutex.
func (e *Executor) dialLock(hostname string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.dials[hostname]
	if !ok {
		m = &sync.Mutex{}
		e.dials[hostname] = m
	}
	return m
}

// lruTouch moves a hostname to most-recently-used. Caller holds e.mu.
func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

// lruRemove drops a hostname from the LRU order. Caller holds e.mu.
func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection drops the cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes every cached connection.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "root"
	}
	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	switch {
	case target.PrivateKeyPEM != "":
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case target.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(target.Password)}
	default:
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}
	return config, nil
}

// tofuHostKeyCallback trusts a host key on first contact and persists
// it; a changed key is rejected outright.
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		log.Printf("[ssh] TOFU: accepted new host key for %s (%s)", host, key.Type())
		e.saveKnownHosts()
		return nil
	}
	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	log.Printf("[ssh] SECURITY: host key changed for %s (was %s, now %s)",
		host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), e.knownHostsPath)
}

// loadKnownHosts reads persisted keys. Format per line:
// "hostname key-type base64-key".
func (e *Executor) loadKnownHosts() {
	f, err := os.Open(e.knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		e.hostKeys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ssh] TOFU: loaded %d known host keys from %s", loaded, e.knownHostsPath)
	}
}

// saveKnownHosts persists all known host keys. Caller holds e.keyMu.
func (e *Executor) saveKnownHosts() {
	if err := os.MkdirAll(filepath.Dir(e.knownHostsPath), 0o700); err != nil {
		log.Printf("[ssh] TOFU: cannot create dir for %s: %v", e.knownHostsPath, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts, trust-on-first-use\n")
	for host, key := range e.hostKeys {
		fmt.Fprintf(&buf, "%s %s %s\n", host, key.Type(),
			base64.StdEncoding.EncodeToString(key.Marshal()))
	}
	if err := os.WriteFile(e.knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[ssh] TOFU: failed to save known_hosts: %v", err)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

func isHostKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "host key mismatch")
}
