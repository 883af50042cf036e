package runbook

import (
	"context"
	"time"

	"github.com/sentriahealth/appliance/internal/sshexec"
	"github.com/sentriahealth/appliance/internal/winrm"
)

// POSIXCredentials are the site-wide SSH credentials applied to every
// POSIX host.
type POSIXCredentials struct {
	Username      string
	Password      string
	PrivateKeyPEM string
	SudoPassword  string
	Port          int
}

// SSHTransport adapts the SSH executor to the Transport interface.
type SSHTransport struct {
	exec  *sshexec.Executor
	creds POSIXCredentials
}

// NewSSHTransport wraps exec with site-wide credentials.
func NewSSHTransport(exec *sshexec.Executor, creds POSIXCredentials) *SSHTransport {
	if creds.Port <= 0 {
		creds.Port = 22
	}
	return &SSHTransport{exec: exec, creds: creds}
}

func (t *SSHTransport) Run(ctx context.Context, host, script string, timeout time.Duration, retries int, elevate bool) *ExecResult {
	target := &sshexec.Target{
		Hostname:      host,
		Port:          t.creds.Port,
		Username:      t.creds.Username,
		Password:      t.creds.Password,
		PrivateKeyPEM: t.creds.PrivateKeyPEM,
		SudoPassword:  t.creds.SudoPassword,
	}
	r := t.exec.Execute(ctx, target, script, timeout, retries, elevate)
	return &ExecResult{
		Success:  r.Success,
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Error:    r.Error,
	}
}

// WinRMTransport adapts the WinRM executor to the Transport interface.
// Privilege elevation is a no-op: WinRM sessions already run under the
// configured domain account.
type WinRMTransport struct {
	exec *winrm.Executor
}

// NewWinRMTransport wraps exec.
func NewWinRMTransport(exec *winrm.Executor) *WinRMTransport {
	return &WinRMTransport{exec: exec}
}

func (t *WinRMTransport) Run(ctx context.Context, host, script string, timeout time.Duration, retries int, _ bool) *ExecResult {
	r := t.exec.Execute(ctx, host, script, timeout, retries)
	return &ExecResult{
		Success:  r.Success,
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Error:    r.Error,
	}
}
