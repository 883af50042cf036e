package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// ScriptExecutor runs a PowerShell script on a remote Windows host.
// Satisfied by the WinRM transport.
type ScriptExecutor interface {
	RunScript(ctx context.Context, host, script string, timeout time.Duration) (string, error)
}

// DirectoryMethod queries a domain controller for computer objects via
// Get-ADComputer over the Windows transport. One DiscoveredDevice per
// enabled computer object; missing IPs are resolved through DNS.
type DirectoryMethod struct {
	server   string
	executor ScriptExecutor
}

// NewDirectoryMethod creates a directory query against server. A nil
// executor or empty server makes the method unavailable.
func NewDirectoryMethod(server string, executor ScriptExecutor) *DirectoryMethod {
	return &DirectoryMethod{server: server, executor: executor}
}

func (d *DirectoryMethod) Name() string { return "directory" }

func (d *DirectoryMethod) IsAvailable(ctx context.Context) bool {
	return d.server != "" && d.executor != nil
}

const computerQueryScript = `
Import-Module ActiveDirectory -ErrorAction SilentlyContinue
Get-ADComputer -Filter 'Enabled -eq $true' -Properties ` +
	"Name,DNSHostName,IPv4Address,OperatingSystem,OperatingSystemVersion,PrimaryGroupID" + ` |
  Select-Object Name,DNSHostName,IPv4Address,OperatingSystem,OperatingSystemVersion,PrimaryGroupID |
  ConvertTo-Json -Compress
`

func (d *DirectoryMethod) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	log.Printf("[discovery] Querying directory on %s", d.server)

	output, err := d.executor.RunScript(ctx, d.server, computerQueryScript, 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}

	devices, err := parseComputerObjects(output)
	if err != nil {
		return nil, fmt.Errorf("parse directory output: %w", err)
	}

	resolveMissingIPs(ctx, devices)

	// Records that still have no IP cannot be merged or scanned.
	out := devices[:0]
	for _, dev := range devices {
		if dev.IPAddress != "" {
			out = append(out, dev)
		}
	}
	log.Printf("[discovery] Directory returned %d computer objects, %d with addresses",
		len(devices), len(out))
	return out, nil
}

// parseComputerObjects decodes ConvertTo-Json output. PowerShell emits a
// bare object for a single result and an array otherwise.
func parseComputerObjects(output string) ([]DiscoveredDevice, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		var single map[string]interface{}
		if err := json.Unmarshal([]byte(output), &single); err != nil {
			return nil, fmt.Errorf("unrecognized directory JSON")
		}
		raw = []map[string]interface{}{single}
	}

	now := time.Now().UTC()
	devices := make([]DiscoveredDevice, 0, len(raw))
	for _, m := range raw {
		dev := DiscoveredDevice{
			Hostname:  jsonStr(m, "Name"),
			IPAddress: jsonStr(m, "IPv4Address"),
			OSName:    jsonStr(m, "OperatingSystem"),
			OSVersion: jsonStr(m, "OperatingSystemVersion"),
			Origin:    "directory",
			SeenAt:    now,
		}
		if fqdn := jsonStr(m, "DNSHostName"); fqdn != "" {
			dev.Hostname = fqdn
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// resolveMissingIPs fills IPs through DNS for objects the directory knows
// but has no address attribute for.
func resolveMissingIPs(ctx context.Context, devices []DiscoveredDevice) {
	for i := range devices {
		if devices[i].IPAddress != "" || devices[i].Hostname == "" {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		addrs, err := net.DefaultResolver.LookupHost(lctx, devices[i].Hostname)
		cancel()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				devices[i].IPAddress = ip.String()
				break
			}
		}
	}
}

func jsonStr(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
