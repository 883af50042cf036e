package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials holds secrets loaded from the separate credentials file.
type Credentials struct {
	Directory DirectoryCredentials `yaml:"directory"`
	SNMP      SNMPCredentials      `yaml:"snmp"`
	SSH       SSHCredentials       `yaml:"ssh"`
	WinRM     WinRMCredentials     `yaml:"winrm"`
}

// DirectoryCredentials are the bind identity for directory queries.
type DirectoryCredentials struct {
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
}

// SNMPCredentials is the read community for network-device probing.
type SNMPCredentials struct {
	Community string `yaml:"community"`
}

// SSHCredentials are the site-wide remediation identity for POSIX hosts.
type SSHCredentials struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	SudoPassword   string `yaml:"sudo_password"`
	Port           int    `yaml:"port"`
}

// WinRMCredentials are the site-wide remediation identity for Windows
// hosts, also used for directory queries against the domain controller.
type WinRMCredentials struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	UseSSL    bool   `yaml:"use_ssl"`
	VerifySSL bool   `yaml:"verify_ssl"`
}

// LoadCredentials reads the credentials file. A missing file is not an
// error: discovery methods that need credentials report unavailable.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}
