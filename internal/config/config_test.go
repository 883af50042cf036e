package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, "site_id: clinic-01\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SiteID != "clinic-01" {
		t.Fatalf("site_id = %q", cfg.SiteID)
	}
	if cfg.Healing.FlapThreshold != 3 || cfg.Healing.FlapWindowMinutes != 120 {
		t.Fatalf("flap defaults wrong: %+v", cfg.Healing)
	}
	if cfg.Safety.CooldownSeconds != 300 || cfg.Safety.GlobalHourly != 1000 {
		t.Fatalf("safety defaults wrong: %+v", cfg.Safety)
	}
}

func TestLoadRequiresSiteID(t *testing.T) {
	path := writeConfig(t, "log_level: DEBUG\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing site_id")
	}
}

func TestMedicalExclusionCannotBeDisabled(t *testing.T) {
	path := writeConfig(t, "site_id: clinic-01\nexclude_medical_by_default: false\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ExcludeMedicalByDefault {
		t.Fatal("exclude_medical_by_default must be normalized to true")
	}
}

func TestWORMModeNormalized(t *testing.T) {
	path := writeConfig(t, "site_id: s\nworm:\n  mode: bogus\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WORM.Mode != "proxy" {
		t.Fatalf("worm mode = %q, want proxy", cfg.WORM.Mode)
	}
}

func TestScheduleClamped(t *testing.T) {
	path := writeConfig(t, "site_id: s\nschedule:\n  hour: 99\n  minute: -3\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.Hour != 2 || cfg.Schedule.Minute != 30 {
		t.Fatalf("schedule not clamped: %+v", cfg.Schedule)
	}
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing credentials file should not error: %v", err)
	}
	if creds.Directory.BindDN != "" {
		t.Fatal("expected empty credentials")
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	content := "directory:\n  bind_dn: CN=svc,DC=clinic\n  bind_password: hunter2\nsnmp:\n  community: public\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.Directory.BindDN != "CN=svc,DC=clinic" || creds.SNMP.Community != "public" {
		t.Fatalf("credentials wrong: %+v", creds)
	}
}
