// Package config loads the appliance configuration and the separate
// credentials file. Credentials live outside the main config so a leaked
// config file does not carry bind passwords or SNMP communities.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full appliance configuration.
type Config struct {
	SiteID      string `yaml:"site_id"`
	ApplianceID string `yaml:"appliance_id"`

	// NetworkRanges are the CIDRs to scan. The single value "auto" enables
	// subnet autodetection from the host's non-loopback interfaces.
	NetworkRanges []string `yaml:"network_ranges"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Directory DirectoryConfig `yaml:"directory"`
	Portscan  PortscanConfig  `yaml:"portscan"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	API       APIConfig       `yaml:"api"`
	Paths     PathsConfig     `yaml:"paths"`
	Central   CentralConfig   `yaml:"central"`
	WORM      WORMConfig      `yaml:"worm"`
	Healing   HealingConfig   `yaml:"healing"`
	Safety    SafetyConfig    `yaml:"safety"`
	LLM       LLMConfig       `yaml:"llm"`

	// ExcludeMedicalByDefault is enforced true. Any other value in the
	// file is normalized back to true during load.
	ExcludeMedicalByDefault bool `yaml:"exclude_medical_by_default"`

	LogLevel string `yaml:"log_level"`
}

// DiscoveryConfig enables or disables each discovery method.
type DiscoveryConfig struct {
	Directory bool `yaml:"directory"`
	Neighbor  bool `yaml:"neighbor"`
	Portscan  bool `yaml:"portscan"`
	Agent     bool `yaml:"agent"`
}

// DirectoryConfig holds corporate-directory query parameters.
// Bind credentials come from the credentials file, never from here.
type DirectoryConfig struct {
	Server string `yaml:"server"`
	BaseDN string `yaml:"base_dn"`
	SSL    bool   `yaml:"ssl"`
}

// PortscanConfig bounds active portscan behavior.
type PortscanConfig struct {
	Arguments          string `yaml:"arguments"`
	HostTimeoutSeconds int    `yaml:"host_timeout_seconds"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
}

// ScheduleConfig is the site-local daily scan time.
type ScheduleConfig struct {
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`
}

// APIConfig is the bind address for the HTTP surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	DB          string `yaml:"db"`
	Credentials string `yaml:"credentials"`
	EvidenceDir string `yaml:"evidence_dir"`
	RunbooksDir string `yaml:"runbooks_dir"`
	RulesDir    string `yaml:"rules_dir"`
}

// CentralConfig is the control-plane replication target.
type CentralConfig struct {
	URL    string `yaml:"url"`
	SiteID string `yaml:"site_id"`
	APIKey string `yaml:"api_key"`
}

// WORMConfig is the evidence replication policy.
type WORMConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Mode          string `yaml:"mode"` // "proxy" or "direct"
	BucketURL     string `yaml:"bucket_url"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRetries    int    `yaml:"max_retries"`
	BatchSize     int    `yaml:"batch_size"`
	AutoUpload    bool   `yaml:"auto_upload"`
}

// HealingConfig controls the three-tier decision engine.
type HealingConfig struct {
	Level1Enabled   bool `yaml:"level1_enabled"`
	Level2Enabled   bool `yaml:"level2_enabled"`
	Level3Enabled   bool `yaml:"level3_enabled"`
	LearningEnabled bool `yaml:"learning_enabled"`
	DryRun          bool `yaml:"dry_run"`

	FlapThreshold     int `yaml:"flap_threshold"`
	FlapWindowMinutes int `yaml:"flap_window_minutes"`

	PromotionMinOccurrences int     `yaml:"promotion_min_occurrences"`
	PromotionMinL2          int     `yaml:"promotion_min_l2"`
	PromotionMinSuccess     float64 `yaml:"promotion_min_success"`
}

// SafetyConfig bounds the safety envelope around remediation.
type SafetyConfig struct {
	CooldownSeconds         int `yaml:"cooldown_seconds"`
	ClientHourly            int `yaml:"client_hourly"`
	GlobalHourly            int `yaml:"global_hourly"`
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	CircuitTimeoutSeconds   int `yaml:"circuit_timeout_seconds"`
}

// LLMConfig is the L2 planner provider.
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		NetworkRanges: []string{"auto"},
		Discovery: DiscoveryConfig{
			Directory: true,
			Neighbor:  true,
			Portscan:  true,
			Agent:     true,
		},
		Portscan: PortscanConfig{
			HostTimeoutSeconds: 3,
			MaxConcurrent:      64,
		},
		Schedule: ScheduleConfig{Hour: 2, Minute: 30},
		API:      APIConfig{Host: "127.0.0.1", Port: 8088},
		Paths: PathsConfig{
			DB:          "/var/lib/sentria/inventory.db",
			Credentials: "/var/lib/sentria/credentials.yaml",
			EvidenceDir: "/var/lib/sentria/evidence",
			RunbooksDir: "/var/lib/sentria/runbooks",
			RulesDir:    "/var/lib/sentria/rules",
		},
		WORM: WORMConfig{
			Mode:          "proxy",
			RetentionDays: 2555,
			MaxRetries:    5,
			BatchSize:     10,
			AutoUpload:    true,
		},
		Healing: HealingConfig{
			Level1Enabled:           true,
			Level2Enabled:           false,
			Level3Enabled:           true,
			LearningEnabled:         true,
			FlapThreshold:           3,
			FlapWindowMinutes:       120,
			PromotionMinOccurrences: 5,
			PromotionMinL2:          3,
			PromotionMinSuccess:     0.9,
		},
		Safety: SafetyConfig{
			CooldownSeconds:         300,
			ClientHourly:            100,
			GlobalHourly:            1000,
			CircuitFailureThreshold: 5,
			CircuitTimeoutSeconds:   60,
		},
		LLM: LLMConfig{
			Provider:       "http",
			TimeoutSeconds: 30,
		},
		ExcludeMedicalByDefault: true,
		LogLevel:                "INFO",
	}
}

// Load reads configuration from a YAML file with env overrides, applies
// defaults, clamps out-of-range values, and validates required fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.Paths.DB = filepath.Join(v, "inventory.db")
		cfg.Paths.Credentials = filepath.Join(v, "credentials.yaml")
		cfg.Paths.EvidenceDir = filepath.Join(v, "evidence")
		cfg.Paths.RunbooksDir = filepath.Join(v, "runbooks")
		cfg.Paths.RulesDir = filepath.Join(v, "rules")
	}
	if v := os.Getenv("HEALING_DRY_RUN"); v != "" {
		cfg.Healing.DryRun = !isFalsy(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	cfg.normalize()

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site_id is required")
	}
	if cfg.Paths.DB == "" {
		return nil, fmt.Errorf("paths.db is required")
	}
	return &cfg, nil
}

// normalize clamps values into their valid ranges and enforces the
// medical-exclusion policy bit.
func (c *Config) normalize() {
	// Medical devices are excluded by default, always. The option exists
	// so operators can see the policy, not change it.
	c.ExcludeMedicalByDefault = true

	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		c.Schedule.Hour = 2
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		c.Schedule.Minute = 30
	}
	if c.Portscan.HostTimeoutSeconds <= 0 {
		c.Portscan.HostTimeoutSeconds = 3
	}
	if c.Portscan.MaxConcurrent <= 0 {
		c.Portscan.MaxConcurrent = 64
	}
	if c.WORM.Mode != "proxy" && c.WORM.Mode != "direct" {
		c.WORM.Mode = "proxy"
	}
	if c.WORM.RetentionDays <= 0 {
		c.WORM.RetentionDays = 2555
	}
	if c.WORM.MaxRetries <= 0 {
		c.WORM.MaxRetries = 5
	}
	if c.WORM.BatchSize <= 0 {
		c.WORM.BatchSize = 10
	}
	if c.Healing.FlapThreshold <= 0 {
		c.Healing.FlapThreshold = 3
	}
	if c.Healing.FlapWindowMinutes <= 0 {
		c.Healing.FlapWindowMinutes = 120
	}
	if c.Healing.PromotionMinOccurrences <= 0 {
		c.Healing.PromotionMinOccurrences = 5
	}
	if c.Healing.PromotionMinL2 <= 0 {
		c.Healing.PromotionMinL2 = 3
	}
	if c.Healing.PromotionMinSuccess <= 0 || c.Healing.PromotionMinSuccess > 1 {
		c.Healing.PromotionMinSuccess = 0.9
	}
	if c.Safety.CooldownSeconds <= 0 {
		c.Safety.CooldownSeconds = 300
	}
	if c.Safety.ClientHourly <= 0 {
		c.Safety.ClientHourly = 100
	}
	if c.Safety.GlobalHourly <= 0 {
		c.Safety.GlobalHourly = 1000
	}
	if c.Safety.CircuitFailureThreshold <= 0 {
		c.Safety.CircuitFailureThreshold = 5
	}
	if c.Safety.CircuitTimeoutSeconds <= 0 {
		c.Safety.CircuitTimeoutSeconds = 60
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		c.API.Port = 8088
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if len(c.NetworkRanges) == 0 {
		c.NetworkRanges = []string{"auto"}
	}
}

// PromotedRulesDir is where learning-loop promoted rules are written.
func (c *Config) PromotedRulesDir() string {
	return filepath.Join(c.Paths.RulesDir, "promoted")
}

// UploadRegistryPath is the evidence upload idempotency record.
func (c *Config) UploadRegistryPath() string {
	return filepath.Join(c.Paths.EvidenceDir, ".upload_registry.json")
}

// SigningKeyPath is where the appliance Ed25519 seed is persisted.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(filepath.Dir(c.Paths.DB), "signing.key")
}

// KnownHostsPath is the TOFU SSH host-key store.
func (c *Config) KnownHostsPath() string {
	return filepath.Join(filepath.Dir(c.Paths.DB), "ssh_known_hosts")
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
