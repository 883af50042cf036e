package store

import "time"

// Device type tags.
const (
	TypeWorkstation = "workstation"
	TypeServer      = "server"
	TypeNetwork     = "network"
	TypePrinter     = "printer"
	TypeMedical     = "medical"
	TypeUnknown     = "unknown"
)

// Scan policies.
const (
	PolicyStandard = "standard"
	PolicyLimited  = "limited"
	PolicyExcluded = "excluded"
)

// Device lifecycle statuses.
const (
	StatusDiscovered = "discovered"
	StatusMonitored  = "monitored"
	StatusExcluded   = "excluded"
	StatusOffline    = "offline"
)

// Compliance statuses.
const (
	ComplianceCompliant = "compliant"
	ComplianceDrifted   = "drifted"
	ComplianceUnknown   = "unknown"
	ComplianceExcluded  = "excluded"
)

// Check outcomes.
const (
	OutcomePass = "pass"
	OutcomeWarn = "warn"
	OutcomeFail = "fail"
)

// Resolution outcomes.
const (
	ResolutionSuccess    = "success"
	ResolutionFailure    = "failure"
	ResolutionEscalated  = "escalated"
	ResolutionSuppressed = "suppressed"
)

// Device is a row in the inventory.
type Device struct {
	ID              string     `json:"id"`
	IPAddress       string     `json:"ip_address"`
	Hostname        string     `json:"hostname,omitempty"`
	MACAddress      string     `json:"mac_address,omitempty"`
	OSName          string     `json:"os_name,omitempty"`
	OSVersion       string     `json:"os_version,omitempty"`
	Manufacturer    string     `json:"manufacturer,omitempty"`
	Model           string     `json:"model,omitempty"`
	DeviceType      string     `json:"device_type"`
	ScanPolicy      string     `json:"scan_policy"`
	Status          string     `json:"status"`
	Compliance      string     `json:"compliance_status"`
	MedicalDevice   bool       `json:"medical_device"`
	ManuallyOptedIn bool       `json:"manually_opted_in"`
	PHIAccessFlag   bool       `json:"phi_access_flag"`
	Origin          string     `json:"origin"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	LastScan        *time.Time `json:"last_scan,omitempty"`
	SyncVersion     int64      `json:"sync_version"`
	SyncedToCentral bool       `json:"synced_to_central"`
}

// Scannable reports whether the device is eligible for compliance scanning.
func (d *Device) Scannable() bool {
	if d.ScanPolicy == PolicyExcluded {
		return false
	}
	if d.MedicalDevice && !d.ManuallyOptedIn {
		return false
	}
	return true
}

// DevicePort is an open port observed on a device.
type DevicePort struct {
	DeviceID       string    `json:"device_id"`
	Port           int       `json:"port"`
	Protocol       string    `json:"protocol"`
	ServiceName    string    `json:"service_name,omitempty"`
	ServiceVersion string    `json:"service_version,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
}

// Scan is one discovery run.
type Scan struct {
	ID              string     `json:"id"`
	ScanType        string     `json:"scan_type"`
	Status          string     `json:"status"`
	DevicesFound    int        `json:"devices_found"`
	DevicesNew      int        `json:"devices_new"`
	DevicesChanged  int        `json:"devices_changed"`
	MedicalExcluded int        `json:"medical_excluded"`
	MethodsUsed     string     `json:"methods_used"`
	NetworkRanges   string     `json:"network_ranges"`
	TriggeredBy     string     `json:"triggered_by"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ComplianceResult is one check outcome for a device.
type ComplianceResult struct {
	DeviceID   string    `json:"device_id"`
	CheckType  string    `json:"check_type"`
	ControlRef string    `json:"control_ref,omitempty"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"` // JSON blob
	CheckedAt  time.Time `json:"checked_at"`
}

// Incident is a drift event routed through the healing engine.
type Incident struct {
	ID               string     `json:"id"`
	SiteID           string     `json:"site_id"`
	HostID           string     `json:"host_id"`
	IncidentType     string     `json:"incident_type"`
	Severity         string     `json:"severity"`
	RawData          string     `json:"raw_data"` // JSON blob
	PatternSignature string     `json:"pattern_signature"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedLevel    string     `json:"resolved_level,omitempty"`  // L1/L2/L3
	ResolvedAction   string     `json:"resolved_action,omitempty"`
	ResolvedOutcome  string     `json:"resolved_outcome,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	HumanFeedback    string     `json:"human_feedback,omitempty"`
}

// PatternStats aggregates resolution history per pattern signature.
type PatternStats struct {
	PatternSignature  string    `json:"pattern_signature"`
	Occurrences       int       `json:"occurrences"`
	L1Resolutions     int       `json:"l1_resolutions"`
	L2Resolutions     int       `json:"l2_resolutions"`
	L3Escalations     int       `json:"l3_escalations"`
	Successes         int       `json:"successes"`
	Failures          int       `json:"failures"`
	TotalResolutionS  float64   `json:"total_resolution_seconds"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	PromotionEligible bool      `json:"promotion_eligible"`
	Promoted          bool      `json:"promoted"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SuccessRate is successes over all terminal resolutions.
func (p *PatternStats) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// AvgResolutionSeconds is mean time to resolution for this pattern.
func (p *PatternStats) AvgResolutionSeconds() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return p.TotalResolutionS / float64(total)
}

// FlapSuppression records that L1 remediation is disabled for a key
// pending human review.
type FlapSuppression struct {
	SiteID       string     `json:"site_id"`
	HostID       string     `json:"host_id"`
	IncidentType string     `json:"incident_type"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
	ClearedBy    string     `json:"cleared_by,omitempty"`
}

// L2Decision is a persisted LLM-planner decision for the learning loop.
type L2Decision struct {
	ID               string    `json:"id"`
	IncidentID       string    `json:"incident_id"`
	RunbookID        string    `json:"runbook_id"`
	Reasoning        string    `json:"reasoning"`
	Confidence       float64   `json:"confidence"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	LatencyMs        int64     `json:"latency_ms"`
	PatternSignature string    `json:"pattern_signature"`
	CreatedAt        time.Time `json:"created_at"`
}

// EvidenceRow is a chained evidence bundle as stored.
type EvidenceRow struct {
	ID            string    `json:"id"`
	SiteID        string    `json:"site_id"`
	Source        string    `json:"source"`
	Reference     string    `json:"reference"`
	Outcome       string    `json:"outcome"`
	Details       string    `json:"details"`        // canonical JSON
	FrameworkTags string    `json:"framework_tags"` // JSON map
	Signature     string    `json:"signature"`      // hex Ed25519
	BundleHash    string    `json:"bundle_hash"`    // hex SHA-256
	ChainPosition int64     `json:"chain_position"`
	ChainHash     string    `json:"chain_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// UploadRecord is per-bundle replication state.
type UploadRecord struct {
	BundleID      string     `json:"bundle_id"`
	Destinations  []string   `json:"destinations"`
	UploadedAt    *time.Time `json:"uploaded_at,omitempty"`
	RetentionDays int        `json:"retention_days"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
}
