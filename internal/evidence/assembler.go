package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentriahealth/appliance/internal/runbook"
	"github.com/sentriahealth/appliance/internal/store"
)

// Bundle is the evidence record for one runbook execution. Its
// canonical JSON form is what gets hashed, signed, chained, and
// replicated.
type Bundle struct {
	BundleID   string           `json:"bundle_id"`
	SiteID     string           `json:"site_id"`
	Source     string           `json:"source"`
	IncidentID string           `json:"incident_id"`
	Incident   IncidentMeta     `json:"incident"`
	Runbook    RunbookMeta      `json:"runbook"`
	Execution  ExecutionMeta    `json:"execution"`
	Steps      []runbook.ActionStep `json:"steps"`
	CreatedAt  string           `json:"created_at"`
	PublicKey  string           `json:"public_key"`
}

// IncidentMeta carries the incident fields worth auditing.
type IncidentMeta struct {
	IncidentType     string `json:"incident_type"`
	Severity         string `json:"severity"`
	HostID           string `json:"host_id"`
	PatternSignature string `json:"pattern_signature"`
}

// RunbookMeta identifies exactly which procedure ran.
type RunbookMeta struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// ExecutionMeta summarizes the run.
type ExecutionMeta struct {
	Operator         string  `json:"operator"`
	Host             string  `json:"host"`
	StartedAt        string  `json:"started_at"`
	CompletedAt      string  `json:"completed_at"`
	MTTRSeconds      float64 `json:"mttr_seconds"`
	SLAMet           bool    `json:"sla_met"`
	ResolutionStatus string  `json:"resolution_status"`
	StepsExecuted    int     `json:"steps_executed"`
	StepsTotal       int     `json:"steps_total"`
	RollbackRan      bool    `json:"rollback_ran"`
}

// frameworkTags maps incident families to the compliance controls their
// evidence supports.
var frameworkTags = map[string]string{
	"firewall":   "hipaa:164.312(c)(1)",
	"defender":   "hipaa:164.308(a)(5)",
	"antivirus":  "hipaa:164.308(a)(5)",
	"update":     "hipaa:164.308(a)(5)(ii)(B)",
	"patch":      "hipaa:164.308(a)(5)(ii)(B)",
	"audit":      "hipaa:164.312(b)",
	"logging":    "hipaa:164.312(b)",
	"backup":     "hipaa:164.308(a)(7)",
	"encryption": "hipaa:164.312(a)(2)(iv)",
	"admin":      "hipaa:164.308(a)(3)",
	"access":     "hipaa:164.312(a)(1)",
}

// Assembler turns run results into signed, chained, on-disk bundles.
type Assembler struct {
	store        *store.Store
	siteID       string
	evidenceDir  string
	signingKey   ed25519.PrivateKey
	publicKeyHex string
	operator     string
	now          func() time.Time
}

// NewAssembler wires evidence assembly. operator identifies the signing
// principal in each bundle, normally the appliance id.
func NewAssembler(st *store.Store, siteID, evidenceDir, operator string, key ed25519.PrivateKey, pubHex string) *Assembler {
	if operator == "" {
		operator = "appliance"
	}
	return &Assembler{
		store:        st,
		siteID:       siteID,
		evidenceDir:  evidenceDir,
		signingKey:   key,
		publicKeyHex: pubHex,
		operator:     operator,
		now:          time.Now,
	}
}

// PublicKeyHex returns the advertised verification key.
func (a *Assembler) PublicKeyHex() string { return a.publicKeyHex }

// RecordRun assembles, signs, chains, and persists one bundle. It
// satisfies the healing engine's evidence sink.
func (a *Assembler) RecordRun(incident *store.Incident, rr *runbook.RunResult) error {
	bundle := &Bundle{
		BundleID:   uuid.NewString(),
		SiteID:     a.siteID,
		Source:     "runbook_execution",
		IncidentID: incident.ID,
		Incident: IncidentMeta{
			IncidentType:     incident.IncidentType,
			Severity:         incident.Severity,
			HostID:           incident.HostID,
			PatternSignature: incident.PatternSignature,
		},
		Runbook: RunbookMeta{
			ID:      rr.RunbookID,
			Version: rr.RunbookVersion,
			Hash:    rr.DefinitionHash,
		},
		Execution: ExecutionMeta{
			Operator:         a.operator,
			Host:             rr.Host,
			StartedAt:        rr.StartedAt.UTC().Format(time.RFC3339),
			CompletedAt:      rr.CompletedAt.UTC().Format(time.RFC3339),
			MTTRSeconds:      rr.MTTRSeconds,
			SLAMet:           rr.SLAMet,
			ResolutionStatus: rr.ResolutionStatus,
			StepsExecuted:    rr.StepsExecuted,
			StepsTotal:       rr.StepsTotal,
			RollbackRan:      rr.RollbackRan,
		},
		Steps:     rr.Steps,
		CreatedAt: a.now().UTC().Format(time.RFC3339),
		PublicKey: a.publicKeyHex,
	}

	canonical, err := CanonicalJSON(bundle)
	if err != nil {
		return fmt.Errorf("canonicalize bundle: %w", err)
	}
	sum := sha256.Sum256(canonical)
	bundleHash := hex.EncodeToString(sum[:])
	signature := Sign(a.signingKey, canonical)

	row := &store.EvidenceRow{
		ID:            bundle.BundleID,
		SiteID:        a.siteID,
		Source:        bundle.Source,
		Reference:     incident.ID,
		Outcome:       rr.ResolutionStatus,
		Details:       string(canonical),
		FrameworkTags: tagsFor(incident.IncidentType),
		Signature:     signature,
		BundleHash:    bundleHash,
	}
	if err := a.store.AppendEvidence(row); err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}

	if err := a.writeToDisk(bundle.BundleID, canonical, signature); err != nil {
		// The chained row is authoritative; a disk write failure only
		// degrades replication until the next attempt.
		log.Printf("[evidence] Write bundle %s to disk: %v", bundle.BundleID, err)
	}

	log.Printf("[evidence] Bundle %s chained at position %d (%s)",
		bundle.BundleID, row.ChainPosition, rr.ResolutionStatus)
	return nil
}

// writeToDisk persists <evidence_dir>/<bundle_id>/bundle.json and
// bundle.sig for the replicator.
func (a *Assembler) writeToDisk(bundleID string, canonical []byte, signature string) error {
	dir := filepath.Join(a.evidenceDir, bundleID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), canonical, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "bundle.sig"), []byte(signature), 0o600)
}

// tagsFor returns comma-joined framework tags for an incident type.
func tagsFor(incidentType string) string {
	t := strings.ToLower(incidentType)
	var tags []string
	for marker, tag := range frameworkTags {
		if strings.Contains(t, marker) {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return "hipaa:164.308(a)(1)"
	}
	sort.Strings(tags)
	return strings.Join(tags, ",")
}
