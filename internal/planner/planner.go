package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sentriahealth/appliance/internal/redact"
	"github.com/sentriahealth/appliance/internal/runbook"
)

// Request is the incident context handed to the planner.
type Request struct {
	IncidentID       string
	SiteID           string
	HostID           string
	IncidentType     string
	Severity         string
	RawData          map[string]interface{}
	PatternSignature string
	Catalog          []runbook.CatalogEntry
}

// Plan is the parsed planner decision.
type Plan struct {
	RunbookID           string   `json:"runbook_id"`
	Reasoning           string   `json:"reasoning"`
	Confidence          float64  `json:"confidence"`
	Alternatives        []string `json:"alternatives,omitempty"`
	RequiresHumanReview bool     `json:"requires_human_review"`

	Provider  string `json:"-"`
	Model     string `json:"-"`
	LatencyMs int64  `json:"-"`
}

// Planner asks a Provider for a runbook decision.
type Planner struct {
	provider Provider
	scrubber *redact.Scrubber
	guard    *Guardrails
	timeout  time.Duration
}

// New creates a planner. scrubber may be nil when the transports have
// already redacted the raw data.
func New(provider Provider, scrubber *redact.Scrubber, guard *Guardrails, timeout time.Duration) *Planner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if guard == nil {
		guard = NewGuardrails(nil)
	}
	return &Planner{provider: provider, scrubber: scrubber, guard: guard, timeout: timeout}
}

// Guardrails exposes the blacklist checker so the healing engine can
// re-check the chosen runbook's scripts before execution.
func (p *Planner) Guardrails() *Guardrails {
	return p.guard
}

const systemPrompt = `You are a remediation planner for a healthcare compliance appliance.
Given an incident and a catalog of runbooks, choose the single best runbook.
Respond with ONLY a JSON object:
{"runbook_id": "...", "reasoning": "...", "confidence": 0.0-1.0,
 "alternatives": ["..."], "requires_human_review": false}
Set requires_human_review to true whenever you are unsure, the incident
touches a medical device, or no runbook clearly applies.`

// Plan submits the scrubbed incident and parses the decision. Any
// provider or parse failure is an error; callers escalate to L3.
func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	data := req.RawData
	if p.scrubber != nil && data != nil {
		for k, v := range data {
			if str, ok := v.(string); ok {
				if cats := p.scrubber.Categories(str); len(cats) > 0 {
					log.Printf("[planner] PII scrubbed from %s: %v", k, cats)
				}
			}
		}
		data = p.scrubber.Map(data)
	}

	userPrompt, err := buildUserPrompt(req, data)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	content, err := p.provider.Complete(ctx, systemPrompt, userPrompt)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("plan (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	plan, err := parsePlan(content)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	plan.Provider = p.provider.Name()
	plan.Model = p.provider.Model()
	plan.LatencyMs = elapsed.Milliseconds()

	log.Printf("[planner] Decision in %v: runbook=%s confidence=%.2f review=%v",
		elapsed.Round(time.Millisecond), plan.RunbookID, plan.Confidence, plan.RequiresHumanReview)
	return plan, nil
}

func buildUserPrompt(req Request, scrubbed map[string]interface{}) (string, error) {
	payload := map[string]interface{}{
		"incident": map[string]interface{}{
			"id":                req.IncidentID,
			"site_id":           req.SiteID,
			"host_id":           req.HostID,
			"incident_type":     req.IncidentType,
			"severity":          req.Severity,
			"raw_data":          scrubbed,
			"pattern_signature": req.PatternSignature,
		},
		"runbook_catalog": req.Catalog,
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// parsePlan extracts the decision JSON from the completion. Models wrap
// JSON in code fences or prose often enough that we scan for the first
// balanced object.
func parsePlan(content string) (*Plan, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response: %s", truncate(content, 200))
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	if plan.RunbookID == "" && !plan.RequiresHumanReview {
		return nil, fmt.Errorf("decision has no runbook_id")
	}
	if plan.Confidence < 0 {
		plan.Confidence = 0
	}
	if plan.Confidence > 1 {
		plan.Confidence = 1
	}
	return &plan, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
