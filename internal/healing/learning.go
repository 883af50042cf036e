package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentriahealth/appliance/internal/store"
)

// Promotion thresholds. A pattern the L2 planner has resolved this
// reliably becomes a deterministic L1 rule.
const (
	promoteMinOccurrences = 5
	promoteMinL2          = 3
	promoteMinSuccessRate = 0.9
	promoteSampleSize     = 20
	promotedRulePriority  = 50
)

// conditionFields are the raw-data keys considered when inferring rule
// conditions from incident samples. Volatile fields (timestamps, ids,
// free-text messages) never become conditions.
var conditionFields = []string{
	"check_type", "service", "expected", "actual", "drift_detected",
}

// Learner promotes recurring L2-resolved patterns into L1 rules.
type Learner struct {
	store       *store.Store
	rules       *RuleSet
	promotedDir string

	minOccurrences int
	minL2          int
	minSuccessRate float64
}

// NewLearner wires the promotion loop. promotedDir is where generated
// rule files land; the rule set reloads after each promotion batch.
func NewLearner(st *store.Store, rules *RuleSet, promotedDir string) *Learner {
	return &Learner{
		store:          st,
		rules:          rules,
		promotedDir:    promotedDir,
		minOccurrences: promoteMinOccurrences,
		minL2:          promoteMinL2,
		minSuccessRate: promoteMinSuccessRate,
	}
}

// SetThresholds overrides the promotion bar. Non-positive values keep
// the defaults.
func (l *Learner) SetThresholds(minOccurrences, minL2 int, minSuccessRate float64) {
	if minOccurrences > 0 {
		l.minOccurrences = minOccurrences
	}
	if minL2 > 0 {
		l.minL2 = minL2
	}
	if minSuccessRate > 0 && minSuccessRate <= 1 {
		l.minSuccessRate = minSuccessRate
	}
}

// Run promotes every eligible pattern and returns the number promoted.
func (l *Learner) Run(ctx context.Context) (int, error) {
	eligible, err := l.store.ListPromotionEligible(l.minOccurrences, l.minL2, l.minSuccessRate)
	if err != nil {
		return 0, fmt.Errorf("list eligible patterns: %w", err)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, stats := range eligible {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}
		if err := l.promote(stats); err != nil {
			log.Printf("[learning] Promote %s: %v", stats.PatternSignature, err)
			continue
		}
		promoted++
	}

	if promoted > 0 {
		if err := l.rules.Load(); err != nil {
			log.Printf("[learning] Reload rules after promotion: %v", err)
		}
	}
	return promoted, nil
}

func (l *Learner) promote(stats *store.PatternStats) error {
	runbookID := strings.TrimPrefix(stats.RecommendedAction, "run_runbook:")
	if runbookID == "" || runbookID == stats.RecommendedAction {
		return fmt.Errorf("no runbook action recorded (%q)", stats.RecommendedAction)
	}

	samples, err := l.store.ListIncidentsBySignature(stats.PatternSignature, promoteSampleSize)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("no incident samples")
	}

	rule := Rule{
		ID:   "promoted-" + stats.PatternSignature,
		Name: "Promoted: " + samples[0].IncidentType,
		Description: fmt.Sprintf(
			"Auto-promoted from %d occurrences, %.0f%% success via L2",
			stats.Occurrences, stats.SuccessRate()*100),
		IncidentTypes:   []string{samples[0].IncidentType},
		Conditions:      inferConditions(samples),
		Action:          "run_runbook",
		ActionParams:    map[string]interface{}{"runbook_id": runbookID},
		Priority:        promotedRulePriority,
		CooldownSeconds: 300,
	}

	if err := os.MkdirAll(l.promotedDir, 0o755); err != nil {
		return fmt.Errorf("create promoted dir: %w", err)
	}
	data, err := yaml.Marshal(ruleFile{Rules: []Rule{rule}})
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	path := filepath.Join(l.promotedDir, rule.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write rule: %w", err)
	}

	if err := l.store.MarkPromoted(stats.PatternSignature); err != nil {
		return fmt.Errorf("mark promoted: %w", err)
	}
	log.Printf("[learning] Promoted pattern %s to L1 rule %s (runbook %s)",
		stats.PatternSignature, rule.ID, runbookID)
	return nil
}

// inferConditions builds eq conditions from fields that hold the same
// scalar value in every sampled incident.
func inferConditions(samples []*store.Incident) []Condition {
	var decoded []map[string]interface{}
	for _, inc := range samples {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(inc.RawData), &m); err != nil {
			continue
		}
		decoded = append(decoded, m)
	}
	if len(decoded) == 0 {
		return nil
	}

	var conds []Condition
	for _, field := range conditionFields {
		first, ok := scalarValue(decoded[0][field])
		if !ok {
			continue
		}
		stable := true
		for _, m := range decoded[1:] {
			v, ok := scalarValue(m[field])
			if !ok || v != first {
				stable = false
				break
			}
		}
		if stable {
			conds = append(conds, Condition{Field: field, Operator: OpEq, Value: decoded[0][field]})
		}
	}
	sort.Slice(conds, func(i, j int) bool { return conds[i].Field < conds[j].Field })
	return conds
}

// scalarValue stringifies scalars for comparison; composites are not
// usable as conditions.
func scalarValue(v interface{}) (string, bool) {
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}:
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}
