// Package healing is the three-tier decision engine: deterministic L1
// rules, the L2 LLM planner, and L3 human escalation, wrapped in flap
// suppression and the safety envelope.
package healing

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGe       = "ge"
	OpLe       = "le"
	OpContains = "contains"
	OpRegex    = "regex"
	OpExists   = "exists"
)

// Condition is one predicate over the incident raw data. Field uses
// dotted-path access into nested maps.
type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// Matches evaluates the condition against data.
func (c *Condition) Matches(data map[string]interface{}) bool {
	actual := fieldValue(data, c.Field)

	if c.Operator == OpExists {
		present := actual != nil
		if want, ok := c.Value.(bool); ok {
			return present == want
		}
		return present
	}

	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNeq:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case OpGt, OpLt, OpGe, OpLe:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		if !aOK || !vOK {
			return false
		}
		switch c.Operator {
		case OpGt:
			return af > vf
		case OpLt:
			return af < vf
		case OpGe:
			return af >= vf
		case OpLe:
			return af <= vf
		}
	}
	return false
}

// Rule is one deterministic L1 rule. All conditions must match. Lower
// priority numbers match first; equal priorities break ties by id.
type Rule struct {
	ID              string                 `yaml:"id" json:"id"`
	Name            string                 `yaml:"name" json:"name"`
	Description     string                 `yaml:"description" json:"description"`
	IncidentTypes   []string               `yaml:"incident_types" json:"incident_types"`
	SeverityFilter  []string               `yaml:"severity_filter" json:"severity_filter"`
	Conditions      []Condition            `yaml:"conditions" json:"conditions"`
	Action          string                 `yaml:"action" json:"action"`
	ActionParams    map[string]interface{} `yaml:"action_params" json:"action_params"`
	Enabled         bool                   `yaml:"-" json:"enabled"`
	EnabledFlag     *bool                  `yaml:"enabled,omitempty" json:"-"`
	Priority        int                    `yaml:"priority" json:"priority"`
	CooldownSeconds int                    `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Source          string                 `yaml:"-" json:"source"`
}

// Matches reports whether the rule applies to this incident.
func (r *Rule) Matches(incidentType, severity string, data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}
	if len(r.IncidentTypes) > 0 && !containsString(r.IncidentTypes, incidentType) {
		return false
	}
	if len(r.SeverityFilter) > 0 && !containsString(r.SeverityFilter, severity) {
		return false
	}
	for _, cond := range r.Conditions {
		if !cond.Matches(data) {
			return false
		}
	}
	return true
}

// RunbookID extracts the runbook id from the action params.
func (r *Rule) RunbookID() string {
	if r.ActionParams == nil {
		return ""
	}
	id, _ := r.ActionParams["runbook_id"].(string)
	return id
}

// RuleSet holds loaded rules in match order plus per (rule, host)
// cooldown state.
type RuleSet struct {
	dir string

	mu        sync.RWMutex
	rules     []*Rule
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewRuleSet loads rules from dir and its promoted/ subdirectory.
func NewRuleSet(dir string) *RuleSet {
	s := &RuleSet{
		dir:       dir,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	if err := s.Load(); err != nil {
		log.Printf("[healing] Initial rule load: %v", err)
	}
	return s
}

// Load reads every rule file. Promoted rules load after site rules so
// a site rule with the same priority keeps winning on id order only.
func (s *RuleSet) Load() error {
	var rules []*Rule
	rules = append(rules, loadRuleDir(s.dir, "site")...)
	rules = append(rules, loadRuleDir(filepath.Join(s.dir, "promoted"), "promoted")...)

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	log.Printf("[healing] Loaded %d L1 rules from %s", len(rules), s.dir)
	return nil
}

// Match returns the first applicable rule whose per-host cooldown has
// elapsed, or nil.
func (s *RuleSet) Match(incidentType, severity, hostID string, data map[string]interface{}) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, rule := range s.rules {
		if !rule.Matches(incidentType, severity, data) {
			continue
		}
		ck := rule.ID + ":" + hostID
		if last, ok := s.cooldowns[ck]; ok {
			elapsed := now.Sub(last).Seconds()
			if elapsed < float64(rule.CooldownSeconds) {
				log.Printf("[healing] Rule %s in cooldown for %s (%.0fs < %ds)",
					rule.ID, hostID, elapsed, rule.CooldownSeconds)
				continue
			}
		}
		return rule
	}
	return nil
}

// SeedCooldown records an execution start for (rule, host).
func (s *RuleSet) SeedCooldown(ruleID, hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[ruleID+":"+hostID] = s.now()
}

// Count returns the number of loaded rules.
func (s *RuleSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// ruleFile is the on-disk shape: either a single rule document or a
// {rules: [...]} list.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

func loadRuleDir(dir, source string) []*Rule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var out []*Rule
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[healing] Read rule file %s: %v", path, err)
			continue
		}

		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err == nil && len(rf.Rules) > 0 {
			for i := range rf.Rules {
				if r := normalizeRule(&rf.Rules[i], source); r != nil {
					out = append(out, r)
				}
			}
			continue
		}

		var single Rule
		if err := yaml.Unmarshal(data, &single); err != nil {
			log.Printf("[healing] Parse rule file %s: %v", path, err)
			continue
		}
		if r := normalizeRule(&single, source); r != nil {
			out = append(out, r)
		}
	}
	return out
}

func normalizeRule(r *Rule, source string) *Rule {
	if r.ID == "" {
		return nil
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Priority == 0 {
		r.Priority = 100
	}
	if r.CooldownSeconds == 0 {
		r.CooldownSeconds = 300
	}
	// Enabled defaults true; only an explicit "enabled: false" disables.
	r.Enabled = r.EnabledFlag == nil || *r.EnabledFlag
	r.Source = source
	cp := *r
	return &cp
}

// --- value helpers ---

func fieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func valuesEqual(a, b interface{}) bool {
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
