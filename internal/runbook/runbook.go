// Package runbook loads declarative detect/remediate/verify procedures
// and executes them over the SSH and WinRM transports.
package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Phase is one step of a runbook: a script, its bounds, and (for
// remediate) optional per-OS script variants.
type Phase struct {
	Script         string            `yaml:"script"`
	Scripts        map[string]string `yaml:"scripts,omitempty"` // per-OS variants, key is lowercase OS name
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Retries        int               `yaml:"retries"`
	OutputJSON     bool              `yaml:"output_json"`
}

// ScriptFor returns the script variant for osName, falling back to the
// default script.
func (p *Phase) ScriptFor(osName string) string {
	if len(p.Scripts) > 0 {
		key := strings.ToLower(strings.TrimSpace(osName))
		for variant, script := range p.Scripts {
			if variant == key || (variant != "" && strings.Contains(key, variant)) {
				return script
			}
		}
	}
	return p.Script
}

// Rollback describes what happens when a non-detect phase fails.
type Rollback struct {
	Alert          bool   `yaml:"alert"`
	CreateTicket   bool   `yaml:"create_ticket"`
	Script         string `yaml:"script,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Definition is a loaded runbook.
type Definition struct {
	ID                string    `yaml:"id"`
	Name              string    `yaml:"name"`
	Version           string    `yaml:"version"`
	Description       string    `yaml:"description"`
	Target            string    `yaml:"target"` // "windows" or "posix"
	RequiresPrivilege bool      `yaml:"requires_privilege"`
	SLASeconds        int       `yaml:"sla_seconds"`
	Detect            Phase     `yaml:"detect"`
	Remediate         *Phase    `yaml:"remediate,omitempty"`
	Verify            *Phase    `yaml:"verify,omitempty"`
	Rollback          *Rollback `yaml:"rollback,omitempty"`

	// Hash is the SHA-256 of the definition file, set at load time.
	Hash string `yaml:"-"`
}

// Windows reports whether this runbook targets the Windows transport.
func (d *Definition) Windows() bool {
	return strings.EqualFold(d.Target, "windows")
}

// CatalogEntry is the planner-facing summary of a runbook.
type CatalogEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Target      string `json:"target"`
}

// Library holds runbook definitions loaded from a directory, indexed by
// id. Load may be called again to pick up new or changed files.
type Library struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewLibrary creates a library over dir and performs the initial load.
func NewLibrary(dir string) *Library {
	l := &Library{dir: dir, defs: make(map[string]*Definition)}
	if err := l.Load(); err != nil {
		log.Printf("[runbook] Initial load: %v", err)
	}
	return l
}

// Load reads every *.yaml definition in the directory. Files that fail
// to parse are skipped with a log line; a missing directory is empty,
// not an error.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read runbooks dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[runbook] Read %s: %v", path, err)
			continue
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			log.Printf("[runbook] Parse %s: %v", path, err)
			continue
		}
		if def.ID == "" {
			log.Printf("[runbook] Skipping %s: no id", name)
			continue
		}
		if def.Detect.Script == "" {
			log.Printf("[runbook] Skipping %s: no detect script", def.ID)
			continue
		}
		if def.Target == "" {
			def.Target = "posix"
		}

		sum := sha256.Sum256(data)
		def.Hash = hex.EncodeToString(sum[:])
		defs[def.ID] = &def
	}

	l.mu.Lock()
	l.defs = defs
	l.mu.Unlock()

	log.Printf("[runbook] Loaded %d runbooks from %s", len(defs), l.dir)
	return nil
}

// Get returns the definition for id.
func (l *Library) Get(id string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.defs[id]
	return d, ok
}

// Has reports whether id is a known runbook.
func (l *Library) Has(id string) bool {
	_, ok := l.Get(id)
	return ok
}

// Count returns the number of loaded definitions.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.defs)
}

// Catalog returns planner-facing entries sorted by id.
func (l *Library) Catalog() []CatalogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]CatalogEntry, 0, len(l.defs))
	for _, d := range l.defs {
		entries = append(entries, CatalogEntry{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Target:      d.Target,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
