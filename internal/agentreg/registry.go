// Package agentreg tracks endpoint agents that report over HTTP check-ins.
// Agents are identified by a stable agent_id and indexed by hostname so the
// discovery pipeline can ask "is there an agent on this host" without
// caring about check-in cadence.
package agentreg

import (
	"strings"
	"sync"
	"time"
)

// Agent is the last-known state of a reporting endpoint agent.
type Agent struct {
	AgentID       string                 `json:"agent_id"`
	Hostname      string                 `json:"hostname"`
	IPAddress     string                 `json:"ip_address"`
	OSName        string                 `json:"os_name,omitempty"`
	OSVersion     string                 `json:"os_version,omitempty"`
	AgentVersion  string                 `json:"agent_version,omitempty"`
	Inventory     map[string]interface{} `json:"inventory,omitempty"`
	FirstCheckin  time.Time              `json:"first_checkin"`
	LastCheckin   time.Time              `json:"last_checkin"`
	CheckinCount  int64                  `json:"checkin_count"`
	hostnameLower string
}

// Registry is an in-memory agent registry with a staleness TTL. Agents
// that stop checking in age out; the inventory store keeps the durable
// device record, this registry only answers liveness questions.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent // agent_id -> state
	hostIdx  map[string]string // hostname_lower -> agent_id
	ttl      time.Duration
	now      func() time.Time
}

// New creates a registry. Agents silent for longer than ttl are treated
// as stale; a zero ttl defaults to 15 minutes (three missed 5-minute
// check-in intervals).
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{
		agents:  make(map[string]*Agent),
		hostIdx: make(map[string]string),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Checkin records a check-in, creating the agent on first contact.
// Returns the updated state.
func (r *Registry) Checkin(a *Agent) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.agents[a.AgentID]
	if !ok {
		a.FirstCheckin = now
		a.LastCheckin = now
		a.CheckinCount = 1
		a.hostnameLower = strings.ToLower(a.Hostname)
		r.agents[a.AgentID] = a
		r.hostIdx[a.hostnameLower] = a.AgentID
		return a
	}

	// Hostname changes (re-image, rename) move the index entry.
	newLower := strings.ToLower(a.Hostname)
	if newLower != existing.hostnameLower {
		delete(r.hostIdx, existing.hostnameLower)
		r.hostIdx[newLower] = a.AgentID
	}

	existing.Hostname = a.Hostname
	existing.hostnameLower = newLower
	existing.IPAddress = a.IPAddress
	if a.OSName != "" {
		existing.OSName = a.OSName
	}
	if a.OSVersion != "" {
		existing.OSVersion = a.OSVersion
	}
	if a.AgentVersion != "" {
		existing.AgentVersion = a.AgentVersion
	}
	if a.Inventory != nil {
		existing.Inventory = a.Inventory
	}
	existing.LastCheckin = now
	existing.CheckinCount++
	return existing
}

// Get returns an agent by id, or nil.
func (r *Registry) Get(agentID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// GetByHostname returns an agent by hostname (case-insensitive), or nil.
func (r *Registry) GetByHostname(hostname string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.hostIdx[strings.ToLower(hostname)]
	if !ok {
		return nil
	}
	return r.agents[id]
}

// HasAgentForHost reports whether a live (non-stale) agent covers the host.
func (r *Registry) HasAgentForHost(hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.hostIdx[strings.ToLower(hostname)]
	if !ok {
		return false
	}
	a := r.agents[id]
	return a != nil && r.now().Sub(a.LastCheckin) <= r.ttl
}

// ListActive returns a snapshot of agents that checked in within the TTL.
func (r *Registry) ListActive() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-r.ttl)
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if !a.LastCheckin.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// ActiveCount returns the number of non-stale agents.
func (r *Registry) ActiveCount() int {
	return len(r.ListActive())
}

// CleanupStale drops agents silent for more than twice the TTL and
// returns how many were removed. The doubled window keeps briefly
// offline hosts (reboots, patch cycles) findable by hostname.
func (r *Registry) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-2 * r.ttl)
	removed := 0
	for id, a := range r.agents {
		if a.LastCheckin.Before(cutoff) {
			delete(r.hostIdx, a.hostnameLower)
			delete(r.agents, id)
			removed++
		}
	}
	return removed
}
