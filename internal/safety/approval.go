package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action categories.
const (
	CategoryDisruptive     = "disruptive"
	CategoryServiceRestart = "service-restart"
	CategoryConfigChange   = "config-change"
	CategoryAlertOnly      = "alert-only"
)

// ParamWhitelist maps action -> parameter key -> acceptable values.
// An action without an entry is unconstrained. For a listed action,
// unknown parameter keys are rejected; an empty value list accepts any
// value for that key.
type ParamWhitelist map[string]map[string][]string

// Check validates params for action against the whitelist.
func (w ParamWhitelist) Check(action string, params map[string]interface{}) error {
	allowed, ok := w[action]
	if !ok {
		return nil
	}
	for k, v := range params {
		values, ok := allowed[k]
		if !ok {
			return fmt.Errorf("parameter %s not whitelisted for %s", k, action)
		}
		if len(values) == 0 {
			continue
		}
		got := fmt.Sprintf("%v", v)
		found := false
		for _, want := range values {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("parameter %s=%s not an acceptable value for %s", k, got, action)
		}
	}
	return nil
}

// ActionPolicy declares how an action is approved.
type ActionPolicy struct {
	Category                 string
	RequiresApproval         bool
	AutoApproveInMaintenance bool
}

// MaintenanceWindow is a daily site-local window. A zero window never
// matches.
type MaintenanceWindow struct {
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window. Windows may wrap
// midnight (22 to 4).
func (w MaintenanceWindow) Contains(t time.Time) bool {
	if w.StartHour == 0 && w.EndHour == 0 {
		return false
	}
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// ApprovalRequest is a pending human approval with an expiry.
type ApprovalRequest struct {
	ID         string
	SiteID     string
	HostID     string
	Action     string
	Category   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ApprovedAt *time.Time
	ApprovedBy string
}

// ApprovalManager decides whether actions execute immediately, wait for
// approval, or are auto-approved inside the maintenance window.
type ApprovalManager struct {
	policies map[string]ActionPolicy
	window   MaintenanceWindow
	ttl      time.Duration

	mu      sync.Mutex
	pending map[string]*ApprovalRequest
	now     func() time.Time
}

// NewApprovalManager creates a manager. Requests expire after ttl.
func NewApprovalManager(policies map[string]ActionPolicy, window MaintenanceWindow, ttl time.Duration) *ApprovalManager {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	if policies == nil {
		policies = make(map[string]ActionPolicy)
	}
	return &ApprovalManager{
		policies: policies,
		window:   window,
		ttl:      ttl,
		pending:  make(map[string]*ApprovalRequest),
		now:      time.Now,
	}
}

// Decision is the approval outcome for one action.
type Decision struct {
	Approved  bool
	RequestID string // set when a pending request was created
	Reason    string
}

// Evaluate decides whether action may run now. Disruptive actions
// outside the maintenance window create a pending request.
func (m *ApprovalManager) Evaluate(siteID, hostID, action string) Decision {
	policy, ok := m.policies[action]
	if !ok {
		policy = inferPolicy(action)
	}

	if !policy.RequiresApproval && policy.Category != CategoryDisruptive {
		return Decision{Approved: true}
	}

	now := m.now()
	if policy.AutoApproveInMaintenance && m.window.Contains(now) {
		return Decision{Approved: true, Reason: "maintenance window"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req := &ApprovalRequest{
		ID:        uuid.NewString(),
		SiteID:    siteID,
		HostID:    hostID,
		Action:    action,
		Category:  policy.Category,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.pending[req.ID] = req
	return Decision{
		Approved:  false,
		RequestID: req.ID,
		Reason:    fmt.Sprintf("%s action requires approval", policy.Category),
	}
}

// Approve marks a pending request approved. Expired requests cannot be
// approved.
func (m *ApprovalManager) Approve(requestID, approver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[requestID]
	if !ok {
		return fmt.Errorf("no pending request %s", requestID)
	}
	if m.now().After(req.ExpiresAt) {
		delete(m.pending, requestID)
		return fmt.Errorf("request %s expired", requestID)
	}
	now := m.now()
	req.ApprovedAt = &now
	req.ApprovedBy = approver
	return nil
}

// IsApproved reports whether a request has been approved and is still
// valid.
func (m *ApprovalManager) IsApproved(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[requestID]
	if !ok || req.ApprovedAt == nil {
		return false
	}
	return !m.now().After(req.ExpiresAt)
}

// Pending returns unexpired unapproved requests.
func (m *ApprovalManager) Pending() []*ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*ApprovalRequest
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			delete(m.pending, id)
			continue
		}
		if req.ApprovedAt == nil {
			out = append(out, req)
		}
	}
	return out
}

// inferPolicy derives a default policy from the action name when no
// explicit policy is configured.
func inferPolicy(action string) ActionPolicy {
	a := strings.ToLower(action)
	switch {
	case strings.Contains(a, "reboot") || strings.Contains(a, "shutdown") || strings.Contains(a, "restart_host"):
		return ActionPolicy{Category: CategoryDisruptive, RequiresApproval: true, AutoApproveInMaintenance: true}
	case strings.Contains(a, "restart"):
		return ActionPolicy{Category: CategoryServiceRestart, AutoApproveInMaintenance: true}
	case strings.Contains(a, "alert") || strings.Contains(a, "notify"):
		return ActionPolicy{Category: CategoryAlertOnly}
	default:
		return ActionPolicy{Category: CategoryConfigChange}
	}
}
