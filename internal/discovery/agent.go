package discovery

import (
	"context"
	"time"

	"github.com/sentriahealth/appliance/internal/agentreg"
)

// AgentMethod surfaces endpoint agents from the check-in registry as
// discovery observations. Agents self-report, so these records carry OS
// detail the network-side methods cannot see.
type AgentMethod struct {
	registry *agentreg.Registry
}

func NewAgentMethod(registry *agentreg.Registry) *AgentMethod {
	return &AgentMethod{registry: registry}
}

func (a *AgentMethod) Name() string { return "agent" }

func (a *AgentMethod) IsAvailable(ctx context.Context) bool {
	return a.registry != nil && a.registry.ActiveCount() > 0
}

func (a *AgentMethod) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	now := time.Now().UTC()
	agents := a.registry.ListActive()

	devices := make([]DiscoveredDevice, 0, len(agents))
	for _, ag := range agents {
		if ag.IPAddress == "" {
			continue
		}
		devices = append(devices, DiscoveredDevice{
			IPAddress: ag.IPAddress,
			Hostname:  ag.Hostname,
			OSName:    ag.OSName,
			OSVersion: ag.OSVersion,
			Origin:    "agent",
			SeenAt:    now,
		})
	}
	return devices, nil
}
