package compliance

import (
	"context"
	"fmt"
	"log"

	"github.com/sentriahealth/appliance/internal/store"
)

// Summary aggregates one compliance run.
type Summary struct {
	DevicesChecked int `json:"devices_checked"`
	Passed         int `json:"passed"`
	Warned         int `json:"warned"`
	Failed         int `json:"failed"`
}

// DriftHandler receives each failed check for remediation routing.
type DriftHandler func(ctx context.Context, d *store.Device, r store.ComplianceResult)

// Runner evaluates the catalog against every scannable device.
type Runner struct {
	store   *store.Store
	onDrift DriftHandler
}

// NewRunner creates a runner. onDrift may be nil when healing is disabled.
func NewRunner(s *store.Store, onDrift DriftHandler) *Runner {
	return &Runner{store: s, onDrift: onDrift}
}

// Run checks every scannable device and writes results to the store.
// Devices excluded by policy or medical status never appear here: the
// store's scan listing already filters them.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	devices, err := r.store.ListDevicesForScanning()
	if err != nil {
		return Summary{}, fmt.Errorf("list scannable devices: %w", err)
	}

	var sum Summary
	for _, d := range devices {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		ports, err := r.store.ListPorts(d.ID)
		if err != nil {
			log.Printf("[compliance] Skipping %s: load ports: %v", d.IPAddress, err)
			continue
		}

		results := Evaluate(d, ports)
		if err := r.store.AppendComplianceResults(d.ID, results); err != nil {
			log.Printf("[compliance] Skipping %s: write results: %v", d.IPAddress, err)
			continue
		}

		sum.DevicesChecked++
		switch Worst(results) {
		case store.OutcomeFail:
			sum.Failed++
		case store.OutcomeWarn:
			sum.Warned++
		default:
			sum.Passed++
		}

		if r.onDrift != nil {
			for _, res := range results {
				if res.Outcome == store.OutcomeFail {
					r.onDrift(ctx, d, res)
				}
			}
		}
	}

	log.Printf("[compliance] Checked %d devices: %d passed, %d warned, %d failed",
		sum.DevicesChecked, sum.Passed, sum.Warned, sum.Failed)
	return sum, nil
}
