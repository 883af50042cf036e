// Package compliance evaluates the fixed check catalog against scannable
// devices and records results through the inventory store.
package compliance

import (
	"encoding/json"
	"fmt"

	"github.com/sentriahealth/appliance/internal/store"
)

// Check is one pure compliance check over a device and its observed ports.
type Check struct {
	Type       string
	ControlRef string
	Evaluate   func(d *store.Device, ports map[int]bool) (outcome string, details map[string]interface{})
}

// Database ports that must never face the clinic network from anything
// but a server.
var databasePorts = []int{1433, 1521, 3306, 5432, 6379, 27017}

var prohibitedPorts = []int{21, 23, 69, 512, 513, 514}

// Catalog is the ordered check catalog. Order is stable so result
// histories line up across scans.
var Catalog = []Check{
	{
		Type:       "prohibited_ports",
		ControlRef: "access_control",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			var open []int
			for _, p := range prohibitedPorts {
				if ports[p] {
					open = append(open, p)
				}
			}
			if len(open) > 0 {
				return store.OutcomeFail, map[string]interface{}{
					"open_ports": open,
					"message":    "plaintext legacy services exposed",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "encrypted_web",
		ControlRef: "transmission_security",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			switch {
			case ports[80] && !ports[443]:
				return store.OutcomeFail, map[string]interface{}{
					"message": "HTTP exposed without HTTPS",
				}
			case ports[80] && ports[443]:
				return store.OutcomeWarn, map[string]interface{}{
					"message": "HTTP still open alongside HTTPS",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "tls_alt_web",
		ControlRef: "encryption_in_transit",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			if ports[8080] && !ports[8443] {
				return store.OutcomeWarn, map[string]interface{}{
					"message": "alternate web port without TLS counterpart",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "database_exposure",
		ControlRef: "access_control",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			if d.DeviceType == store.TypeServer {
				return store.OutcomePass, nil
			}
			var open []int
			for _, p := range databasePorts {
				if ports[p] {
					open = append(open, p)
				}
			}
			if len(open) > 0 {
				return store.OutcomeFail, map[string]interface{}{
					"open_ports":  open,
					"device_type": d.DeviceType,
					"message":     "database ports on non-server device",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "snmp_security",
		ControlRef: "authentication",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			if ports[161] || ports[162] {
				// v1/v2c and v3 share the port; flag for review either way.
				return store.OutcomeWarn, map[string]interface{}{
					"message": "SNMP exposed, version unverifiable by port",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "rdp_exposure",
		ControlRef: "access_control",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			if ports[3389] && d.DeviceType != store.TypeWorkstation {
				return store.OutcomeWarn, map[string]interface{}{
					"device_type": d.DeviceType,
					"message":     "RDP open on non-workstation device",
				}
			}
			return store.OutcomePass, nil
		},
	},
	{
		Type:       "inventory",
		ControlRef: "asset_inventory",
		Evaluate: func(d *store.Device, ports map[int]bool) (string, map[string]interface{}) {
			if len(ports) == 0 {
				return store.OutcomeWarn, map[string]interface{}{
					"message": "no ports recorded for device",
				}
			}
			return store.OutcomePass, nil
		},
	},
}

// Evaluate runs the whole catalog against a device and returns one result
// per check.
func Evaluate(d *store.Device, ports []store.DevicePort) []store.ComplianceResult {
	portSet := make(map[int]bool, len(ports))
	for _, p := range ports {
		portSet[p.Port] = true
	}

	results := make([]store.ComplianceResult, 0, len(Catalog))
	for _, check := range Catalog {
		outcome, details := check.Evaluate(d, portSet)
		detailJSON := "{}"
		if details != nil {
			if b, err := json.Marshal(details); err == nil {
				detailJSON = string(b)
			}
		}
		results = append(results, store.ComplianceResult{
			DeviceID:   d.ID,
			CheckType:  check.Type,
			ControlRef: check.ControlRef,
			Outcome:    outcome,
			Details:    detailJSON,
		})
	}
	return results
}

// Worst returns the most severe outcome in a result set.
func Worst(results []store.ComplianceResult) string {
	worst := store.OutcomePass
	for _, r := range results {
		if r.Outcome == store.OutcomeFail {
			return store.OutcomeFail
		}
		if r.Outcome == store.OutcomeWarn {
			worst = store.OutcomeWarn
		}
	}
	return worst
}

// DriftIncidentData builds the raw incident payload for a failed check,
// shaped the way the healing engine's pattern signature expects.
func DriftIncidentData(d *store.Device, r store.ComplianceResult) map[string]interface{} {
	var details map[string]interface{}
	json.Unmarshal([]byte(r.Details), &details)

	data := map[string]interface{}{
		"check_type":     r.CheckType,
		"control_ref":    r.ControlRef,
		"outcome":        r.Outcome,
		"device_type":    d.DeviceType,
		"drift_detected": true,
	}
	if msg, ok := details["message"].(string); ok {
		data["error"] = msg
	}
	if open, ok := details["open_ports"]; ok {
		data["actual"] = fmt.Sprintf("%v", open)
		data["expected"] = "closed"
	}
	return data
}
