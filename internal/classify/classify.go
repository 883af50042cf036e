// Package classify maps discovered devices to device types. The medical
// rule runs first and is non-overridable: a device that looks medical is
// excluded from scanning no matter what else it looks like.
package classify

import (
	"fmt"
	"strings"

	"github.com/sentriahealth/appliance/internal/discovery"
	"github.com/sentriahealth/appliance/internal/store"
)

// Result is a classification verdict. Confidence is advisory.
type Result struct {
	DeviceType string  `json:"device_type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	IsMedical  bool    `json:"is_medical"`
}

// DICOM/HL7 and related ports. 104 and 11112 are DICOM primaries, 2761/2762
// the TLS variants, 2575 HL7 MLLP, 4242 a common DICOM alternative, 8042
// the Orthanc web port.
var medicalPorts = map[int]bool{
	104: true, 2575: true, 2761: true, 2762: true,
	4242: true, 8042: true, 11112: true,
}

var medicalServiceSubstrings = []string{"dicom", "hl7", "fhir", "pacs"}

var medicalHostnamePatterns = []string{
	"modality", "pacs", "dicom", "xray", "ct-", "mri-", "ultrasound",
	"ventilator", "ecg", "ekg", "infusion", "monitor-",
	"philips", "ge-healthcare", "siemens",
}

var medicalVendorSubstrings = []string{
	"philips", "ge healthcare", "ge medical", "siemens", "draeger", "hologic",
}

var dcPorts = []int{88, 389, 636, 3268, 3269}

var serverPorts = map[int]bool{
	22: true, 25: true, 53: true, 80: true, 135: true, 139: true,
	443: true, 445: true, 902: true, 1433: true, 1521: true, 3306: true,
	5432: true, 5985: true, 5986: true, 6379: true, 8080: true, 27017: true,
}

var serverHostnamePatterns = []string{"srv", "server", "dc-", "sql", "db-", "app-", "web-", "mail"}

var networkServiceSubstrings = []string{"cisco", "juniper", "fortinet", "ubiquiti", "mikrotik", "aruba"}

var networkHostnamePatterns = []string{"switch", "router", "fw-", "firewall", "ap-", "wap"}

var printerPorts = map[int]bool{515: true, 631: true, 9100: true}

var printerHostnamePatterns = []string{"print", "prn", "mfp", "copier"}

var workstationHostnamePatterns = []string{"ws-", "wks", "desktop", "laptop", "pc-"}

// Classify evaluates the rule chain in priority order and returns the
// first match.
func Classify(d *discovery.DiscoveredDevice) Result {
	hostname := strings.ToLower(d.Hostname)
	osLower := strings.ToLower(d.OSName)
	vendor := strings.ToLower(d.Vendor)

	if r, ok := classifyMedical(d, hostname, vendor); ok {
		return r
	}

	if n := countPorts(d, dcPorts); n >= 3 {
		return Result{
			DeviceType: store.TypeServer,
			Confidence: 0.95,
			Reason:     fmt.Sprintf("domain controller: %d directory ports open", n),
		}
	}

	serverPortCount := 0
	for _, p := range d.OpenPorts {
		if serverPorts[p] {
			serverPortCount++
		}
	}
	serverHost := matchesAny(hostname, serverHostnamePatterns)
	switch {
	case serverPortCount >= 4:
		return Result{
			DeviceType: store.TypeServer,
			Confidence: 0.85,
			Reason:     fmt.Sprintf("%d server ports open", serverPortCount),
		}
	case strings.Contains(osLower, "server"):
		return Result{
			DeviceType: store.TypeServer,
			Confidence: 0.9,
			Reason:     "server operating system: " + d.OSName,
		}
	case serverHost && serverPortCount >= 2:
		return Result{
			DeviceType: store.TypeServer,
			Confidence: 0.7,
			Reason:     "server hostname with server ports",
		}
	}

	if r, ok := classifyNetwork(d, hostname); ok {
		return r
	}

	if r, ok := classifyPrinter(d, hostname); ok {
		return r
	}

	if r, ok := classifyWorkstation(d, hostname, osLower, serverPortCount); ok {
		return r
	}

	return Result{
		DeviceType: store.TypeUnknown,
		Confidence: 0.2,
		Reason:     "no classification rule matched",
	}
}

func classifyMedical(d *discovery.DiscoveredDevice, hostname, vendor string) (Result, bool) {
	for _, p := range d.OpenPorts {
		if medicalPorts[p] {
			return medicalResult(fmt.Sprintf("medical protocol port %d open", p)), true
		}
	}
	for _, svc := range d.Services {
		svcLower := strings.ToLower(svc)
		for _, sub := range medicalServiceSubstrings {
			if strings.Contains(svcLower, sub) {
				return medicalResult("medical service: " + svc), true
			}
		}
	}
	for _, pat := range medicalHostnamePatterns {
		if strings.Contains(hostname, pat) {
			return medicalResult("medical hostname pattern: " + pat), true
		}
	}
	for _, sub := range medicalVendorSubstrings {
		if strings.Contains(vendor, sub) {
			return medicalResult("medical manufacturer: " + d.Vendor), true
		}
	}
	return Result{}, false
}

func medicalResult(reason string) Result {
	return Result{
		DeviceType: store.TypeMedical,
		Confidence: 0.95,
		Reason:     reason,
		IsMedical:  true,
	}
}

func classifyNetwork(d *discovery.DiscoveredDevice, hostname string) (Result, bool) {
	hasSNMP := d.HasPort(161) || d.HasPort(162)
	hasMgmt := d.HasPort(22) || d.HasPort(23) || d.HasPort(443)
	if hasSNMP && hasMgmt {
		return Result{
			DeviceType: store.TypeNetwork,
			Confidence: 0.8,
			Reason:     "SNMP with management port",
		}, true
	}
	for _, svc := range d.Services {
		svcLower := strings.ToLower(svc)
		for _, sub := range networkServiceSubstrings {
			if strings.Contains(svcLower, sub) {
				return Result{
					DeviceType: store.TypeNetwork,
					Confidence: 0.75,
					Reason:     "network vendor service: " + svc,
				}, true
			}
		}
	}
	if matchesAny(hostname, networkHostnamePatterns) {
		return Result{
			DeviceType: store.TypeNetwork,
			Confidence: 0.6,
			Reason:     "network device hostname",
		}, true
	}
	return Result{}, false
}

func classifyPrinter(d *discovery.DiscoveredDevice, hostname string) (Result, bool) {
	for _, p := range d.OpenPorts {
		if printerPorts[p] {
			return Result{
				DeviceType: store.TypePrinter,
				Confidence: 0.85,
				Reason:     fmt.Sprintf("printing port %d open", p),
			}, true
		}
	}
	if matchesAny(hostname, printerHostnamePatterns) {
		return Result{
			DeviceType: store.TypePrinter,
			Confidence: 0.6,
			Reason:     "printer hostname pattern",
		}, true
	}
	return Result{}, false
}

func classifyWorkstation(d *discovery.DiscoveredDevice, hostname, osLower string, serverPortCount int) (Result, bool) {
	if d.HasPort(3389) && serverPortCount < 2 {
		return Result{
			DeviceType: store.TypeWorkstation,
			Confidence: 0.7,
			Reason:     "RDP without server indicators",
		}, true
	}
	for _, pat := range []string{"windows 10", "windows 11", "macos", "professional", "enterprise"} {
		if strings.Contains(osLower, pat) {
			return Result{
				DeviceType: store.TypeWorkstation,
				Confidence: 0.85,
				Reason:     "workstation operating system: " + pat,
			}, true
		}
	}
	if matchesAny(hostname, workstationHostnamePatterns) {
		return Result{
			DeviceType: store.TypeWorkstation,
			Confidence: 0.6,
			Reason:     "workstation hostname pattern",
		}, true
	}
	return Result{}, false
}

func countPorts(d *discovery.DiscoveredDevice, ports []int) int {
	n := 0
	for _, p := range ports {
		if d.HasPort(p) {
			n++
		}
	}
	return n
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
