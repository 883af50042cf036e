package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sentriahealth/appliance/internal/store"
)

// DeviceSyncer replicates unsynced devices to the control plane. Every
// device mutation bumps sync_version and clears the synced flag; each
// cycle drains the dirty set and marks rows synced at the version that
// was uploaded, so a mutation racing the upload stays dirty.
type DeviceSyncer struct {
	store       *store.Store
	applianceID string
	siteID      string
	endpoint    string
	apiKey      string
	batchSize   int
	client      *http.Client
	now         func() time.Time
}

// NewDeviceSyncer wires replication to the control plane.
func NewDeviceSyncer(st *store.Store, applianceID, siteID, centralURL, apiKey string) *DeviceSyncer {
	return &DeviceSyncer{
		store:       st,
		applianceID: applianceID,
		siteID:      siteID,
		endpoint:    strings.TrimRight(centralURL, "/"),
		apiKey:      apiKey,
		batchSize:   200,
		client:      &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
	}
}

// deviceEntry is the control-plane wire shape for one device.
type deviceEntry struct {
	ID                string                   `json:"id"`
	IPAddress         string                   `json:"ip_address"`
	Hostname          string                   `json:"hostname,omitempty"`
	MACAddress        string                   `json:"mac_address,omitempty"`
	OSName            string                   `json:"os_name,omitempty"`
	OSVersion         string                   `json:"os_version,omitempty"`
	DeviceType        string                   `json:"device_type"`
	ScanPolicy        string                   `json:"scan_policy"`
	Status            string                   `json:"status"`
	ComplianceStatus  string                   `json:"compliance_status"`
	MedicalDevice     bool                     `json:"medical_device"`
	ManuallyOptedIn   bool                     `json:"manually_opted_in"`
	PHIAccessFlag     bool                     `json:"phi_access_flag"`
	LastSeen          string                   `json:"last_seen"`
	OpenPorts         []int                    `json:"open_ports"`
	ComplianceDetails []map[string]interface{} `json:"compliance_details"`
}

// syncPayload is the control-plane POST body.
type syncPayload struct {
	ApplianceID      string        `json:"appliance_id"`
	SiteID           string        `json:"site_id"`
	ScanTimestamp    string        `json:"scan_timestamp"`
	Devices          []deviceEntry `json:"devices"`
	TotalDevices     int           `json:"total_devices"`
	MonitoredDevices int           `json:"monitored_devices"`
	ExcludedDevices  int           `json:"excluded_devices"`
	MedicalDevices   int           `json:"medical_devices"`
	ComplianceRate   float64       `json:"compliance_rate"`
}

// Sync uploads one batch of unsynced devices.
func (s *DeviceSyncer) Sync(ctx context.Context) error {
	devices, err := s.store.ListUnsyncedDevices(s.batchSize)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}
	if len(devices) == 0 {
		return nil
	}

	counts, err := s.store.CountDevices()
	if err != nil {
		return fmt.Errorf("count devices: %w", err)
	}

	entries := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, s.buildEntry(d))
	}

	rate := 0.0
	if scored := counts.Compliant + counts.Drifted; scored > 0 {
		rate = float64(counts.Compliant) / float64(scored)
	}

	payload := syncPayload{
		ApplianceID:      s.applianceID,
		SiteID:           s.siteID,
		ScanTimestamp:    s.now().UTC().Format(time.RFC3339),
		Devices:          entries,
		TotalDevices:     counts.Total,
		MonitoredDevices: counts.Monitored,
		ExcludedDevices:  counts.Excluded,
		MedicalDevices:   counts.Medical,
		ComplianceRate:   rate,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sync payload: %w", err)
	}

	url := s.endpoint + "/api/appliances/" + s.applianceID + "/devices"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("device sync: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("device sync returned %d: %s", resp.StatusCode, respBody)
	}

	// Mark at the uploaded version only; racing mutations stay dirty.
	for _, d := range devices {
		if err := s.store.MarkSynced(d.ID, d.SyncVersion); err != nil {
			log.Printf("[sync] Mark %s synced: %v", d.ID, err)
		}
	}
	log.Printf("[sync] Replicated %d devices to %s", len(devices), s.endpoint)
	return nil
}

// buildEntry flattens a device with its ports and latest compliance
// results into the wire shape.
func (s *DeviceSyncer) buildEntry(d *store.Device) deviceEntry {
	e := deviceEntry{
		ID:               d.ID,
		IPAddress:        d.IPAddress,
		Hostname:         d.Hostname,
		MACAddress:       d.MACAddress,
		OSName:           d.OSName,
		OSVersion:        d.OSVersion,
		DeviceType:       d.DeviceType,
		ScanPolicy:       d.ScanPolicy,
		Status:           d.Status,
		ComplianceStatus: d.Compliance,
		MedicalDevice:    d.MedicalDevice,
		ManuallyOptedIn:  d.ManuallyOptedIn,
		PHIAccessFlag:    d.PHIAccessFlag,
		LastSeen:         d.LastSeen.UTC().Format(time.RFC3339),
		OpenPorts:        []int{},
	}

	if ports, err := s.store.ListPorts(d.ID); err == nil {
		for _, p := range ports {
			e.OpenPorts = append(e.OpenPorts, p.Port)
		}
	}
	if history, err := s.store.ListComplianceHistory(d.ID, 20); err == nil {
		for _, r := range history {
			e.ComplianceDetails = append(e.ComplianceDetails, map[string]interface{}{
				"check_type":  r.CheckType,
				"control_ref": r.ControlRef,
				"outcome":     r.Outcome,
				"checked_at":  r.CheckedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return e
}
