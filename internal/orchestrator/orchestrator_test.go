package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentriahealth/appliance/internal/agentreg"
	"github.com/sentriahealth/appliance/internal/config"
	"github.com/sentriahealth/appliance/internal/discovery"
	"github.com/sentriahealth/appliance/internal/store"
)

type fakeMethod struct {
	name    string
	devices []discovery.DiscoveredDevice
}

func (f *fakeMethod) Name() string                        { return f.name }
func (f *fakeMethod) IsAvailable(context.Context) bool    { return true }
func (f *fakeMethod) Discover(context.Context) ([]discovery.DiscoveredDevice, error) {
	return f.devices, nil
}

func newTestOrchestrator(t *testing.T, devices []discovery.DiscoveredDevice) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "appliance.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.SiteID = "site-1"
	cfg.ApplianceID = "appliance-1"

	fabric := discovery.NewFabric(&fakeMethod{name: "test", devices: devices})
	o := New(&cfg, st, fabric, agentreg.New(0), nil, nil, nil, nil)
	return o, st
}

type funcMethod struct {
	name string
	fn   func(context.Context) ([]discovery.DiscoveredDevice, error)
}

func (f *funcMethod) Name() string                     { return f.name }
func (f *funcMethod) IsAvailable(context.Context) bool { return true }
func (f *funcMethod) Discover(ctx context.Context) ([]discovery.DiscoveredDevice, error) {
	return f.fn(ctx)
}

func TestRunScanRecordsRowBeforeDiscovery(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "appliance.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.SiteID = "site-1"

	// Discovery observes the store: the scan row must already be
	// running when the first method executes.
	var sawRunning bool
	method := &funcMethod{name: "neighbor", fn: func(context.Context) ([]discovery.DiscoveredDevice, error) {
		scans, err := st.LatestScans(1)
		if err == nil && len(scans) == 1 && scans[0].Status == "running" {
			sawRunning = true
		}
		return nil, nil
	}}
	o := New(&cfg, st, discovery.NewFabric(method), agentreg.New(0), nil, nil, nil, nil)

	scan, err := o.RunScan(context.Background(), "scheduled", "scheduler")
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if !sawRunning {
		t.Error("scan row was not visible while discovery ran")
	}
	if scan.MethodsUsed != "neighbor" {
		t.Errorf("methods = %q, want neighbor", scan.MethodsUsed)
	}

	latest, err := st.LatestScans(1)
	if err != nil || len(latest) != 1 {
		t.Fatalf("LatestScans: %d, %v", len(latest), err)
	}
	if latest[0].Status != "completed" || latest[0].MethodsUsed != "neighbor" {
		t.Errorf("final row = %+v", latest[0])
	}
}

func TestScanExcludesMedicalOnIngest(t *testing.T) {
	o, st := newTestOrchestrator(t, []discovery.DiscoveredDevice{
		{IPAddress: "10.0.0.20", Hostname: "pacs01", OpenPorts: []int{104, 11112}},
	})

	scan, err := o.RunScan(context.Background(), "full", "test")
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if scan.DevicesFound != 1 || scan.DevicesNew != 1 || scan.MedicalExcluded != 1 {
		t.Errorf("counters = %+v", scan)
	}

	d, err := st.GetDeviceByIP("10.0.0.20")
	if err != nil {
		t.Fatalf("GetDeviceByIP: %v", err)
	}
	if d.DeviceType != store.TypeMedical || d.ScanPolicy != store.PolicyExcluded ||
		d.Status != store.StatusExcluded || d.Compliance != store.ComplianceExcluded {
		t.Errorf("device = %+v", d)
	}

	scannable, err := st.ListDevicesForScanning()
	if err != nil {
		t.Fatalf("ListDevicesForScanning: %v", err)
	}
	if len(scannable) != 0 {
		t.Errorf("medical device is scannable: %v", scannable)
	}
}

func TestRepeatScanPromotesToMonitored(t *testing.T) {
	devices := []discovery.DiscoveredDevice{
		{IPAddress: "10.0.0.31", Hostname: "srv-web", OSName: "linux", OpenPorts: []int{22, 80, 443}},
	}
	o, st := newTestOrchestrator(t, devices)

	if _, err := o.RunScan(context.Background(), "full", "test"); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	d, _ := st.GetDeviceByIP("10.0.0.31")
	if d.Status != store.StatusDiscovered {
		t.Fatalf("status after first scan = %s", d.Status)
	}

	if _, err := o.RunScan(context.Background(), "full", "test"); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	d, _ = st.GetDeviceByIP("10.0.0.31")
	if d.Status != store.StatusMonitored {
		t.Errorf("status after second scan = %s", d.Status)
	}
	if d.DeviceType != store.TypeServer {
		t.Errorf("device type = %s", d.DeviceType)
	}

	history, err := st.ListComplianceHistory(d.ID, 50)
	if err != nil || len(history) == 0 {
		t.Errorf("compliance history = %d, err = %v", len(history), err)
	}
}

func TestAPITriggerAndStatus(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	srv := httptest.NewServer(o.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/scans/trigger", "application/json",
		bytes.NewBufferString(`{"scan_type":"full"}`))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger status = %d", resp.StatusCode)
	}
	var trig struct {
		ScanID string `json:"scan_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&trig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trig.ScanID == "" || trig.Status != "running" {
		t.Errorf("trigger = %+v", trig)
	}

	// The background pipeline terminalizes the scan.
	deadline := time.Now().Add(5 * time.Second)
	for {
		scans, err := st.LatestScans(1)
		if err == nil && len(scans) == 1 && scans[0].Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scan never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	statusResp, err := http.Get(srv.URL + "/api/scans/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer statusResp.Body.Close()
	var status struct {
		Latest *store.Scan `json:"latest"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Latest == nil || status.Latest.ID != trig.ScanID {
		t.Errorf("latest = %+v", status.Latest)
	}
}

func TestAPIDevicesAndPolicy(t *testing.T) {
	o, st := newTestOrchestrator(t, []discovery.DiscoveredDevice{
		{IPAddress: "10.0.0.20", Hostname: "pacs01", OpenPorts: []int{104}},
	})
	if _, err := o.RunScan(context.Background(), "full", "test"); err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	d, _ := st.GetDeviceByIP("10.0.0.20")

	srv := httptest.NewServer(o.Router())
	defer srv.Close()
	client := srv.Client()

	resp, err := client.Get(srv.URL + "/api/devices?type=medical")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list struct {
		Devices []store.Device `json:"devices"`
		Total   int            `json:"total"`
	}
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if list.Total != 1 || len(list.Devices) != 1 {
		t.Errorf("list = %+v", list)
	}

	resp, err = client.Get(srv.URL + "/api/devices/" + d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = client.Get(srv.URL + "/api/devices/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing device status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Un-excluding a medical device without opt-in violates the
	// exclusion invariant and must be rejected with 409.
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/devices/"+d.ID+"/policy",
		bytes.NewBufferString(`{"scan_policy":"standard"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("policy status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Opt-in plus limited policy is the allowed path.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/devices/"+d.ID+"/policy",
		bytes.NewBufferString(`{"scan_policy":"limited","manually_opted_in":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("policy opt-in: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("opt-in status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	d, _ = st.GetDeviceByIP("10.0.0.20")
	if !d.ManuallyOptedIn || d.ScanPolicy != store.PolicyLimited {
		t.Errorf("device after opt-in = %+v", d)
	}
}

func TestAPIAgentCheckinAndHealth(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	srv := httptest.NewServer(o.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agent/checkin", "application/json",
		bytes.NewBufferString(`{"agent_id":"a-1","hostname":"ws-042","ip_address":"10.0.0.50"}`))
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("checkin status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/agent/checkin", "application/json",
		bytes.NewBufferString(`{"hostname":"no-id"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad checkin status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health struct {
		Status       string `json:"status"`
		ActiveAgents int    `json:"active_agents"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.ActiveAgents != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestDeviceSyncPayload(t *testing.T) {
	o, st := newTestOrchestrator(t, []discovery.DiscoveredDevice{
		{IPAddress: "10.0.0.31", Hostname: "srv-web", OSName: "linux", OpenPorts: []int{22, 443}},
	})
	if _, err := o.RunScan(context.Background(), "full", "test"); err != nil {
		t.Fatalf("RunScan: %v", err)
	}

	var got syncPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	syncer := NewDeviceSyncer(st, "appliance-1", "site-1", srv.URL, "key-1")
	if err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got.ApplianceID != "appliance-1" || got.SiteID != "site-1" {
		t.Errorf("payload ids = %s/%s", got.ApplianceID, got.SiteID)
	}
	if len(got.Devices) != 1 || got.TotalDevices != 1 {
		t.Fatalf("payload devices = %d/%d", len(got.Devices), got.TotalDevices)
	}
	if len(got.Devices[0].OpenPorts) != 2 {
		t.Errorf("open ports = %v", got.Devices[0].OpenPorts)
	}

	// A successful sync marks the device clean; the next cycle is a no-op.
	dirty, err := st.ListUnsyncedDevices(10)
	if err != nil || len(dirty) != 0 {
		t.Errorf("unsynced after sync = %d, err = %v", len(dirty), err)
	}
}
