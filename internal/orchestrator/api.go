package orchestrator

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentriahealth/appliance/internal/agentreg"
	"github.com/sentriahealth/appliance/internal/store"
)

// Router builds the HTTP surface.
func (o *Orchestrator) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/scans/trigger", o.handleTriggerScan)
		r.Get("/scans/status", o.handleScanStatus)
		r.Get("/devices", o.handleListDevices)
		r.Get("/devices/{id}", o.handleGetDevice)
		r.Put("/devices/{id}/policy", o.handleUpdatePolicy)
		r.Get("/health", o.handleHealth)
	})
	r.Post("/agent/checkin", o.handleAgentCheckin)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store failures to stable status codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvariant):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func (o *Orchestrator) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanType string `json:"scan_type"`
	}
	if r.Body != nil {
		// An empty body means a default full scan.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ScanType == "" {
		req.ScanType = "full"
	}

	scanID, err := o.TriggerScan(req.ScanType)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": scanID,
		"status":  "running",
	})
}

func (o *Orchestrator) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	scans, err := o.store.LatestScans(10)
	if err != nil {
		storeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"latest":  nil,
		"history": scans,
	}
	if len(scans) > 0 {
		resp["latest"] = scans[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (o *Orchestrator) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	devices, total, err := o.store.ListDevices(store.DeviceFilter{
		Type:   q.Get("type"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

func (o *Orchestrator) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := o.store.GetDeviceByID(id)
	if err != nil {
		storeError(w, err)
		return
	}

	ports, err := o.store.ListPorts(id)
	if err != nil {
		storeError(w, err)
		return
	}
	history, err := o.store.ListComplianceHistory(id, 50)
	if err != nil {
		storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":             device,
		"ports":              ports,
		"compliance_history": history,
	})
}

func (o *Orchestrator) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanPolicy      string `json:"scan_policy"`
		ManuallyOptedIn *bool  `json:"manually_opted_in"`
		PHIAccessFlag   *bool  `json:"phi_access_flag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ScanPolicy == "" && req.ManuallyOptedIn == nil && req.PHIAccessFlag == nil {
		writeError(w, http.StatusBadRequest, "no policy fields supplied")
		return
	}

	device, err := o.store.UpdatePolicy(chi.URLParam(r, "id"), store.PolicyUpdate{
		ScanPolicy:      req.ScanPolicy,
		ManuallyOptedIn: req.ManuallyOptedIn,
		PHIAccessFlag:   req.PHIAccessFlag,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device": device})
}

func (o *Orchestrator) handleAgentCheckin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string                 `json:"agent_id"`
		Hostname     string                 `json:"hostname"`
		IPAddress    string                 `json:"ip_address"`
		OSName       string                 `json:"os_name"`
		OSVersion    string                 `json:"os_version"`
		AgentVersion string                 `json:"agent_version"`
		Inventory    map[string]interface{} `json:"inventory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "agent_id and hostname are required")
		return
	}

	agent := o.agents.Checkin(&agentreg.Agent{
		AgentID:      req.AgentID,
		Hostname:     req.Hostname,
		IPAddress:    req.IPAddress,
		OSName:       req.OSName,
		OSVersion:    req.OSVersion,
		AgentVersion: req.AgentVersion,
		Inventory:    req.Inventory,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"checkin_count": agent.CheckinCount,
	})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := o.store.CountDevices()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	o.scanMu.Lock()
	scanRunning := o.running
	o.scanMu.Unlock()

	resp := map[string]interface{}{
		"status":        "ok",
		"site_id":       o.cfg.SiteID,
		"scan_running":  scanRunning,
		"devices":       counts,
		"active_agents": 0,
	}
	if o.agents != nil {
		resp["active_agents"] = o.agents.ActiveCount()
	}
	if head, err := o.store.ChainHead(); err == nil {
		resp["evidence_chain_position"] = head.ChainPosition
	}
	writeJSON(w, http.StatusOK, resp)
}
