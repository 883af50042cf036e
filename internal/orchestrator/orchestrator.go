// Package orchestrator owns scheduling and the boundary surface: the
// daily discovery scan, the compliance runner, the learning loop, device
// replication, evidence upload replay, and the HTTP API.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sentriahealth/appliance/internal/agentreg"
	"github.com/sentriahealth/appliance/internal/classify"
	"github.com/sentriahealth/appliance/internal/compliance"
	"github.com/sentriahealth/appliance/internal/config"
	"github.com/sentriahealth/appliance/internal/discovery"
	"github.com/sentriahealth/appliance/internal/evidence"
	"github.com/sentriahealth/appliance/internal/healing"
	"github.com/sentriahealth/appliance/internal/store"
)

// Retention for resolved incidents, swept monthly. Unresolved incidents
// are never pruned.
const incidentRetentionDays = 365

// Orchestrator wires the pipeline together and drives it on schedules.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	fabric     *discovery.Fabric
	agents     *agentreg.Registry
	compliance *compliance.Runner
	healer     *healing.Engine
	learner    *healing.Learner
	replicator *evidence.Replicator
	syncer     *DeviceSyncer

	cron    *cron.Cron
	scanMu  sync.Mutex
	running bool

	wg sync.WaitGroup
}

// New assembles the orchestrator. healer, learner, replicator, and
// syncer may be nil when their subsystems are disabled.
func New(cfg *config.Config, st *store.Store, fabric *discovery.Fabric,
	agents *agentreg.Registry, healer *healing.Engine, learner *healing.Learner,
	replicator *evidence.Replicator, syncer *DeviceSyncer) *Orchestrator {

	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		fabric:     fabric,
		agents:     agents,
		healer:     healer,
		learner:    learner,
		replicator: replicator,
		syncer:     syncer,
		cron:       cron.New(),
	}
	o.compliance = compliance.NewRunner(st, o.onDrift)
	return o
}

// Start registers the schedules and kicks off the cron loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	spec := fmt.Sprintf("%d %d * * *", o.cfg.Schedule.Minute, o.cfg.Schedule.Hour)
	if _, err := o.cron.AddFunc(spec, func() {
		if _, err := o.RunScan(ctx, "scheduled", "scheduler"); err != nil {
			log.Printf("[orchestrator] Scheduled scan: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule daily scan: %w", err)
	}

	if o.learner != nil && o.cfg.Healing.LearningEnabled {
		if _, err := o.cron.AddFunc("@every 6h", func() {
			if n, err := o.learner.Run(ctx); err != nil {
				log.Printf("[orchestrator] Learning loop: %v", err)
			} else if n > 0 {
				log.Printf("[orchestrator] Learning loop promoted %d patterns", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule learning loop: %w", err)
		}
	}

	if o.replicator != nil && o.cfg.WORM.AutoUpload {
		if _, err := o.cron.AddFunc("@every 15m", func() {
			if err := o.replicator.Run(ctx); err != nil {
				log.Printf("[orchestrator] Evidence replication: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule replication: %w", err)
		}
	}

	if o.syncer != nil {
		if _, err := o.cron.AddFunc("@every 10m", func() {
			if err := o.syncer.Sync(ctx); err != nil {
				log.Printf("[orchestrator] Device sync: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule device sync: %w", err)
		}
	}

	// Monthly retention sweep. Resolved incidents past retention go;
	// agents that stopped reporting age out of the registry.
	if _, err := o.cron.AddFunc("0 3 1 * *", func() {
		if n, err := o.store.PruneResolvedIncidents(incidentRetentionDays); err != nil {
			log.Printf("[orchestrator] Retention sweep: %v", err)
		} else if n > 0 {
			log.Printf("[orchestrator] Retention sweep pruned %d incidents", n)
		}
		if o.agents != nil {
			o.agents.CleanupStale()
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}

	o.cron.Start()
	log.Printf("[orchestrator] Schedules active, daily scan at %02d:%02d",
		o.cfg.Schedule.Hour, o.cfg.Schedule.Minute)
	return nil
}

// Stop drains: stops accepting scheduled work, waits for in-flight
// scans, and flushes the upload registry.
func (o *Orchestrator) Stop() {
	stopCtx := o.cron.Stop()
	<-stopCtx.Done()
	o.wg.Wait()
	if o.replicator != nil {
		o.replicator.Flush()
	}
	log.Printf("[orchestrator] Drained")
}

// RunScan executes the full discovery pipeline: scan row first so the
// status endpoint sees it as running, then fabric run, classify, upsert,
// status transitions, compliance, scan bookkeeping. Only one scan runs
// at a time.
func (o *Orchestrator) RunScan(ctx context.Context, scanType, triggeredBy string) (*store.Scan, error) {
	o.scanMu.Lock()
	if o.running {
		o.scanMu.Unlock()
		return nil, fmt.Errorf("a scan is already running")
	}
	o.running = true
	o.scanMu.Unlock()
	o.wg.Add(1)
	defer func() {
		o.scanMu.Lock()
		o.running = false
		o.scanMu.Unlock()
		o.wg.Done()
	}()

	scan, err := o.store.CreateScan(scanType, triggeredBy, "",
		strings.Join(o.cfg.NetworkRanges, ","))
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	devices, methods := o.fabric.Run(ctx)
	scan.MethodsUsed = strings.Join(methods, ",")
	if err := o.store.SetScanMethods(scan.ID, scan.MethodsUsed); err != nil {
		log.Printf("[orchestrator] Record scan methods: %v", err)
	}

	counters := o.ingest(ctx, devices)

	if _, err := o.compliance.Run(ctx); err != nil {
		log.Printf("[orchestrator] Compliance run: %v", err)
	}

	if err := o.store.CompleteScan(scan.ID, counters, ""); err != nil {
		return nil, fmt.Errorf("complete scan: %w", err)
	}
	scan.Status = "completed"
	scan.DevicesFound = counters.DevicesFound
	scan.DevicesNew = counters.DevicesNew
	scan.DevicesChanged = counters.DevicesChanged
	scan.MedicalExcluded = counters.MedicalExcluded

	log.Printf("[orchestrator] Scan %s: %d found, %d new, %d changed, %d medical-excluded",
		scan.ID, counters.DevicesFound, counters.DevicesNew,
		counters.DevicesChanged, counters.MedicalExcluded)
	return scan, nil
}

// onDrift routes a failed compliance check into the healing engine.
func (o *Orchestrator) onDrift(ctx context.Context, d *store.Device, r store.ComplianceResult) {
	if o.healer == nil {
		return
	}
	severity := "medium"
	if r.Outcome == store.OutcomeFail {
		severity = "high"
	}
	data := compliance.DriftIncidentData(d, r)
	data["os_name"] = d.OSName

	res, err := o.healer.Heal(ctx, o.cfg.SiteID, d.IPAddress, r.CheckType, severity, data)
	if err != nil {
		log.Printf("[orchestrator] Heal %s/%s: %v", d.IPAddress, r.CheckType, err)
		return
	}
	log.Printf("[orchestrator] Heal %s/%s: level=%s success=%v",
		d.IPAddress, r.CheckType, res.Level, res.Success)
}

// TriggerScan creates the scan row synchronously so the caller can poll
// its status, then runs the pipeline in the background.
func (o *Orchestrator) TriggerScan(scanType string) (string, error) {
	o.scanMu.Lock()
	busy := o.running
	o.scanMu.Unlock()
	if busy {
		return "", fmt.Errorf("a scan is already running")
	}

	scan, err := o.store.CreateScan(scanType, "api", "", strings.Join(o.cfg.NetworkRanges, ","))
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		o.runTriggered(ctx, scan)
	}()
	return scan.ID, nil
}

// runTriggered performs the pipeline against a pre-created scan row.
func (o *Orchestrator) runTriggered(ctx context.Context, scan *store.Scan) {
	o.scanMu.Lock()
	if o.running {
		o.scanMu.Unlock()
		_ = o.store.CompleteScan(scan.ID, store.ScanCounters{}, "superseded by a concurrent scan")
		return
	}
	o.running = true
	o.scanMu.Unlock()
	defer func() {
		o.scanMu.Lock()
		o.running = false
		o.scanMu.Unlock()
	}()

	devices, methods := o.fabric.Run(ctx)
	if err := o.store.SetScanMethods(scan.ID, strings.Join(methods, ",")); err != nil {
		log.Printf("[orchestrator] Record scan methods: %v", err)
	}
	counters := o.ingest(ctx, devices)
	if _, err := o.compliance.Run(ctx); err != nil {
		log.Printf("[orchestrator] Compliance run: %v", err)
	}
	if err := o.store.CompleteScan(scan.ID, counters, ""); err != nil {
		log.Printf("[orchestrator] Complete scan %s: %v", scan.ID, err)
	}
}

// ingest classifies and upserts a merged device set.
func (o *Orchestrator) ingest(ctx context.Context, devices []discovery.DiscoveredDevice) store.ScanCounters {
	var counters store.ScanCounters
	counters.DevicesFound = len(devices)

	for i := range devices {
		if ctx.Err() != nil {
			break
		}
		dd := &devices[i]
		verdict := classify.Classify(dd)

		dev := &store.Device{
			IPAddress:     dd.IPAddress,
			Hostname:      dd.Hostname,
			MACAddress:    dd.MAC,
			OSName:        dd.OSName,
			OSVersion:     dd.OSVersion,
			Manufacturer:  dd.Vendor,
			DeviceType:    verdict.DeviceType,
			MedicalDevice: verdict.IsMedical,
			Origin:        dd.Origin,
		}
		isNew, isChanged, err := o.store.UpsertDevice(dev)
		if err != nil {
			log.Printf("[orchestrator] Upsert %s: %v", dd.IPAddress, err)
			continue
		}
		if isNew {
			counters.DevicesNew++
		}
		if isChanged {
			counters.DevicesChanged++
		}
		if dev.MedicalDevice && !dev.ManuallyOptedIn {
			counters.MedicalExcluded++
		}

		ports := make([]store.DevicePort, 0, len(dd.OpenPorts))
		for _, p := range dd.OpenPorts {
			ports = append(ports, store.DevicePort{
				Port:        p,
				Protocol:    "tcp",
				ServiceName: dd.Services[p],
			})
		}
		if len(ports) > 0 {
			if err := o.store.UpsertPorts(dev.ID, ports); err != nil {
				log.Printf("[orchestrator] Upsert ports %s: %v", dd.IPAddress, err)
			}
		}

		if !isNew && dev.Status == store.StatusDiscovered && dev.Scannable() {
			if err := o.store.UpdateStatus(dev.ID, store.StatusMonitored); err != nil {
				log.Printf("[orchestrator] Promote %s: %v", dd.IPAddress, err)
			}
		}
	}
	return counters
}
