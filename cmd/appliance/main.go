// Sentria compliance appliance.
//
// One binary per site: discovers the network, classifies devices,
// evaluates compliance, heals drift through the three-tier engine, and
// replicates signed evidence to WORM storage.
//
// Usage:
//
//	appliance --config /etc/sentria/appliance.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentriahealth/appliance/internal/agentreg"
	"github.com/sentriahealth/appliance/internal/config"
	"github.com/sentriahealth/appliance/internal/discovery"
	"github.com/sentriahealth/appliance/internal/evidence"
	"github.com/sentriahealth/appliance/internal/healing"
	"github.com/sentriahealth/appliance/internal/orchestrator"
	"github.com/sentriahealth/appliance/internal/planner"
	"github.com/sentriahealth/appliance/internal/redact"
	"github.com/sentriahealth/appliance/internal/runbook"
	"github.com/sentriahealth/appliance/internal/safety"
	"github.com/sentriahealth/appliance/internal/sdnotify"
	"github.com/sentriahealth/appliance/internal/sshexec"
	"github.com/sentriahealth/appliance/internal/store"
	"github.com/sentriahealth/appliance/internal/winrm"
)

const version = "1.2.0"

var (
	flagConfig  = flag.String("config", "/etc/sentria/appliance.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("appliance %s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(); err != nil {
		log.Fatalf("appliance: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials(cfg.Paths.Credentials)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Paths.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	key, pubHex, err := evidence.LoadOrCreateSigningKey(cfg.SigningKeyPath())
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	log.Printf("[appliance] Site %s, public key %s", cfg.SiteID, pubHex)

	scrubber := redact.NewScrubber()

	// Remote execution transports. The WinRM executor doubles as the
	// directory query channel against the domain controller.
	sshExec := sshexec.NewExecutor(cfg.KnownHostsPath(), scrubber)
	defer sshExec.CloseAll()
	winExec := winrm.NewExecutor(winrm.Credentials{
		Username:  creds.WinRM.Username,
		Password:  creds.WinRM.Password,
		UseSSL:    creds.WinRM.UseSSL,
		VerifySSL: creds.WinRM.VerifySSL,
	}, scrubber)

	posixCreds := runbook.POSIXCredentials{
		Username:     creds.SSH.Username,
		Password:     creds.SSH.Password,
		SudoPassword: creds.SSH.SudoPassword,
		Port:         creds.SSH.Port,
	}
	if p := creds.SSH.PrivateKeyPath; p != "" {
		pem, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read ssh private key: %w", err)
		}
		posixCreds.PrivateKeyPEM = string(pem)
	}
	runner := runbook.NewEngine(
		runbook.NewSSHTransport(sshExec, posixCreds),
		runbook.NewWinRMTransport(winExec),
	)

	library := runbook.NewLibrary(cfg.Paths.RunbooksDir)
	if err := library.Load(); err != nil {
		log.Printf("[appliance] Load runbooks: %v", err)
	}
	rules := healing.NewRuleSet(cfg.Paths.RulesDir)
	if err := rules.Load(); err != nil {
		log.Printf("[appliance] Load rules: %v", err)
	}
	log.Printf("[appliance] %d runbooks, %d rules loaded", library.Count(), rules.Count())

	envelope := safety.NewEnvelope(
		time.Duration(cfg.Safety.CooldownSeconds)*time.Second,
		cfg.Safety.ClientHourly,
		cfg.Safety.GlobalHourly,
		cfg.Safety.CircuitFailureThreshold,
		time.Duration(cfg.Safety.CircuitTimeoutSeconds)*time.Second,
	)

	var plnr *planner.Planner
	if cfg.Healing.Level2Enabled {
		if cfg.LLM.Endpoint == "" {
			return fmt.Errorf("healing.level2_enabled requires llm.endpoint")
		}
		timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
		provider := planner.NewHTTPProvider(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Model, timeout)
		allowed := make([]string, 0, library.Count())
		for _, entry := range library.Catalog() {
			allowed = append(allowed, entry.ID)
		}
		plnr = planner.New(provider, scrubber, planner.NewGuardrails(allowed), timeout)
	}

	assembler := evidence.NewAssembler(st, cfg.SiteID, cfg.Paths.EvidenceDir, "", key, pubHex)

	healer := healing.NewEngine(healing.Config{
		Level1Enabled: cfg.Healing.Level1Enabled,
		Level2Enabled: cfg.Healing.Level2Enabled,
		Level3Enabled: cfg.Healing.Level3Enabled,
		DryRun:        cfg.Healing.DryRun,
		FlapThreshold: cfg.Healing.FlapThreshold,
		FlapWindow:    time.Duration(cfg.Healing.FlapWindowMinutes) * time.Minute,
	}, st, rules, plnr, library, runner, envelope, nil, assembler)

	var learner *healing.Learner
	if cfg.Healing.LearningEnabled {
		learner = healing.NewLearner(st, rules, cfg.PromotedRulesDir())
		learner.SetThresholds(cfg.Healing.PromotionMinOccurrences,
			cfg.Healing.PromotionMinL2, cfg.Healing.PromotionMinSuccess)
	}

	var replicator *evidence.Replicator
	if cfg.WORM.Enabled {
		siteID := cfg.Central.SiteID
		if siteID == "" {
			siteID = cfg.SiteID
		}
		replicator = evidence.NewReplicator(st, evidence.ReplicatorConfig{
			Mode:          cfg.WORM.Mode,
			CentralURL:    cfg.Central.URL,
			SiteID:        siteID,
			APIKey:        cfg.Central.APIKey,
			BucketURL:     cfg.WORM.BucketURL,
			RetentionDays: cfg.WORM.RetentionDays,
			MaxRetries:    cfg.WORM.MaxRetries,
			BatchSize:     cfg.WORM.BatchSize,
			RegistryPath:  cfg.UploadRegistryPath(),
		})
	}

	agents := agentreg.New(0)
	fabric := buildFabric(cfg, creds, agents, winExec)

	var syncer *orchestrator.DeviceSyncer
	if cfg.Central.URL != "" {
		syncer = orchestrator.NewDeviceSyncer(st, cfg.ApplianceID, cfg.SiteID,
			cfg.Central.URL, cfg.Central.APIKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(cfg, st, fabric, agents, healer, learner, replicator, syncer)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler: orch.Router(),
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[appliance] API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sdnotify.Ready()
	sdnotify.Status(fmt.Sprintf("appliance %s serving site %s", version, cfg.SiteID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("[appliance] Shutdown signal: %v", sig)
	case err := <-serverErr:
		log.Printf("[appliance] API server failed: %v", err)
	}

	sdnotify.Stopping()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[appliance] API shutdown: %v", err)
	}
	orch.Stop()
	log.Printf("[appliance] Stopped")
	return nil
}

// buildFabric assembles the enabled discovery methods. Order matters
// only for logging; observations are merged by IP afterwards.
func buildFabric(cfg *config.Config, creds *config.Credentials,
	agents *agentreg.Registry, winExec *winrm.Executor) *discovery.Fabric {

	var methods []discovery.Method

	if cfg.Discovery.Directory {
		server := cfg.Directory.Server
		if server == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			server, _ = discovery.FindDirectoryServer(ctx)
			cancel()
		}
		if server != "" && creds.WinRM.Username != "" {
			methods = append(methods, discovery.NewDirectoryMethod(server, winExec))
		} else {
			log.Printf("[appliance] Directory discovery disabled: no server or credentials")
		}
	}
	if cfg.Discovery.Neighbor {
		methods = append(methods, discovery.NewNeighborMethod())
	}
	if cfg.Discovery.Portscan {
		methods = append(methods, discovery.NewPortscanMethod(cfg.NetworkRanges,
			cfg.Portscan.HostTimeoutSeconds, cfg.Portscan.MaxConcurrent))
	}
	if cfg.Discovery.Agent {
		methods = append(methods, discovery.NewAgentMethod(agents))
	}

	return discovery.NewFabric(methods...)
}
