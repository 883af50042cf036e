package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentriahealth/appliance/internal/runbook"
	"github.com/sentriahealth/appliance/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "appliance.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a := map[string]interface{}{
		"zeta": 1,
		"alpha": map[string]interface{}{
			"nested_z": []interface{}{3, 2, 1},
			"nested_a": "x",
		},
	}

	out, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"alpha":{"nested_a":"x","nested_z":[3,2,1]},"zeta":1}`
	if string(out) != want {
		t.Errorf("canonical form = %s, want %s", out, want)
	}

	// Repeated runs over the same value are byte-identical.
	again, _ := CanonicalJSON(a)
	if string(again) != string(out) {
		t.Error("canonical form not stable")
	}
}

func newTestAssembler(t *testing.T, st *store.Store) *Assembler {
	t.Helper()
	dir := t.TempDir()
	key, pubHex, err := LoadOrCreateSigningKey(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	return NewAssembler(st, "site-1", filepath.Join(dir, "evidence"), "appliance-1", key, pubHex)
}

func sampleRun(status string) *runbook.RunResult {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &runbook.RunResult{
		RunbookID:        "FIX-FW",
		RunbookVersion:   "1.2",
		DefinitionHash:   "abc123",
		Host:             "10.0.0.5",
		ResolutionStatus: status,
		MTTRSeconds:      42.5,
		SLAMet:           true,
		StepsExecuted:    3,
		StepsTotal:       3,
		Steps: []runbook.ActionStep{
			{Step: 1, Action: "detect", Result: runbook.StepOK, Timestamp: start},
			{Step: 2, Action: "remediate", Result: runbook.StepOK, Timestamp: start.Add(20 * time.Second)},
			{Step: 3, Action: "verify", Result: runbook.StepOK, Timestamp: start.Add(40 * time.Second)},
		},
		StartedAt:   start,
		CompletedAt: start.Add(42 * time.Second),
	}
}

func TestRecordRunChainsAndSigns(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)

	var incidents []*store.Incident
	for i := 0; i < 3; i++ {
		inc, err := st.CreateIncident("site-1", "host-1", "firewall_status", "high",
			map[string]interface{}{"drift_detected": true, "n": i})
		if err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
		incidents = append(incidents, inc)
		if err := asm.RecordRun(inc, sampleRun(runbook.StatusSuccess)); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	rows, err := st.ListEvidenceChain(0, 10)
	if err != nil || len(rows) != 3 {
		t.Fatalf("chain rows = %d, err = %v, want 3", len(rows), err)
	}

	// Every link recomputes: chain_hash = H(prev_chain_hash || bundle_hash).
	prev := ""
	for i, row := range rows {
		if row.ChainPosition != int64(i) {
			t.Errorf("position %d = %d", i, row.ChainPosition)
		}
		sum := sha256.Sum256([]byte(prev + row.BundleHash))
		if hex.EncodeToString(sum[:]) != row.ChainHash {
			t.Errorf("chain hash mismatch at position %d", row.ChainPosition)
		}
		prev = row.ChainHash

		// The bundle hash is recomputable from the stored bytes, and the
		// signature verifies under the advertised public key.
		sum = sha256.Sum256([]byte(row.Details))
		if hex.EncodeToString(sum[:]) != row.BundleHash {
			t.Errorf("bundle hash not recomputable at position %d", row.ChainPosition)
		}
		if err := Verify(asm.PublicKeyHex(), []byte(row.Details), row.Signature); err != nil {
			t.Errorf("signature at position %d: %v", row.ChainPosition, err)
		}
		if row.Reference != incidents[i].ID {
			t.Errorf("reference = %s, want %s", row.Reference, incidents[i].ID)
		}
	}

	if broken, err := st.VerifyChain(); err != nil || broken != -1 {
		t.Errorf("VerifyChain = %d, %v", broken, err)
	}
}

func TestRecordRunWritesBundleFiles(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)

	inc, _ := st.CreateIncident("site-1", "host-1", "audit_logging", "medium",
		map[string]interface{}{"drift_detected": true})
	if err := asm.RecordRun(inc, sampleRun(runbook.StatusPartial)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	head, err := st.ChainHead()
	if err != nil {
		t.Fatalf("ChainHead: %v", err)
	}
	if head.Outcome != runbook.StatusPartial {
		t.Errorf("outcome = %s", head.Outcome)
	}

	bundlePath := filepath.Join(asm.evidenceDir, head.ID, "bundle.json")
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("bundle.json: %v", err)
	}
	if string(data) != head.Details {
		t.Error("on-disk bundle differs from chained row")
	}

	sig, err := os.ReadFile(filepath.Join(asm.evidenceDir, head.ID, "bundle.sig"))
	if err != nil {
		t.Fatalf("bundle.sig: %v", err)
	}
	if string(sig) != head.Signature {
		t.Error("on-disk signature differs from chained row")
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("bundle not valid JSON: %v", err)
	}
	if bundle.Incident.IncidentType != "audit_logging" || bundle.Runbook.ID != "FIX-FW" {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestFrameworkTags(t *testing.T) {
	if got := tagsFor("firewall_status"); got != "hipaa:164.312(c)(1)" {
		t.Errorf("firewall tag = %s", got)
	}
	if got := tagsFor("something_else"); got != "hipaa:164.308(a)(1)" {
		t.Errorf("fallback tag = %s", got)
	}
}

func seedBundle(t *testing.T, st *store.Store, asm *Assembler) *store.EvidenceRow {
	t.Helper()
	inc, err := st.CreateIncident("site-1", "host-1", "firewall_status", "high",
		map[string]interface{}{"drift_detected": true})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if err := asm.RecordRun(inc, sampleRun(runbook.StatusSuccess)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	head, err := st.ChainHead()
	if err != nil {
		t.Fatalf("ChainHead: %v", err)
	}
	return head
}

func TestReplicatorProxyUploadIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)
	row := seedBundle(t, st, asm)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Bundle-Hash") != row.BundleHash {
			t.Errorf("X-Bundle-Hash = %s", r.Header.Get("X-Bundle-Hash"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("signature") != row.Signature {
			t.Error("signature part missing or wrong")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"uris": []string{"worm://archive/" + row.ID},
		})
	}))
	defer srv.Close()

	registryPath := filepath.Join(t.TempDir(), ".upload_registry.json")
	rep := NewReplicator(st, ReplicatorConfig{
		Mode: ModeProxy, CentralURL: srv.URL, SiteID: "site-1",
		APIKey: "key-1", RegistryPath: registryPath,
	})
	rep.sleep = func(time.Duration) {}

	dests, err := rep.UploadBundle(context.Background(), row)
	if err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
	if len(dests) != 1 || dests[0] != "worm://archive/"+row.ID {
		t.Fatalf("dests = %v", dests)
	}

	// Second upload is a no-op returning the prior URIs.
	again, err := rep.UploadBundle(context.Background(), row)
	if err != nil || len(again) != 1 || again[0] != dests[0] {
		t.Fatalf("repeat upload: dests=%v err=%v", again, err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}

	// The registry survives a restart.
	rep2 := NewReplicator(st, ReplicatorConfig{
		Mode: ModeProxy, CentralURL: srv.URL, SiteID: "site-1",
		APIKey: "key-1", RegistryPath: registryPath,
	})
	dests2, err := rep2.UploadBundle(context.Background(), row)
	if err != nil || len(dests2) != 1 || dests2[0] != dests[0] {
		t.Fatalf("post-restart upload: dests=%v err=%v", dests2, err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times after restart, want 1", hits)
	}

	// Run drains nothing further: the store records the upload too.
	if err := rep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReplicatorAuthFailureFailsFast(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)
	seedBundle(t, st, asm)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rep := NewReplicator(st, ReplicatorConfig{
		Mode: ModeProxy, CentralURL: srv.URL, SiteID: "site-1",
		APIKey: "bad-key", MaxRetries: 5,
		RegistryPath: filepath.Join(t.TempDir(), "reg.json"),
	})
	rep.sleep = func(time.Duration) {}

	if err := rep.Run(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times, want 1 (no retry on auth failure)", hits)
	}
}

func TestReplicatorTransientErrorRetries(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)
	row := seedBundle(t, st, asm)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"uris": []string{"worm://ok"}})
	}))
	defer srv.Close()

	rep := NewReplicator(st, ReplicatorConfig{
		Mode: ModeProxy, CentralURL: srv.URL, SiteID: "site-1",
		APIKey: "key-1", MaxRetries: 5,
		RegistryPath: filepath.Join(t.TempDir(), "reg.json"),
	})
	rep.sleep = func(time.Duration) {}

	dests, err := rep.UploadBundle(context.Background(), row)
	if err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
	if len(dests) != 1 || dests[0] != "worm://ok" {
		t.Errorf("dests = %v", dests)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
}

func TestReplicatorDirectSetsRetention(t *testing.T) {
	st := newTestStore(t)
	asm := newTestAssembler(t, st)
	row := seedBundle(t, st, asm)

	var puts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("x-amz-object-lock-mode") != "COMPLIANCE" {
			t.Error("object lock mode missing")
		}
		retain, err := time.Parse(time.RFC3339, r.Header.Get("x-amz-object-lock-retain-until-date"))
		if err != nil {
			t.Errorf("retain-until-date: %v", err)
		}
		if time.Until(retain) < 300*24*time.Hour {
			t.Errorf("retention too short: %v", retain)
		}
		atomic.AddInt32(&puts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := NewReplicator(st, ReplicatorConfig{
		Mode: ModeDirect, BucketURL: srv.URL, SiteID: "site-1",
		APIKey: "key-1", RetentionDays: 365,
		RegistryPath: filepath.Join(t.TempDir(), "reg.json"),
	})
	rep.sleep = func(time.Duration) {}

	dests, err := rep.UploadBundle(context.Background(), row)
	if err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
	// bundle.json and bundle.sig
	if len(dests) != 2 || atomic.LoadInt32(&puts) != 2 {
		t.Errorf("dests = %v, puts = %d", dests, puts)
	}

	rec, err := st.GetUploadRecord(row.ID)
	if err != nil {
		t.Fatalf("GetUploadRecord: %v", err)
	}
	if rec.RetentionDays != 365 || rec.UploadedAt == nil {
		t.Errorf("record = %+v", rec)
	}
}
