package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentriahealth/appliance/internal/store"
)

// Replication modes.
const (
	ModeProxy  = "proxy"
	ModeDirect = "direct"
)

const backoffCap = 30 * time.Second

// errAuth marks authentication rejections, which are never retried.
var errAuth = errors.New("authentication rejected")

// ReplicatorConfig bounds replication behavior.
type ReplicatorConfig struct {
	Mode          string
	CentralURL    string // proxy mode
	SiteID        string
	APIKey        string
	BucketURL     string // direct mode
	RetentionDays int
	MaxRetries    int
	BatchSize     int
	RegistryPath  string
}

// registryEntry is the persisted idempotency record for one bundle.
type registryEntry struct {
	Destinations  []string `json:"destinations"`
	UploadedAt    string   `json:"uploaded_at"`
	RetentionDays int      `json:"retention_days"`
}

// Replicator pushes chained evidence bundles to WORM storage, either
// through the control plane (proxy) or straight to object storage
// (direct). The on-disk registry guarantees a bundle is uploaded at
// most once across restarts.
type Replicator struct {
	store  *store.Store
	cfg    ReplicatorConfig
	client *http.Client

	mu       sync.Mutex
	registry map[string]registryEntry

	now   func() time.Time
	sleep func(time.Duration)
}

// NewReplicator loads the upload registry and returns a ready replicator.
func NewReplicator(st *store.Store, cfg ReplicatorConfig) *Replicator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2555
	}
	cfg.CentralURL = strings.TrimRight(cfg.CentralURL, "/")
	cfg.BucketURL = strings.TrimRight(cfg.BucketURL, "/")

	r := &Replicator{
		store:    st,
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		registry: make(map[string]registryEntry),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	r.loadRegistry()
	return r
}

// Run uploads one batch of pending bundles. Transient failures are
// recorded and retried on the next cycle; an authentication failure
// halts the cycle immediately.
func (r *Replicator) Run(ctx context.Context) error {
	bundles, err := r.store.ListUnuploaded(r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list unuploaded: %w", err)
	}
	if len(bundles) == 0 {
		return nil
	}

	uploaded := 0
	for _, b := range bundles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.UploadBundle(ctx, b); err != nil {
			if errors.Is(err, errAuth) {
				return fmt.Errorf("upload %s: %w", b.ID, err)
			}
			log.Printf("[worm] Upload %s: %v", b.ID, err)
			continue
		}
		uploaded++
	}
	log.Printf("[worm] Replicated %d/%d bundles", uploaded, len(bundles))
	return nil
}

// UploadBundle uploads one bundle, or returns the prior destinations if
// it has already been uploaded.
func (r *Replicator) UploadBundle(ctx context.Context, b *store.EvidenceRow) ([]string, error) {
	r.mu.Lock()
	if entry, ok := r.registry[b.ID]; ok {
		r.mu.Unlock()
		return entry.Destinations, nil
	}
	r.mu.Unlock()

	var dests []string
	var err error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << uint(attempt-1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			r.sleep(backoff)
		}

		if r.cfg.Mode == ModeDirect {
			dests, err = r.uploadDirect(ctx, b)
		} else {
			dests, err = r.uploadProxy(ctx, b)
		}
		if err == nil {
			break
		}
		if errors.Is(err, errAuth) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		if dbErr := r.store.RecordUploadFailure(b.ID, err.Error()); dbErr != nil {
			log.Printf("[worm] Record failure for %s: %v", b.ID, dbErr)
		}
		return nil, err
	}

	if err := r.store.RecordUploadSuccess(b.ID, dests, r.cfg.RetentionDays); err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}
	r.mu.Lock()
	r.registry[b.ID] = registryEntry{
		Destinations:  dests,
		UploadedAt:    r.now().UTC().Format(time.RFC3339),
		RetentionDays: r.cfg.RetentionDays,
	}
	r.flushRegistryLocked()
	r.mu.Unlock()
	return dests, nil
}

// uploadProxy POSTs the bundle and signature as a multipart body to the
// control plane, which owns the WORM destination.
func (r *Replicator) uploadProxy(ctx context.Context, b *store.EvidenceRow) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("bundle", "bundle.json")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(b.Details)); err != nil {
		return nil, err
	}
	if err := mw.WriteField("signature", b.Signature); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := r.cfg.CentralURL + "/api/evidence/sites/" + r.cfg.SiteID + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("X-Bundle-Hash", b.BundleHash)
	req.Header.Set("X-Chain-Hash", b.ChainHash)
	req.Header.Set("X-Chain-Position", strconv.FormatInt(b.ChainPosition, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy upload: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", errAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("proxy upload returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var result struct {
		URIs []string `json:"uris"`
	}
	if err := json.Unmarshal(respBody, &result); err == nil && len(result.URIs) > 0 {
		return result.URIs, nil
	}
	return []string{url + "/" + b.ID}, nil
}

// uploadDirect PUTs bundle and signature to object storage with
// compliance-mode retention locked until now + retention_days.
func (r *Replicator) uploadDirect(ctx context.Context, b *store.EvidenceRow) ([]string, error) {
	retainUntil := r.now().UTC().AddDate(0, 0, r.cfg.RetentionDays).Format(time.RFC3339)
	base := r.cfg.BucketURL + "/" + r.cfg.SiteID + "/" + b.ID

	objects := []struct {
		url  string
		body string
	}{
		{base + "/bundle.json", b.Details},
		{base + "/bundle.sig", b.Signature},
	}

	var dests []string
	for _, obj := range objects {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, obj.url, strings.NewReader(obj.body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		req.Header.Set("x-amz-object-lock-mode", "COMPLIANCE")
		req.Header.Set("x-amz-object-lock-retain-until-date", retainUntil)

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("direct upload: %w", err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", errAuth, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("direct upload returned %d: %s", resp.StatusCode, truncateBody(respBody))
		}
		dests = append(dests, obj.url)
	}
	return dests, nil
}

// loadRegistry reads the persisted idempotency record. A missing or
// corrupt file starts empty; the store's upload records still prevent
// duplicates at the database level.
func (r *Replicator) loadRegistry() {
	data, err := os.ReadFile(r.cfg.RegistryPath)
	if err != nil {
		return
	}
	var reg map[string]registryEntry
	if err := json.Unmarshal(data, &reg); err != nil {
		log.Printf("[worm] Parse upload registry: %v", err)
		return
	}
	r.registry = reg
	log.Printf("[worm] Loaded upload registry with %d entries", len(reg))
}

// flushRegistryLocked writes the registry atomically. Caller holds r.mu.
func (r *Replicator) flushRegistryLocked() {
	if r.cfg.RegistryPath == "" {
		return
	}
	data, err := json.MarshalIndent(r.registry, "", "  ")
	if err != nil {
		log.Printf("[worm] Marshal upload registry: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.RegistryPath), 0o700); err != nil {
		log.Printf("[worm] Create registry dir: %v", err)
		return
	}
	tmp := r.cfg.RegistryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Printf("[worm] Write upload registry: %v", err)
		return
	}
	if err := os.Rename(tmp, r.cfg.RegistryPath); err != nil {
		log.Printf("[worm] Replace upload registry: %v", err)
	}
}

// Flush persists the registry, called during shutdown drain.
func (r *Replicator) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushRegistryLocked()
}

func truncateBody(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
