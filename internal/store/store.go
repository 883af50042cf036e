// Package store implements the embedded inventory store: devices, ports,
// scans, compliance results, incidents, pattern stats, flap suppressions,
// the evidence hash chain, and the upload registry.
//
// Single-writer, multi-reader: all mutations serialize through a per-store
// write lock and run in transactions. SQLite runs in WAL mode so readers
// never block the writer. Foreign keys cascade device deletions to ports
// and compliance rows.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvariant is returned when a mutation would violate a device
	// invariant (medical exclusion, scan-policy rules).
	ErrInvariant = errors.New("invariant violation")
)

// Store wraps the SQLite inventory database.
type Store struct {
	db *sql.DB

	// writeMu serializes all mutating operations. SQLite is single-writer
	// anyway; holding the lock in Go keeps evidence chain appends and
	// pattern-stat updates atomic without busy-loop retries.
	writeMu sync.Mutex

	now func() time.Time
}

// Open creates or opens the inventory database at path.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; a pool of one avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[store] Opened inventory store at %s", path)
	return s, nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id                TEXT PRIMARY KEY,
			ip_address        TEXT NOT NULL UNIQUE,
			hostname          TEXT NOT NULL DEFAULT '',
			mac_address       TEXT NOT NULL DEFAULT '',
			os_name           TEXT NOT NULL DEFAULT '',
			os_version        TEXT NOT NULL DEFAULT '',
			manufacturer      TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			device_type       TEXT NOT NULL DEFAULT 'unknown',
			scan_policy       TEXT NOT NULL DEFAULT 'standard',
			status            TEXT NOT NULL DEFAULT 'discovered',
			compliance_status TEXT NOT NULL DEFAULT 'unknown',
			medical_device    INTEGER NOT NULL DEFAULT 0,
			manually_opted_in INTEGER NOT NULL DEFAULT 0,
			phi_access_flag   INTEGER NOT NULL DEFAULT 0,
			origin            TEXT NOT NULL DEFAULT 'manual',
			first_seen        INTEGER NOT NULL,
			last_seen         INTEGER NOT NULL,
			last_scan         INTEGER,
			sync_version      INTEGER NOT NULL DEFAULT 1,
			synced_to_central INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_type ON devices(device_type)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_synced ON devices(synced_to_central)`,

		`CREATE TABLE IF NOT EXISTS device_ports (
			device_id       TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			port            INTEGER NOT NULL,
			protocol        TEXT NOT NULL DEFAULT 'tcp',
			service_name    TEXT NOT NULL DEFAULT '',
			service_version TEXT NOT NULL DEFAULT '',
			last_seen       INTEGER NOT NULL,
			PRIMARY KEY (device_id, port, protocol)
		)`,

		`CREATE TABLE IF NOT EXISTS scans (
			id               TEXT PRIMARY KEY,
			scan_type        TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'running',
			devices_found    INTEGER NOT NULL DEFAULT 0,
			devices_new      INTEGER NOT NULL DEFAULT 0,
			devices_changed  INTEGER NOT NULL DEFAULT 0,
			medical_excluded INTEGER NOT NULL DEFAULT 0,
			methods_used     TEXT NOT NULL DEFAULT '',
			network_ranges   TEXT NOT NULL DEFAULT '',
			triggered_by     TEXT NOT NULL DEFAULT '',
			started_at       INTEGER NOT NULL,
			completed_at     INTEGER,
			error            TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_started ON scans(started_at)`,

		`CREATE TABLE IF NOT EXISTS compliance_results (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id   TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			check_type  TEXT NOT NULL,
			control_ref TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			details     TEXT NOT NULL DEFAULT '{}',
			checked_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_device ON compliance_results(device_id, checked_at)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			id                TEXT PRIMARY KEY,
			site_id           TEXT NOT NULL,
			host_id           TEXT NOT NULL,
			incident_type     TEXT NOT NULL,
			severity          TEXT NOT NULL,
			raw_data          TEXT NOT NULL DEFAULT '{}',
			pattern_signature TEXT NOT NULL,
			created_at        INTEGER NOT NULL,
			resolved_level    TEXT NOT NULL DEFAULT '',
			resolved_action   TEXT NOT NULL DEFAULT '',
			resolved_outcome  TEXT NOT NULL DEFAULT '',
			resolved_at       INTEGER,
			human_feedback    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_sig ON incidents(pattern_signature)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,

		`CREATE TABLE IF NOT EXISTS pattern_stats (
			pattern_signature  TEXT PRIMARY KEY,
			occurrences        INTEGER NOT NULL DEFAULT 0,
			l1_resolutions     INTEGER NOT NULL DEFAULT 0,
			l2_resolutions     INTEGER NOT NULL DEFAULT 0,
			l3_escalations     INTEGER NOT NULL DEFAULT 0,
			successes          INTEGER NOT NULL DEFAULT 0,
			failures           INTEGER NOT NULL DEFAULT 0,
			total_resolution_s REAL NOT NULL DEFAULT 0,
			recommended_action TEXT NOT NULL DEFAULT '',
			promotion_eligible INTEGER NOT NULL DEFAULT 0,
			promoted           INTEGER NOT NULL DEFAULT 0,
			updated_at         INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS flap_suppressions (
			site_id       TEXT NOT NULL,
			host_id       TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			cleared_at    INTEGER,
			cleared_by    TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (site_id, host_id, incident_type)
		)`,

		`CREATE TABLE IF NOT EXISTS l2_decisions (
			id                TEXT PRIMARY KEY,
			incident_id       TEXT NOT NULL,
			runbook_id        TEXT NOT NULL DEFAULT '',
			reasoning         TEXT NOT NULL DEFAULT '',
			confidence        REAL NOT NULL DEFAULT 0,
			provider          TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			pattern_signature TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_l2_decisions_sig ON l2_decisions(pattern_signature)`,

		`CREATE TABLE IF NOT EXISTS evidence_bundles (
			id             TEXT PRIMARY KEY,
			site_id        TEXT NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL DEFAULT '',
			details        TEXT NOT NULL DEFAULT '{}',
			framework_tags TEXT NOT NULL DEFAULT '{}',
			signature      TEXT NOT NULL,
			bundle_hash    TEXT NOT NULL,
			chain_position INTEGER NOT NULL UNIQUE,
			chain_hash     TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS upload_records (
			bundle_id      TEXT PRIMARY KEY REFERENCES evidence_bundles(id),
			destinations   TEXT NOT NULL DEFAULT '[]',
			uploaded_at    INTEGER,
			retention_days INTEGER NOT NULL DEFAULT 0,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// inTx runs fn inside a transaction under the write lock.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
