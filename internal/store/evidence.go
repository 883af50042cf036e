package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"
)

// AppendEvidence appends a bundle to the hash chain. Position and chain
// hash are assigned inside the transaction under the write lock, so
// concurrent appends always see the true chain head:
//
//	chain_hash = SHA-256(prev_chain_hash || bundle_hash)
//
// The genesis bundle at position 0 chains from the empty string.
func (s *Store) AppendEvidence(row *EvidenceRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	return s.inTx(func(tx *sql.Tx) error {
		var prevPos int64
		var prevHash string
		nextPos := int64(0)
		err := tx.QueryRow(`SELECT chain_position, chain_hash FROM evidence_bundles
			ORDER BY chain_position DESC LIMIT 1`).Scan(&prevPos, &prevHash)
		if err == sql.ErrNoRows {
			prevHash = ""
		} else if err != nil {
			return err
		} else {
			nextPos = prevPos + 1
		}

		row.ChainPosition = nextPos
		sum := sha256.Sum256([]byte(prevHash + row.BundleHash))
		row.ChainHash = hex.EncodeToString(sum[:])

		_, err = tx.Exec(`INSERT INTO evidence_bundles
			(id, site_id, source, reference, outcome, details, framework_tags,
			 signature, bundle_hash, chain_position, chain_hash, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			row.ID, row.SiteID, row.Source, row.Reference, row.Outcome,
			row.Details, row.FrameworkTags, row.Signature, row.BundleHash,
			row.ChainPosition, row.ChainHash, row.CreatedAt.Unix())
		return err
	})
}

// GetEvidence returns one bundle by id.
func (s *Store) GetEvidence(id string) (*EvidenceRow, error) {
	row := s.db.QueryRow(evidenceSelect+` WHERE id = ?`, id)
	return scanEvidence(row)
}

// ListEvidenceChain returns bundles in chain order starting at fromPosition.
func (s *Store) ListEvidenceChain(fromPosition int64, limit int) ([]*EvidenceRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(evidenceSelect+` WHERE chain_position >= ?
		ORDER BY chain_position LIMIT ?`, fromPosition, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EvidenceRow
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChainHead returns the latest bundle, or ErrNotFound on an empty chain.
func (s *Store) ChainHead() (*EvidenceRow, error) {
	row := s.db.QueryRow(evidenceSelect + ` ORDER BY chain_position DESC LIMIT 1`)
	return scanEvidence(row)
}

// VerifyChain walks the whole chain and recomputes every link. It returns
// the position of the first broken link, or -1 if the chain is intact.
func (s *Store) VerifyChain() (int64, error) {
	rows, err := s.db.Query(`SELECT chain_position, bundle_hash, chain_hash
		FROM evidence_bundles ORDER BY chain_position`)
	if err != nil {
		return -1, err
	}
	defer rows.Close()

	prevHash := ""
	expectedPos := int64(0)
	for rows.Next() {
		var pos int64
		var bundleHash, chainHash string
		if err := rows.Scan(&pos, &bundleHash, &chainHash); err != nil {
			return -1, err
		}
		sum := sha256.Sum256([]byte(prevHash + bundleHash))
		if pos != expectedPos || hex.EncodeToString(sum[:]) != chainHash {
			return pos, nil
		}
		prevHash = chainHash
		expectedPos++
	}
	return -1, rows.Err()
}

// ListUnuploaded returns bundles with no successful upload yet, oldest
// first, so replication drains the backlog in chain order.
func (s *Store) ListUnuploaded(limit int) ([]*EvidenceRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(evidenceSelect+` e
		WHERE NOT EXISTS (SELECT 1 FROM upload_records u
			WHERE u.bundle_id = e.id AND u.uploaded_at IS NOT NULL)
		ORDER BY e.chain_position LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EvidenceRow
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordUploadSuccess marks a bundle replicated to the given destinations.
func (s *Store) RecordUploadSuccess(bundleID string, destinations []string, retentionDays int) error {
	dests, err := json.Marshal(destinations)
	if err != nil {
		return err
	}
	now := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO upload_records
			(bundle_id, destinations, uploaded_at, retention_days)
			VALUES (?,?,?,?)
			ON CONFLICT(bundle_id) DO UPDATE SET
				destinations = excluded.destinations,
				uploaded_at = excluded.uploaded_at,
				retention_days = excluded.retention_days,
				last_error = ''`,
			bundleID, string(dests), now, retentionDays)
		return err
	})
}

// RecordUploadFailure bumps the retry counter and stores the error.
func (s *Store) RecordUploadFailure(bundleID, lastError string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO upload_records
			(bundle_id, retry_count, last_error)
			VALUES (?, 1, ?)
			ON CONFLICT(bundle_id) DO UPDATE SET
				retry_count = retry_count + 1,
				last_error = excluded.last_error`,
			bundleID, lastError)
		return err
	})
}

// GetUploadRecord returns replication state for a bundle.
func (s *Store) GetUploadRecord(bundleID string) (*UploadRecord, error) {
	var r UploadRecord
	var dests string
	var uploaded sql.NullInt64
	err := s.db.QueryRow(`SELECT bundle_id, destinations, uploaded_at,
		retention_days, retry_count, last_error FROM upload_records
		WHERE bundle_id = ?`, bundleID).Scan(&r.BundleID, &dests, &uploaded,
		&r.RetentionDays, &r.RetryCount, &r.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dests), &r.Destinations); err != nil {
		return nil, err
	}
	if uploaded.Valid {
		t := time.Unix(uploaded.Int64, 0).UTC()
		r.UploadedAt = &t
	}
	return &r, nil
}

const evidenceSelect = `SELECT id, site_id, source, reference, outcome,
	details, framework_tags, signature, bundle_hash, chain_position,
	chain_hash, created_at FROM evidence_bundles`

func scanEvidence(row rowScanner) (*EvidenceRow, error) {
	var e EvidenceRow
	var created int64
	err := row.Scan(&e.ID, &e.SiteID, &e.Source, &e.Reference, &e.Outcome,
		&e.Details, &e.FrameworkTags, &e.Signature, &e.BundleHash,
		&e.ChainPosition, &e.ChainHash, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	return &e, nil
}
