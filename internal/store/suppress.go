package store

import (
	"database/sql"
	"time"
)

// RecordFlapSuppression persists a suppression for a (site, host, type)
// key. Re-recording an active suppression refreshes the reason; a cleared
// suppression is re-armed.
func (s *Store) RecordFlapSuppression(siteID, hostID, incidentType, reason string) error {
	now := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO flap_suppressions
			(site_id, host_id, incident_type, reason, created_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(site_id, host_id, incident_type) DO UPDATE SET
				reason = excluded.reason,
				created_at = excluded.created_at,
				cleared_at = NULL,
				cleared_by = ''`,
			siteID, hostID, incidentType, reason, now)
		return err
	})
}

// ClearFlapSuppression marks a suppression cleared by an operator.
// Remediation for the key resumes on the next incident.
func (s *Store) ClearFlapSuppression(siteID, hostID, incidentType, clearedBy string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE flap_suppressions SET cleared_at = ?,
			cleared_by = ? WHERE site_id = ? AND host_id = ? AND incident_type = ?
			AND cleared_at IS NULL`,
			s.now().Unix(), clearedBy, siteID, hostID, incidentType)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// IsFlapSuppressed reports whether the key has an active (uncleared)
// suppression.
func (s *Store) IsFlapSuppressed(siteID, hostID, incidentType string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM flap_suppressions
		WHERE site_id = ? AND host_id = ? AND incident_type = ?
		AND cleared_at IS NULL`,
		siteID, hostID, incidentType).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListActiveSuppressions returns all uncleared suppressions, oldest first.
func (s *Store) ListActiveSuppressions() ([]*FlapSuppression, error) {
	rows, err := s.db.Query(`SELECT site_id, host_id, incident_type, reason,
		created_at, cleared_at, cleared_by FROM flap_suppressions
		WHERE cleared_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FlapSuppression
	for rows.Next() {
		var f FlapSuppression
		var created int64
		var cleared sql.NullInt64
		if err := rows.Scan(&f.SiteID, &f.HostID, &f.IncidentType, &f.Reason,
			&created, &cleared, &f.ClearedBy); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(created, 0).UTC()
		if cleared.Valid {
			t := time.Unix(cleared.Int64, 0).UTC()
			f.ClearedAt = &t
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
