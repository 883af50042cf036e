package store

import (
	"database/sql"
	"time"
)

// AppendComplianceResults writes check results for a device and updates
// the device's aggregate compliance_status and last_scan in the same
// transaction. Aggregation: any fail → drifted, else any warn → drifted,
// else compliant.
func (s *Store) AppendComplianceResults(deviceID string, results []ComplianceResult) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		agg := ComplianceCompliant
		for _, r := range results {
			checked := r.CheckedAt
			if checked.IsZero() {
				checked = now
			}
			details := r.Details
			if details == "" {
				details = "{}"
			}
			_, err := tx.Exec(`INSERT INTO compliance_results
				(device_id, check_type, control_ref, outcome, details, checked_at)
				VALUES (?,?,?,?,?,?)`,
				deviceID, r.CheckType, r.ControlRef, r.Outcome, details, checked.Unix())
			if err != nil {
				return err
			}
			if r.Outcome == OutcomeFail || r.Outcome == OutcomeWarn {
				agg = ComplianceDrifted
			}
		}

		res, err := tx.Exec(`UPDATE devices SET compliance_status=?, last_scan=?,
			sync_version = sync_version + 1, synced_to_central = 0
			WHERE id=?`, agg, now.Unix(), deviceID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ListComplianceHistory returns a device's check history, newest first.
func (s *Store) ListComplianceHistory(deviceID string, limit int) ([]ComplianceResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT device_id, check_type, control_ref, outcome,
		details, checked_at FROM compliance_results
		WHERE device_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ComplianceResult
	for rows.Next() {
		var r ComplianceResult
		var checked int64
		if err := rows.Scan(&r.DeviceID, &r.CheckType, &r.ControlRef,
			&r.Outcome, &r.Details, &checked); err != nil {
			return nil, err
		}
		r.CheckedAt = time.Unix(checked, 0).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
