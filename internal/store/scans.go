package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateScan opens a new scan row in the running state.
func (s *Store) CreateScan(scanType, triggeredBy, methods, ranges string) (*Scan, error) {
	scan := &Scan{
		ID:            uuid.NewString(),
		ScanType:      scanType,
		Status:        "running",
		MethodsUsed:   methods,
		NetworkRanges: ranges,
		TriggeredBy:   triggeredBy,
		StartedAt:     s.now(),
	}
	err := s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO scans
			(id, scan_type, status, methods_used, network_ranges, triggered_by, started_at)
			VALUES (?,?,?,?,?,?,?)`,
			scan.ID, scan.ScanType, scan.Status, scan.MethodsUsed,
			scan.NetworkRanges, scan.TriggeredBy, scan.StartedAt.Unix())
		return err
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

// SetScanMethods records which discovery methods actually ran. The scan
// row is created before discovery starts, so the methods arrive late.
func (s *Store) SetScanMethods(scanID, methods string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE scans SET methods_used=? WHERE id=?`, methods, scanID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ScanCounters are the terminal counters for a completed scan.
type ScanCounters struct {
	DevicesFound    int
	DevicesNew      int
	DevicesChanged  int
	MedicalExcluded int
}

// CompleteScan terminalizes a scan. An empty errMsg marks it completed;
// otherwise the scan is failed with the message recorded.
func (s *Store) CompleteScan(scanID string, counters ScanCounters, errMsg string) error {
	status := "completed"
	if errMsg != "" {
		status = "failed"
	}
	now := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE scans SET status=?, devices_found=?,
			devices_new=?, devices_changed=?, medical_excluded=?,
			completed_at=?, error=? WHERE id=?`,
			status, counters.DevicesFound, counters.DevicesNew,
			counters.DevicesChanged, counters.MedicalExcluded, now, errMsg, scanID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// LatestScans returns the most recent scans, newest first.
func (s *Store) LatestScans(limit int) ([]*Scan, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT id, scan_type, status, devices_found,
		devices_new, devices_changed, medical_excluded, methods_used,
		network_ranges, triggered_by, started_at, completed_at, error
		FROM scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []*Scan
	for rows.Next() {
		var sc Scan
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.ScanType, &sc.Status, &sc.DevicesFound,
			&sc.DevicesNew, &sc.DevicesChanged, &sc.MedicalExcluded,
			&sc.MethodsUsed, &sc.NetworkRanges, &sc.TriggeredBy,
			&started, &completed, &sc.Error); err != nil {
			return nil, err
		}
		sc.StartedAt = time.Unix(started, 0).UTC()
		if completed.Valid {
			t := time.Unix(completed.Int64, 0).UTC()
			sc.CompletedAt = &t
		}
		scans = append(scans, &sc)
	}
	return scans, rows.Err()
}
