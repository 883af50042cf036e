package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentriahealth/appliance/internal/pattern"
)

// CreateIncident records a new incident. The pattern signature is computed
// here, inside the store, so every consumer sees the same signature for
// equivalent inputs. The PatternStats occurrence counter is bumped in the
// same transaction.
func (s *Store) CreateIncident(siteID, hostID, incidentType, severity string, rawData map[string]interface{}) (*Incident, error) {
	raw, err := json.Marshal(rawData)
	if err != nil {
		return nil, fmt.Errorf("marshal raw_data: %w", err)
	}

	inc := &Incident{
		ID:               uuid.NewString(),
		SiteID:           siteID,
		HostID:           hostID,
		IncidentType:     incidentType,
		Severity:         severity,
		RawData:          string(raw),
		PatternSignature: pattern.Signature(incidentType, rawData),
		CreatedAt:        s.now(),
	}

	err = s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO incidents
			(id, site_id, host_id, incident_type, severity, raw_data,
			 pattern_signature, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			inc.ID, inc.SiteID, inc.HostID, inc.IncidentType, inc.Severity,
			inc.RawData, inc.PatternSignature, inc.CreatedAt.Unix()); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO pattern_stats
			(pattern_signature, occurrences, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(pattern_signature) DO UPDATE SET
				occurrences = occurrences + 1, updated_at = excluded.updated_at`,
			inc.PatternSignature, inc.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// Resolution terminalizes an incident.
type Resolution struct {
	Level    string // L1, L2, L3
	Action   string
	Outcome  string // success, failure, escalated, suppressed
	Feedback string
}

// ResolveIncident atomically writes resolution fields and updates the
// pattern stats for the incident's signature.
func (s *Store) ResolveIncident(incidentID string, res Resolution) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		var sig string
		var created int64
		err := tx.QueryRow(`SELECT pattern_signature, created_at FROM incidents
			WHERE id = ?`, incidentID).Scan(&sig, &created)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE incidents SET resolved_level=?,
			resolved_action=?, resolved_outcome=?, resolved_at=?, human_feedback=?
			WHERE id=?`,
			res.Level, res.Action, res.Outcome, now.Unix(), res.Feedback,
			incidentID); err != nil {
			return err
		}

		resolutionSecs := now.Sub(time.Unix(created, 0)).Seconds()
		if resolutionSecs < 0 {
			resolutionSecs = 0
		}

		l1, l2, l3, succ, fail := 0, 0, 0, 0, 0
		switch res.Level {
		case "L1":
			l1 = 1
		case "L2":
			l2 = 1
		case "L3":
			l3 = 1
		}
		switch res.Outcome {
		case ResolutionSuccess:
			succ = 1
		case ResolutionFailure:
			fail = 1
		}

		_, err = tx.Exec(`INSERT INTO pattern_stats
			(pattern_signature, occurrences, l1_resolutions, l2_resolutions,
			 l3_escalations, successes, failures, total_resolution_s,
			 recommended_action, updated_at)
			VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pattern_signature) DO UPDATE SET
				l1_resolutions = l1_resolutions + excluded.l1_resolutions,
				l2_resolutions = l2_resolutions + excluded.l2_resolutions,
				l3_escalations = l3_escalations + excluded.l3_escalations,
				successes = successes + excluded.successes,
				failures = failures + excluded.failures,
				total_resolution_s = total_resolution_s + excluded.total_resolution_s,
				recommended_action = CASE WHEN excluded.recommended_action != ''
					THEN excluded.recommended_action ELSE pattern_stats.recommended_action END,
				updated_at = excluded.updated_at`,
			sig, l1, l2, l3, succ, fail, resolutionSecs, res.Action, now.Unix())
		return err
	})
}

// GetIncident returns one incident by id.
func (s *Store) GetIncident(id string) (*Incident, error) {
	row := s.db.QueryRow(incidentSelect+` WHERE id = ?`, id)
	return scanIncident(row)
}

// ListIncidentsBySignature returns incidents for a pattern, newest first.
func (s *Store) ListIncidentsBySignature(sig string, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(incidentSelect+` WHERE pattern_signature = ?
		ORDER BY created_at DESC LIMIT ?`, sig, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

const incidentSelect = `SELECT id, site_id, host_id, incident_type, severity,
	raw_data, pattern_signature, created_at, resolved_level, resolved_action,
	resolved_outcome, resolved_at, human_feedback FROM incidents`

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType,
		&inc.Severity, &inc.RawData, &inc.PatternSignature, &created,
		&inc.ResolvedLevel, &inc.ResolvedAction, &inc.ResolvedOutcome,
		&resolved, &inc.HumanFeedback)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inc.CreatedAt = time.Unix(created, 0).UTC()
	if resolved.Valid {
		t := time.Unix(resolved.Int64, 0).UTC()
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

// PruneResolvedIncidents deletes resolved incidents older than the
// retention window. Unresolved incidents are always kept.
func (s *Store) PruneResolvedIncidents(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays).Unix()

	var pruned int64
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM incidents
			WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// SaveL2Decision persists an LLM planner decision for the learning loop.
func (s *Store) SaveL2Decision(d *L2Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO l2_decisions
			(id, incident_id, runbook_id, reasoning, confidence, provider,
			 model, latency_ms, pattern_signature, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.IncidentID, d.RunbookID, d.Reasoning, d.Confidence,
			d.Provider, d.Model, d.LatencyMs, d.PatternSignature,
			d.CreatedAt.Unix())
		return err
	})
}

// ListL2Decisions returns planner decisions for a pattern, newest first.
func (s *Store) ListL2Decisions(sig string, limit int) ([]*L2Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, incident_id, runbook_id, reasoning,
		confidence, provider, model, latency_ms, pattern_signature, created_at
		FROM l2_decisions WHERE pattern_signature = ?
		ORDER BY created_at DESC LIMIT ?`, sig, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*L2Decision
	for rows.Next() {
		var d L2Decision
		var created int64
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.RunbookID, &d.Reasoning,
			&d.Confidence, &d.Provider, &d.Model, &d.LatencyMs,
			&d.PatternSignature, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}
