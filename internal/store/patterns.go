package store

import (
	"database/sql"
	"time"
)

// GetPatternStats returns stats for one signature.
func (s *Store) GetPatternStats(sig string) (*PatternStats, error) {
	row := s.db.QueryRow(patternSelect+` WHERE pattern_signature = ?`, sig)
	return scanPatternStats(row)
}

// ListPromotionEligible returns patterns that satisfy the promotion
// thresholds and have not already been promoted: at least minOccurrences
// sightings, at least minL2 L2 resolutions, and a success rate of at
// least minSuccessRate over terminal resolutions.
func (s *Store) ListPromotionEligible(minOccurrences, minL2 int, minSuccessRate float64) ([]*PatternStats, error) {
	rows, err := s.db.Query(patternSelect+`
		WHERE promoted = 0
		  AND occurrences >= ?
		  AND l2_resolutions >= ?
		  AND (successes + failures) > 0
		  AND CAST(successes AS REAL) / (successes + failures) >= ?
		ORDER BY occurrences DESC`,
		minOccurrences, minL2, minSuccessRate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatternStats
	for rows.Next() {
		p, err := scanPatternStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPromoted flags a pattern as promoted so it is not offered again.
func (s *Store) MarkPromoted(sig string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE pattern_stats SET promoted = 1,
			promotion_eligible = 1, updated_at = ? WHERE pattern_signature = ?`,
			s.now().Unix(), sig)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

const patternSelect = `SELECT pattern_signature, occurrences, l1_resolutions,
	l2_resolutions, l3_escalations, successes, failures, total_resolution_s,
	recommended_action, promotion_eligible, promoted, updated_at
	FROM pattern_stats`

func scanPatternStats(row rowScanner) (*PatternStats, error) {
	var p PatternStats
	var eligible, promoted int
	var updated int64
	err := row.Scan(&p.PatternSignature, &p.Occurrences, &p.L1Resolutions,
		&p.L2Resolutions, &p.L3Escalations, &p.Successes, &p.Failures,
		&p.TotalResolutionS, &p.RecommendedAction, &eligible, &promoted,
		&updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PromotionEligible = eligible != 0
	p.Promoted = promoted != 0
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}
