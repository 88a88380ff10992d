// Package sqlite persists per-cycle trust snapshots and fused estimates so
// a run can be audited after the fact. The store is append-only during
// operation; Prune trims history by age.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

// Store wraps the audit database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fused_estimates (
			cycle_ts_ns       BIGINT,
			object_id         TEXT,
			class             TEXT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			trust_score       DOUBLE,
			contributors      BIGINT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS trust_snapshots (
			cycle_ts_ns       BIGINT,
			agent_id          TEXT,
			track_id          TEXT,
			alpha             DOUBLE,
			beta              DOUBLE,
			score             DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_fused_cycle ON fused_estimates(cycle_ts_ns);
		CREATE INDEX IF NOT EXISTS idx_trust_cycle ON trust_snapshots(cycle_ts_ns);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{db}, nil
}

// RecordCycle writes one cycle's fused estimates and trust beliefs in a
// single transaction.
func (s *Store) RecordCycle(nowNanos int64, fused []trust.FusedEstimate, agents, tracks []trust.TrustState) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	fusedStmt, err := tx.Prepare(`
		INSERT INTO fused_estimates (cycle_ts_ns, object_id, class, x, y, z, trust_score, contributors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fused insert: %w", err)
	}
	defer fusedStmt.Close()

	for _, est := range fused {
		if _, err := fusedStmt.Exec(nowNanos, est.ObjectID, est.Class,
			est.Position.X, est.Position.Y, est.Position.Z,
			est.TrustScore, len(est.Contributors)); err != nil {
			return fmt.Errorf("insert fused estimate %s: %w", est.ObjectID, err)
		}
	}

	trustStmt, err := tx.Prepare(`
		INSERT INTO trust_snapshots (cycle_ts_ns, agent_id, track_id, alpha, beta, score)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trust insert: %w", err)
	}
	defer trustStmt.Close()

	for _, states := range [][]trust.TrustState{agents, tracks} {
		for _, st := range states {
			if _, err := trustStmt.Exec(nowNanos, st.AgentID, st.TrackID,
				st.Alpha, st.Beta, st.Score()); err != nil {
				return fmt.Errorf("insert trust snapshot agent=%s track=%s: %w", st.AgentID, st.TrackID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// TrustHistory returns the recorded beliefs for one agent (optionally one
// track), newest first, capped at limit rows.
func (s *Store) TrustHistory(agentID, trackID string, limit int) ([]trust.TrustState, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.Query(`
		SELECT cycle_ts_ns, agent_id, track_id, alpha, beta
		FROM trust_snapshots
		WHERE agent_id = ? AND (? = '' OR track_id = ?)
		ORDER BY cycle_ts_ns DESC LIMIT ?`,
		agentID, trackID, trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trust history: %w", err)
	}
	defer rows.Close()

	var out []trust.TrustState
	for rows.Next() {
		var st trust.TrustState
		if err := rows.Scan(&st.LastUpdateNanos, &st.AgentID, &st.TrackID, &st.Alpha, &st.Beta); err != nil {
			return nil, fmt.Errorf("scan trust history: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune deletes audit rows older than the retention window.
func (s *Store) Prune(retention time.Duration, nowNanos int64) error {
	cutoff := nowNanos - retention.Nanoseconds()
	if _, err := s.Exec(`DELETE FROM fused_estimates WHERE cycle_ts_ns < ?`, cutoff); err != nil {
		return fmt.Errorf("prune fused estimates: %w", err)
	}
	if _, err := s.Exec(`DELETE FROM trust_snapshots WHERE cycle_ts_ns < ?`, cutoff); err != nil {
		return fmt.Errorf("prune trust snapshots: %w", err)
	}
	return nil
}
