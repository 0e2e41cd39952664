package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fleet-monitor/sessions/internal/domain"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const sqliteTime = time.RFC3339Nano

// SQLiteStore is the single-file session store for offline runs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection keeps SQLite from returning SQLITE_BUSY to
	// concurrent workers and lets the pragmas below stick.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, key domain.SessionKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM driving_sessions
		WHERE vehicle_id = ? AND session_date = ? AND sequence = ?
	`, key.VehicleID, key.Date.Format(domain.DateLayout), key.Sequence).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists check failed for %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, sess *domain.Session) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.insert(ctx, tx, sess, "INSERT OR IGNORE")
	if err != nil || !inserted {
		return false, err
	}
	if err := s.insertChildren(ctx, tx, sess); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit failed for %s: %w", sess.Key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, sess *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	// Children are removed explicitly; the cascade only fires on connections
	// that have foreign keys enabled.
	for _, table := range []string{"session_events", "session_segments"} {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM `+table+` WHERE session_id IN (
				SELECT id FROM driving_sessions
				WHERE vehicle_id = ? AND session_date = ? AND sequence = ?
			)
		`, sess.Key.VehicleID, sess.Key.Date.Format(domain.DateLayout), sess.Key.Sequence)
		if err != nil {
			return fmt.Errorf("delete %s failed for %s: %w", table, sess.Key, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM driving_sessions
		WHERE vehicle_id = ? AND session_date = ? AND sequence = ?
	`, sess.Key.VehicleID, sess.Key.Date.Format(domain.DateLayout), sess.Key.Sequence)
	if err != nil {
		return fmt.Errorf("delete failed for %s: %w", sess.Key, err)
	}
	if _, err := s.insert(ctx, tx, sess, "INSERT"); err != nil {
		return err
	}
	if err := s.insertChildren(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed for %s: %w", sess.Key, err)
	}
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, sess *domain.Session, verb string) (bool, error) {
	quality, err := json.Marshal(sess.Quality)
	if err != nil {
		return false, fmt.Errorf("failed to marshal quality: %w", err)
	}
	sources, err := json.Marshal(sess.Sources)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sources: %w", err)
	}

	res, err := tx.ExecContext(ctx, verb+` INTO driving_sessions
		(id, vehicle_id, session_date, sequence, started_at, ended_at,
		 distance_km, duration_s, quality_index, needs_review, review_reasons,
		 sources, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Key.VehicleID,
		sess.Key.Date.Format(domain.DateLayout),
		sess.Key.Sequence,
		sess.Start.Format(sqliteTime),
		sess.End.Format(sqliteTime),
		sess.Summary.DistanceKm,
		int64(sess.Summary.Duration/time.Second),
		sess.Quality.Index,
		sess.NeedsReview(),
		joinReasons(sess.ReviewReasons),
		string(sources),
		string(quality),
	)
	if err != nil {
		return false, fmt.Errorf("insert failed for %s: %w", sess.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert failed for %s: %w", sess.Key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) insertChildren(ctx context.Context, tx *sql.Tx, sess *domain.Session) error {
	for i, seg := range sess.Segments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_segments (session_id, seq_no, state, started_at, ended_at, geofence_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sess.ID, i, string(seg.State), seg.Start.Format(sqliteTime), seg.End.Format(sqliteTime), nullable(seg.GeofenceID))
		if err != nil {
			return fmt.Errorf("insert segment %d for %s: %w", i, sess.Key, err)
		}
	}
	for i, ev := range sess.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_events
				(session_id, event_type, occurred_at, geofence_id, latitude, longitude, speed_kmh, roll, pitch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, string(ev.Type), ev.At.Format(sqliteTime), ev.GeofenceID, ev.Latitude, ev.Longitude, ev.SpeedKmh, ev.Roll, ev.Pitch)
		if err != nil {
			return fmt.Errorf("insert event %d for %s: %w", i, sess.Key, err)
		}
	}
	return nil
}

// SegmentStates lists the stored segment states of a session in order.
func (s *SQLiteStore) SegmentStates(ctx context.Context, key domain.SessionKey) ([]domain.OperationalState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.state FROM session_segments g
		JOIN driving_sessions d ON d.id = g.session_id
		WHERE d.vehicle_id = ? AND d.session_date = ? AND d.sequence = ?
		ORDER BY g.seq_no
	`, key.VehicleID, key.Date.Format(domain.DateLayout), key.Sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OperationalState
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, domain.OperationalState(st))
	}
	return out, rows.Err()
}

// CountSessions returns how many sessions are stored.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM driving_sessions`).Scan(&n)
	return n, err
}
