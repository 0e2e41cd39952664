package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/sessions/internal/config"
	"fleet-monitor/sessions/internal/domain"
)

// Pool is the part of *pgxpool.Pool the store uses; pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type TimescaleStore struct {
	pool Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

// NewTimescaleStoreWithPool wraps an existing pool.
func NewTimescaleStoreWithPool(pool Pool) *TimescaleStore {
	return &TimescaleStore{pool: pool}
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var segmentColumns = []string{
	"session_id",
	"seq_no",
	"state",
	"started_at",
	"ended_at",
	"geofence_id",
}

var eventColumns = []string{
	"session_id",
	"event_type",
	"occurred_at",
	"geofence_id",
	"latitude",
	"longitude",
	"speed_kmh",
	"roll",
	"pitch",
}

func (s *TimescaleStore) Exists(ctx context.Context, key domain.SessionKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM driving_sessions
			WHERE vehicle_id = $1 AND session_date = $2 AND sequence = $3
		)
	`
	var exists bool
	err := s.pool.QueryRow(ctx, query, key.VehicleID, key.Date, key.Sequence).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists check failed for %s: %w", key, err)
	}
	return exists, nil
}

// InsertIfAbsent writes the session with its segments and events in one
// transaction. It reports false, without writing anything, when the key is
// already taken.
func (s *TimescaleStore) InsertIfAbsent(ctx context.Context, sess *domain.Session) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := insertSession(ctx, tx, sess)
	if err != nil || !inserted {
		return false, err
	}
	if err := copyChildren(ctx, tx, sess); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit failed for %s: %w", sess.Key, err)
	}
	return true, nil
}

// Replace deletes any stored session with the same key and writes sess in
// its place. Child rows go with the parent through ON DELETE CASCADE.
func (s *TimescaleStore) Replace(ctx context.Context, sess *domain.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM driving_sessions
		WHERE vehicle_id = $1 AND session_date = $2 AND sequence = $3
	`, sess.Key.VehicleID, sess.Key.Date, sess.Key.Sequence)
	if err != nil {
		return fmt.Errorf("delete failed for %s: %w", sess.Key, err)
	}

	inserted, err := insertSession(ctx, tx, sess)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("replace %s: %w", sess.Key, domain.ErrDuplicateSession)
	}
	if err := copyChildren(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed for %s: %w", sess.Key, err)
	}
	return nil
}

func insertSession(ctx context.Context, tx pgx.Tx, sess *domain.Session) (bool, error) {
	quality, err := json.Marshal(sess.Quality)
	if err != nil {
		return false, fmt.Errorf("failed to marshal quality: %w", err)
	}
	sources, err := json.Marshal(sess.Sources)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sources: %w", err)
	}

	query := `
		INSERT INTO driving_sessions
			(id, vehicle_id, session_date, sequence, started_at, ended_at,
			 distance_km, duration_s, quality_index, needs_review, review_reasons,
			 sources, quality)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (vehicle_id, session_date, sequence) DO NOTHING
		RETURNING id
	`
	var id string
	err = tx.QueryRow(
		ctx,
		query,
		sess.ID,
		sess.Key.VehicleID,
		sess.Key.Date,
		sess.Key.Sequence,
		sess.Start,
		sess.End,
		sess.Summary.DistanceKm,
		int64(sess.Summary.Duration/time.Second),
		sess.Quality.Index,
		sess.NeedsReview(),
		joinReasons(sess.ReviewReasons),
		string(sources),
		string(quality),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert failed for %s: %w", sess.Key, err)
	}
	return true, nil
}

func copyChildren(ctx context.Context, tx pgx.Tx, sess *domain.Session) error {
	if len(sess.Segments) > 0 {
		rows := make([][]interface{}, len(sess.Segments))
		for i, seg := range sess.Segments {
			rows[i] = []interface{}{
				sess.ID,
				i,
				string(seg.State),
				seg.Start,
				seg.End,
				nullable(seg.GeofenceID),
			}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"session_segments"}, segmentColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("CopyFrom failed for %d segments: %w", len(rows), err)
		}
	}

	if len(sess.Events) > 0 {
		rows := make([][]interface{}, len(sess.Events))
		for i, ev := range sess.Events {
			rows[i] = []interface{}{
				sess.ID,
				string(ev.Type),
				ev.At,
				ev.GeofenceID,
				ev.Latitude,
				ev.Longitude,
				ev.SpeedKmh,
				ev.Roll,
				ev.Pitch,
			}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"session_events"}, eventColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("CopyFrom failed for %d events: %w", len(rows), err)
		}
	}
	return nil
}

// Geofences loads every workshop and base polygon or circle.
func (s *TimescaleStore) Geofences(ctx context.Context) ([]domain.Geofence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind,
		       COALESCE(ring::text, ''),
		       COALESCE(center_lon, 0), COALESCE(center_lat, 0), COALESCE(radius_m, 0)
		FROM geofences
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("geofence query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Geofence
	for rows.Next() {
		var (
			g                 domain.Geofence
			kind, ring        string
			lon, lat, radiusM float64
		)
		if err := rows.Scan(&g.ID, &g.Name, &kind, &ring, &lon, &lat, &radiusM); err != nil {
			return nil, fmt.Errorf("geofence scan failed: %w", err)
		}
		g.Kind = domain.GeofenceKind(kind)
		if ring != "" {
			if err := json.Unmarshal([]byte(ring), &g.Ring); err != nil {
				return nil, fmt.Errorf("geofence %s: bad ring: %w", g.ID, err)
			}
		}
		if radiusM > 0 {
			g.Circle = &domain.Circle{Center: domain.LonLat{lon, lat}, RadiusM: radiusM}
		}
		if err := validateGeofence(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func joinReasons(reasons []domain.ReviewReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
