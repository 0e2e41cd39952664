package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fleet_user"),
		dbGetEnv("DB_PASSWORD", "fleet_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_sessions_table(ctx, conn)
	step2_child_tables(ctx, conn)
	step3_geofences_table(ctx, conn)
	step4_indexes(ctx, conn)
	step5_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1: driving_sessions table
// ─────────────────────────────────────────────────────────────
func step1_sessions_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: driving_sessions table ──────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS driving_sessions (

			-- Derived from the session key, so re-ingesting yields the same id
			id              UUID             PRIMARY KEY,

			-- Session key
			vehicle_id      TEXT             NOT NULL,
			session_date    DATE             NOT NULL,
			sequence        INTEGER          NOT NULL,

			started_at      TIMESTAMPTZ      NOT NULL,
			ended_at        TIMESTAMPTZ      NOT NULL,

			-- Summary
			distance_km     DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_s      BIGINT           NOT NULL,
			quality_index   INTEGER          NOT NULL,

			-- Comma separated review reasons, empty when clean
			needs_review    BOOLEAN          NOT NULL DEFAULT false,
			review_reasons  TEXT             NOT NULL DEFAULT '',

			-- Contributing sub-stream per sensor kind
			sources         JSONB            NOT NULL,
			quality         JSONB            NOT NULL,

			created_at      TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- The insert-if-absent target: one row per session key
			CONSTRAINT uq_session_key UNIQUE (vehicle_id, session_date, sequence),

			CONSTRAINT chk_quality_index CHECK (quality_index BETWEEN 0 AND 100),
			CONSTRAINT chk_sequence CHECK (sequence > 0)
		);
	`, "driving_sessions table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2: session_segments and session_events
// ─────────────────────────────────────────────────────────────
func step2_child_tables(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: segment and event tables ────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS session_segments (
			session_id   UUID        NOT NULL REFERENCES driving_sessions(id) ON DELETE CASCADE,
			seq_no       INTEGER     NOT NULL,

			-- Must exactly match domain.OperationalState constants
			state        TEXT        NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			ended_at     TIMESTAMPTZ NOT NULL,
			geofence_id  TEXT,

			PRIMARY KEY (session_id, seq_no),

			CONSTRAINT chk_state CHECK (
				state IN ('WORKSHOP', 'AT_BASE', 'EMERGENCY_DISPATCH', 'ON_SCENE', 'RETURNING')
			),
			CONSTRAINT chk_segment_order CHECK (ended_at >= started_at)
		);
	`, "session_segments table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS session_events (
			id           BIGSERIAL        PRIMARY KEY,
			session_id   UUID             NOT NULL REFERENCES driving_sessions(id) ON DELETE CASCADE,

			-- DEPARTURE | RETURN
			event_type   TEXT             NOT NULL,
			occurred_at  TIMESTAMPTZ      NOT NULL,
			geofence_id  TEXT             NOT NULL,

			latitude     DOUBLE PRECISION NOT NULL,
			longitude    DOUBLE PRECISION NOT NULL,

			-- Nearest samples at the event time, 0 when unavailable
			speed_kmh    DOUBLE PRECISION NOT NULL DEFAULT 0,
			roll         DOUBLE PRECISION NOT NULL DEFAULT 0,
			pitch        DOUBLE PRECISION NOT NULL DEFAULT 0,

			CONSTRAINT chk_event_type CHECK (event_type IN ('DEPARTURE', 'RETURN'))
		);
	`, "session_events table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3: geofences table
// ─────────────────────────────────────────────────────────────
func step3_geofences_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: geofences table ─────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofences (
			id          TEXT             PRIMARY KEY,
			name        TEXT             NOT NULL DEFAULT '',

			-- base | workshop
			kind        TEXT             NOT NULL,

			-- Polygon as [[lon, lat], ...]; NULL for circles
			ring        JSONB,

			-- Circle; NULL for polygons
			center_lon  DOUBLE PRECISION,
			center_lat  DOUBLE PRECISION,
			radius_m    DOUBLE PRECISION,

			CONSTRAINT chk_geofence_kind CHECK (kind IN ('base', 'workshop')),
			CONSTRAINT chk_one_shape CHECK (
				(ring IS NOT NULL AND radius_m IS NULL) OR
				(ring IS NULL AND radius_m > 0 AND center_lon IS NOT NULL AND center_lat IS NOT NULL)
			)
		);
	`, "geofences table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4: Indexes
// ─────────────────────────────────────────────────────────────
func step4_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_sessions_vehicle_start",
			sql: `CREATE INDEX IF NOT EXISTS idx_sessions_vehicle_start
				  ON driving_sessions (vehicle_id, started_at DESC);`,
			why: "query: trip history for one vehicle",
		},
		{
			name: "idx_sessions_review",
			sql: `CREATE INDEX IF NOT EXISTS idx_sessions_review
				  ON driving_sessions (session_date DESC)
				  WHERE needs_review;`,
			why: "query: review queue (partial index)",
		},
		{
			name: "idx_events_session",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_session
				  ON session_events (session_id, occurred_at);`,
			why: "query: departures and returns of a session",
		},
		{
			name: "idx_events_geofence",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_geofence
				  ON session_events (geofence_id, occurred_at DESC);`,
			why: "query: traffic through one base",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 5: Verify everything was created
// ─────────────────────────────────────────────────────────────
func step5_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Verification ────────────────────────")

	tables := []string{"driving_sessions", "session_segments", "session_events", "geofences"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('driving_sessions', 'session_events')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)

	var fences int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM geofences`).Scan(&fences); err != nil {
		log.Fatalf("Geofence count failed: %v", err)
	}
	if fences == 0 {
		fmt.Println("  ! geofences is empty; load bases and workshops before using GEOFENCE_SOURCE=postgres")
	} else {
		fmt.Printf("  ✓ geofences: %d\n", fences)
	}
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
