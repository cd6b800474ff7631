package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	connStr := (&url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(dbGetEnv("DB_USER", "blackbox"), dbGetEnv("DB_PASSWORD", "blackbox")),
		Host:   net.JoinHostPort(dbGetEnv("DB_HOST", "localhost"), dbGetEnv("DB_PORT", "5432")),
		Path:   "/" + dbGetEnv("DB_NAME", "blackbox"),
	}).String()

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_readings_table(ctx, conn)
	step2_devices_table(ctx, conn)
	step3_indexes(ctx, conn)
	step4_change_feed(ctx, conn)
	step5_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1: readings table
// ─────────────────────────────────────────────────────────────
func step1_readings_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: readings table ──────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS readings (
			id                 TEXT             PRIMARY KEY,
			device_id          TEXT             NOT NULL,

			-- Device clock; received_at is the server's
			ts                 TIMESTAMPTZ      NOT NULL,
			received_at        TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Sensor fields keep what the device sent, including
			-- "awaiting-fix" sentinels and unparseable values
			gforces            JSONB            NOT NULL,
			gyro               JSONB            NOT NULL,
			location           JSONB,
			speed              JSONB,
			fire_status        BOOLEAN          NOT NULL DEFAULT false,

			owner_email        TEXT,
			emergency_contacts JSONB,

			-- Written back by the pipeline in one UPDATE
			status             TEXT             NOT NULL DEFAULT 'UNCLASSIFIED',
			accident_type      TEXT,
			confidence         DOUBLE PRECISION,
			address            TEXT,
			speed_trajectory   JSONB,
			last_analyzed      TIMESTAMPTZ,

			CONSTRAINT chk_status CHECK (
				status IN ('UNCLASSIFIED', 'NORMAL', 'BUMP', 'ACCIDENT', 'FIRE', 'ERROR')
			),
			CONSTRAINT chk_confidence CHECK (
				confidence IS NULL OR (confidence >= 0 AND confidence <= 1)
			)
		);
	`, "readings table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2: devices table
// ─────────────────────────────────────────────────────────────
func step2_devices_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: devices table ───────────────────────")

	// Owner lookup for readings that do not carry ownerEmail
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT         PRIMARY KEY,
			owner_email  TEXT,
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
	`, "devices table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3: Indexes
// ─────────────────────────────────────────────────────────────
func step3_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_readings_device_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_device_time
				  ON readings (device_id, ts DESC);`,
			why: "query: history for one device",
		},
		{
			name: "idx_readings_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_time
				  ON readings (ts DESC);`,
			why: "query: paged event list, newest first",
		},
		{
			name: "idx_readings_unclassified",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_unclassified
				  ON readings (received_at)
				  WHERE status = 'UNCLASSIFIED';`,
			why: "query: classification pass (partial index)",
		},
		{
			name: "idx_readings_alerts",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_alerts
				  ON readings (status, ts)
				  WHERE status IN ('ACCIDENT', 'FIRE');`,
			why: "query: alert replay (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-32s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 4: Created/updated feed
// ─────────────────────────────────────────────────────────────
func step4_change_feed(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Change feed trigger ─────────────────")

	// Payload is "<op>:<id>", read by store.Subscribe. Pipeline write-backs
	// only touch result columns, so they do not fire the trigger again.
	execOrFatal(ctx, conn, `
		CREATE OR REPLACE FUNCTION notify_reading_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('readings_changed', TG_OP || ':' || NEW.id);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`, "notify_reading_change() function")

	execOrFatal(ctx, conn,
		`DROP TRIGGER IF EXISTS readings_changed_insert ON readings;`,
		"old insert trigger dropped",
	)
	execOrFatal(ctx, conn, `
		CREATE TRIGGER readings_changed_insert
			AFTER INSERT ON readings
			FOR EACH ROW EXECUTE FUNCTION notify_reading_change();
	`, "insert trigger")

	execOrFatal(ctx, conn,
		`DROP TRIGGER IF EXISTS readings_changed_update ON readings;`,
		"old update trigger dropped",
	)
	execOrFatal(ctx, conn, `
		CREATE TRIGGER readings_changed_update
			AFTER UPDATE OF gforces, gyro, location, speed, fire_status ON readings
			FOR EACH ROW
			WHEN (OLD.gforces      IS DISTINCT FROM NEW.gforces
			   OR OLD.gyro         IS DISTINCT FROM NEW.gyro
			   OR OLD.location     IS DISTINCT FROM NEW.location
			   OR OLD.speed        IS DISTINCT FROM NEW.speed
			   OR OLD.fire_status  IS DISTINCT FROM NEW.fire_status)
			EXECUTE FUNCTION notify_reading_change();
	`, "sensor update trigger")
}

// ─────────────────────────────────────────────────────────────
// Step 5: Verify everything was created
// ─────────────────────────────────────────────────────────────
func step5_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Verification ────────────────────────")

	for _, table := range []string{"readings", "devices"} {
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

	var triggers int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM information_schema.triggers
		WHERE event_object_table = 'readings'
		AND trigger_name LIKE 'readings_changed_%'
	`).Scan(&triggers)
	if err != nil {
		log.Fatalf("Trigger check failed: %v", err)
	}
	fmt.Printf("  ✓ change feed triggers: %d\n", triggers)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = 'readings'
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

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
