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
	"github.com/redis/go-redis/v9"
)

// seedDevice is one demo black box: the API key it ingests with and the
// address its alerts go to when a reading carries no ownerEmail.
type seedDevice struct {
	apiKey     string
	deviceID   string
	ownerEmail string
}

var devices = []seedDevice{
	{"bb_001_key", "BB-001", "owner.bb001@example.com"},
	{"bb_002_key", "BB-002", "owner.bb002@example.com"},
	{"bb_003_key", "BB-003", ""},
	{"bb_test_key", "BB-TEST", "fleet-test@example.com"},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:     seedGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: seedGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, postgresURL())
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nRun first:\n  go run ./scripts/init_db", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_device_keys(ctx, client)
	step2_device_owners(ctx, conn)
	step3_verify(ctx, client, conn)

	fmt.Println("\n✅ Devices seeded successfully")
	fmt.Println("   Run next: go run ./cmd/blackbox")
}

func step1_device_keys(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 1: Seeding device API keys ─────────────")

	// Key pattern: device:auth:{api_key} → device_id
	// A key only ingests for the device it names. No TTL.
	for _, d := range devices {
		key := "device:auth:" + d.apiKey
		if err := client.Set(ctx, key, d.deviceID, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", key, d.deviceID)
	}
}

func step2_device_owners(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: Seeding device owners ───────────────")

	// A device without an owner still gets a row; its alerts go to the
	// fallback recipient only.
	for _, d := range devices {
		var owner *string
		if d.ownerEmail != "" {
			owner = &d.ownerEmail
		}
		_, err := conn.Exec(ctx, `
			INSERT INTO devices (device_id, owner_email)
			VALUES ($1, $2)
			ON CONFLICT (device_id) DO UPDATE SET owner_email = EXCLUDED.owner_email`,
			d.deviceID, owner,
		)
		if err != nil {
			log.Fatalf("Failed to seed owner for %s: %v", d.deviceID, err)
		}
		shown := d.ownerEmail
		if shown == "" {
			shown = "(none)"
		}
		fmt.Printf("  ✓ %-30s → %s\n", d.deviceID, shown)
	}
}

func step3_verify(ctx context.Context, client *redis.Client, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "device:auth:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d API keys found in Redis\n", len(keys))

	var owners int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE owner_email IS NOT NULL`).Scan(&owners); err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d devices with an owner in Postgres\n", owners)

	deviceID, err := client.Get(ctx, "device:auth:bb_test_key").Result()
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	var owner string
	err = conn.QueryRow(ctx, `SELECT owner_email FROM devices WHERE device_id = $1`, deviceID).Scan(&owner)
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: bb_test_key → %s → %s\n", deviceID, owner)
}

func postgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(seedGetEnv("DB_USER", "blackbox"), seedGetEnv("DB_PASSWORD", "blackbox")),
		Host:   net.JoinHostPort(seedGetEnv("DB_HOST", "localhost"), seedGetEnv("DB_PORT", "5432")),
		Path:   "/" + seedGetEnv("DB_NAME", "blackbox"),
	}
	return u.String()
}

func seedGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
