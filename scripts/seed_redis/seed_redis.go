package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"fleet-monitor/sessions/internal/store"
)

func main() {
	pin := flag.String("polarity", "", "pin the beacon active value (0 or 1)")
	reset := flag.Bool("reset", false, "forget the stored beacon active value so the next run infers it")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	db, _ := strconv.Atoi(redisGetEnv("REDIS_DB", "0"))
	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       db,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_polarity(ctx, client, *pin, *reset)
	step2_verify(ctx, client)

	fmt.Println("\n✅ Redis ready")
	fmt.Println("   Run next: go run ./cmd/ingest -dir <exports>")
}

func step1_polarity(ctx context.Context, client *redis.Client, pin string, reset bool) {
	fmt.Println("\n── Step 1: Beacon polarity ─────────────────────")

	switch {
	case reset:
		if err := client.Del(ctx, store.PolarityKey).Err(); err != nil {
			log.Fatalf("Failed to delete %s: %v", store.PolarityKey, err)
		}
		fmt.Printf("  ✓ %s cleared, next auto run will infer it\n", store.PolarityKey)

	case pin != "":
		if pin != "0" && pin != "1" {
			log.Fatalf("-polarity must be 0 or 1, got %q", pin)
		}
		// TTL = 0: the deployment value never expires
		if err := client.Set(ctx, store.PolarityKey, pin, 0).Err(); err != nil {
			log.Fatalf("Failed to set %s: %v", store.PolarityKey, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", store.PolarityKey, pin)

	default:
		fmt.Println("  - nothing to change (use -polarity 0|1 or -reset)")
	}
}

func step2_verify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	val, err := client.Get(ctx, store.PolarityKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		fmt.Printf("  ✓ %s unset (BEACON_ACTIVE_VALUE=auto will infer it)\n", store.PolarityKey)
	case err != nil:
		log.Fatalf("Verification failed: %v", err)
	default:
		fmt.Printf("  ✓ %s → %s\n", store.PolarityKey, val)
	}

	runs, err := client.Keys(ctx, "run:*:outcomes").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d recent run summaries in Redis\n", len(runs))

	locks, err := client.Keys(ctx, "session:lock:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	if len(locks) > 0 {
		fmt.Printf("  ! %d session locks held; another run may be in progress\n", len(locks))
	}
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
