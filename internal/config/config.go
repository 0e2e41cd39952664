package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Storage backend: postgres | sqlite
	StoreBackend string
	SQLitePath   string

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// File naming
	InertialLabel string
	GPSLabel      string
	BeaconLabel   string

	// Correlation
	CorrelationTolerance time.Duration
	MaxFragmentGap       time.Duration

	// Classification
	GeofenceSource    string
	GeofenceFile      string
	MovingSpeedKmh    float64
	BeaconActiveValue string
	PolarityMinSample int

	// Assembly
	MinSessionDuration   time.Duration
	MaxSessionDuration   time.Duration
	MaxPlausibleSpeedKmh float64
	Overwrite            bool

	// Worker counts
	VehicleWorkers int
	FileWorkers    int

	// Outcome reporting
	OutcomeChannelSize int
	OutcomeBatchSize   int
	OutcomeFlushMS     int

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func Load() *Config {
	return &Config{
		StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		SQLitePath:           getEnv("SQLITE_PATH", "sessions.db"),
		DBHost:               getEnv("DB_HOST", "localhost"),
		DBPort:               getEnv("DB_PORT", "5432"),
		DBUser:               getEnv("DB_USER", "fleet_user"),
		DBPassword:           getEnv("DB_PASSWORD", "fleet_password"),
		DBName:               getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:           int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		LockTTL:              getEnvDuration("LOCK_TTL", 30*time.Second),
		InertialLabel:        getEnv("INERTIAL_LABEL", "ESTABILIDAD"),
		GPSLabel:             getEnv("GPS_LABEL", "GPS"),
		BeaconLabel:          getEnv("BEACON_LABEL", "ROTATIVO"),
		CorrelationTolerance: getEnvDuration("CORRELATION_TOLERANCE", 3*time.Minute),
		MaxFragmentGap:       getEnvDuration("MAX_FRAGMENT_GAP", 10*time.Minute),
		GeofenceSource:       strings.ToLower(getEnv("GEOFENCE_SOURCE", "file")),
		GeofenceFile:         getEnv("GEOFENCE_FILE", "geofences.yaml"),
		MovingSpeedKmh:       getEnvFloat("MOVING_SPEED_KMH", 5),
		BeaconActiveValue:    strings.ToLower(getEnv("BEACON_ACTIVE_VALUE", "auto")),
		PolarityMinSample:    getEnvInt("POLARITY_MIN_SAMPLES", 30),
		MinSessionDuration:   getEnvDuration("MIN_SESSION_DURATION", 5*time.Minute),
		MaxSessionDuration:   getEnvDuration("MAX_SESSION_DURATION", 18*time.Hour),
		MaxPlausibleSpeedKmh: getEnvFloat("MAX_PLAUSIBLE_SPEED_KMH", 200),
		Overwrite:            getEnvBool("OVERWRITE", false),
		VehicleWorkers:       getEnvInt("VEHICLE_WORKERS", 4),
		FileWorkers:          getEnvInt("FILE_WORKERS", 3),
		OutcomeChannelSize:   getEnvInt("OUTCOME_CHANNEL_SIZE", 1000),
		OutcomeBatchSize:     getEnvInt("OUTCOME_BATCH_SIZE", 50),
		OutcomeFlushMS:       getEnvInt("OUTCOME_FLUSH_INTERVAL_MS", 500),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		MetricsAddr:          getEnv("METRICS_ADDR", ""),
	}
}

// RedisEnabled is false when REDIS_ADDR is "off", which runs without
// cross-process locks, persisted polarity or outcome publishing.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != "" && !strings.EqualFold(c.RedisAddr, "off")
}

// PostgresURL builds the pgxpool connection string.
func (c *Config) PostgresURL() string {
	return "postgres://" + c.DBUser + ":" + c.DBPassword + "@" + c.DBHost + ":" + c.DBPort + "/" + c.DBName +
		"?pool_max_conns=" + strconv.Itoa(int(c.DBMaxConns))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
