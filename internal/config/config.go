package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/peterhellberg/duration"
)

type Config struct {
	Port string

	// Primary document store: sqlite | mongo | memory | none
	PrimaryDriver string
	PrimaryDSN    string
	MongoDatabase string

	// Secondary relational-document store: postgres | pgx | none
	SecondaryDriver string
	SecondaryDSN    string

	Collection string

	CacheDriver   string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RetryMaxRetries int
	RetryBaseDelay  time.Duration
	RetryTimeout    time.Duration
	RetryOnTimeout  bool

	BulkBatchSize  int
	HealthInterval time.Duration

	TTLVolatile time.Duration
	TTLListing  time.Duration
	TTLStatic   time.Duration

	BalancedFixedPartitions int

	LogLevel  string
	LogFormat string

	CORSOrigins []string

	// invalid collects values that were set but could not be parsed.
	invalid error
}

// PostgresTable is the table the postgres migrations create.
const PostgresTable = "questions"

func FromEnv() Config {
	var bad []error
	dur := func(key string, fallback time.Duration) time.Duration {
		d, err := envDuration(key, fallback)
		if err != nil {
			bad = append(bad, err)
		}
		return d
	}

	cfg := Config{
		Port: getEnv("PORT", "8080"),

		PrimaryDriver: getEnv("PRIMARY_DRIVER", "sqlite"),
		PrimaryDSN:    getEnv("PRIMARY_DSN", "file:qbank.db"),
		MongoDatabase: getEnv("MONGO_DATABASE", "qbank"),

		SecondaryDriver: getEnv("SECONDARY_DRIVER", "postgres"),
		SecondaryDSN:    getEnv("SECONDARY_DSN", postgresDSN()),

		Collection: getEnv("COLLECTION", "questions"),

		CacheDriver:   getEnv("CACHE_DRIVER", "memory"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		RetryMaxRetries: envInt("RETRY_MAX_RETRIES", 3),
		RetryBaseDelay:  dur("RETRY_BASE_DELAY", time.Second),
		RetryTimeout:    dur("RETRY_TIMEOUT", 30*time.Second),
		RetryOnTimeout:  envBool("RETRY_ON_TIMEOUT", false),

		BulkBatchSize:  envInt("BULK_BATCH_SIZE", 500),
		HealthInterval: dur("HEALTH_INTERVAL", 30*time.Second),

		TTLVolatile: dur("CACHE_TTL_VOLATILE", 3*time.Minute),
		TTLListing:  dur("CACHE_TTL_LISTING", 5*time.Minute),
		TTLStatic:   dur("CACHE_TTL_STATIC", 15*time.Minute),

		BalancedFixedPartitions: envInt("BALANCED_FIXED_PARTITIONS", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		CORSOrigins: csvOr("CORS_ORIGINS", "*"),
	}
	cfg.invalid = errors.Join(bad...)
	return cfg
}

// Validate rejects combinations that cannot start a server.
func (c Config) Validate() error {
	if c.invalid != nil {
		return c.invalid
	}
	switch c.PrimaryDriver {
	case "sqlite", "mongo", "memory", "none", "":
	default:
		return fmt.Errorf("unknown PRIMARY_DRIVER %q", c.PrimaryDriver)
	}
	switch c.SecondaryDriver {
	case "postgres", "pgx", "none", "":
	default:
		return fmt.Errorf("unknown SECONDARY_DRIVER %q", c.SecondaryDriver)
	}
	switch c.CacheDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_DRIVER %q", c.CacheDriver)
	}
	if c.RetryMaxRetries < 1 {
		return fmt.Errorf("RETRY_MAX_RETRIES must be at least 1, got %d", c.RetryMaxRetries)
	}
	if c.RetryTimeout <= 0 {
		return fmt.Errorf("RETRY_TIMEOUT must be positive")
	}
	if (c.SecondaryDriver == "postgres" || c.SecondaryDriver == "pgx") && c.Collection != PostgresTable {
		return fmt.Errorf("COLLECTION must be %q with a postgres secondary, got %q", PostgresTable, c.Collection)
	}
	if c.BulkBatchSize < 1 {
		return fmt.Errorf("BULK_BATCH_SIZE must be at least 1, got %d", c.BulkBatchSize)
	}
	return nil
}

func postgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_USER", "qbank_user"),
		getEnv("DB_PASSWORD", "qbank_password"),
		getEnv("DB_NAME", "qbank"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
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

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

var shortDays = regexp.MustCompile(`^(\d+)([dw])$`)

// envDuration reads a bare integer of milliseconds, a Go duration ("1m30s"),
// a day or week count ("1d", "2w") or an ISO 8601 duration ("PT2S"). An
// unparseable value returns the fallback along with an error.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	iso := strings.ToUpper(v)
	if m := shortDays.FindStringSubmatch(strings.ToLower(v)); m != nil {
		n, _ := strconv.Atoi(m[1])
		if m[2] == "w" {
			n *= 7
		}
		iso = "P" + strconv.Itoa(n) + "D"
	}
	if !strings.HasPrefix(iso, "P") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	d, err := duration.Parse(iso)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}

func csvOr(key, def string) []string {
	v := getEnv(key, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
