package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	Port   int

	// Postgres (pgxpool DSN)
	DBDSN string

	// Redis queue endpoint (URL form, e.g. redis://host:6379/0)
	RedisURL string

	// JWT verification (tokens are minted by the external identity service)
	JWTSecret string
	JWTIssuer string

	// Participant / mailbox cache
	CacheTTL time.Duration

	// Queue topics and worker tuning
	MessagesStream string
	ReceiptsStream string
	QueueGroup     string
	ConsumerName   string
	BatchMax       int
	ReadBlock      time.Duration
	IdleSleep      time.Duration

	// Rate limit
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	// HTTP
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("HTTP_PORT", getInt("PORT", 8080))

	// --- Postgres: prefer DATABASE_URL if present, else build from POSTGRES_*
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		host := getEnv("POSTGRES_HOST", "localhost")
		port := getEnv("POSTGRES_PORT", "5432")
		user := getEnv("POSTGRES_USER", "postgres")
		pass := getEnv("POSTGRES_PASSWORD", "")
		db := getEnv("POSTGRES_DB", "messages")
		sslmode := getEnv("POSTGRES_SSLMODE", "disable")
		cfg.DBDSN = buildPostgresURL(host+":"+port, user, pass, db, sslmode)
	}

	// --- Redis queue endpoint. The deployment variable is REDIS; REDIS_URL is
	// accepted for compatibility.
	cfg.RedisURL = firstNonEmpty(
		strings.TrimSpace(os.Getenv("REDIS")),
		strings.TrimSpace(os.Getenv("REDIS_URL")),
		"redis://localhost:6379",
	)

	// --- JWT
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")

	// --- Cache
	cfg.CacheTTL = getDuration("CACHE_TTL", 10*time.Minute)

	// --- Queue
	cfg.MessagesStream = getEnv("MESSAGES_STREAM", "messages")
	cfg.ReceiptsStream = getEnv("RECEIPTS_STREAM", "receipts")
	cfg.QueueGroup = getEnv("QUEUE_GROUP", "persisters")
	cfg.ConsumerName = getEnv("CONSUMER_NAME", "worker-1")
	cfg.BatchMax = getInt("QUEUE_BATCH_MAX", 100)
	cfg.ReadBlock = getDuration("QUEUE_BLOCK", 5*time.Second)
	cfg.IdleSleep = getDuration("QUEUE_IDLE_SLEEP", 500*time.Millisecond)

	// --- Rate limit
	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RATE_LIMIT_RPM", 300)
	cfg.RLWindow = time.Minute

	// --- HTTP
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", 8*time.Second)

	// --- Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// --- Validation (fail fast)
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_HOST/POSTGRES_USER/POSTGRES_DB")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	if u, err := url.Parse(cfg.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
		return nil, fmt.Errorf("invalid REDIS endpoint %q: expected redis://, rediss:// or unix://", cfg.RedisURL)
	}
	if cfg.BatchMax <= 0 {
		return nil, fmt.Errorf("QUEUE_BATCH_MAX must be positive, got %d", cfg.BatchMax)
	}

	return cfg, nil
}

// buildPostgresURL builds a safe postgres URL DSN (handles special characters).
func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
