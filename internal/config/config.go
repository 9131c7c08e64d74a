package config

import (
	"clipqueue/internal/domain/usecase"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreBackend   string
	StoreKeyPrefix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PSQLHost     string
	PSQLPort     int
	PSQLUser     string
	PSQLPassword string
	PSQLDBName   string
	PSQLSSLMode  string

	S3Host      string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Secure    bool

	RabbitMQURL string

	Processor    usecase.ProcessorConfig
	MaxBatchSize int

	ExecutorCommand string
	ExecutorWorkDir string

	HTTPAddr     string
	APIToken     string
	APIRateLimit int
}

func (c Config) PostgresEnabled() bool { return c.PSQLHost != "" }
func (c Config) S3Enabled() bool       { return c.S3Host != "" }
func (c Config) RabbitMQEnabled() bool { return c.RabbitMQURL != "" }

// Load reads .env.local when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load("./.env.local"); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a lookup function so tests can
// supply their own environment.
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		StoreBackend:   r.str("STORE_BACKEND", "redis"),
		StoreKeyPrefix: r.str("STORE_KEY_PREFIX", "clipqueue"),

		ExecutorCommand: r.str("EXECUTOR_COMMAND", "python -m clipgen.run"),
		ExecutorWorkDir: r.str("EXECUTOR_WORKDIR", ""),

		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		APIToken: r.str("API_TOKEN", ""),
	}

	// REDIS
	if cfg.StoreBackend == "redis" {
		cfg.RedisAddr = r.required("REDIS_HOST") + ":" + r.required("REDIS_PORT")
		cfg.RedisPassword = r.str("REDIS_PASSWORD", "")
		cfg.RedisDB = r.integer("REDIS_DB", 0)
	} else if cfg.StoreBackend != "memory" {
		r.fail("STORE_BACKEND", fmt.Errorf("unknown backend %q", cfg.StoreBackend))
	}

	// PSQL
	if cfg.PSQLHost = r.str("PSQL_HOST", ""); cfg.PSQLHost != "" {
		cfg.PSQLPort = r.integer("PSQL_PORT", 5432)
		cfg.PSQLUser = r.required("PSQL_USER")
		cfg.PSQLPassword = r.required("PSQL_PASSWORD")
		cfg.PSQLDBName = r.required("PSQL_DB")
		cfg.PSQLSSLMode = r.str("PSQL_SSLMODE", "disable")
	}

	// S3
	if host := r.str("S3_HOST", ""); host != "" {
		cfg.S3Host = host + ":" + r.str("S3_PORT", "9000")
		cfg.S3Bucket = r.required("S3_BUCKET")
		cfg.S3AccessKey = r.required("S3_ACCESS_KEY")
		cfg.S3SecretKey = r.required("S3_SECRET_KEY")
		cfg.S3Secure = r.boolean("S3_SECURE", false)
	}

	// RABBITMQ
	if host := r.str("RABBITMQ_HOST", ""); host != "" {
		rmqUser := r.required("RABBITMQ_USER")
		rmqPassword := r.required("RABBITMQ_PASSWORD")
		rmqPort := r.str("RABBITMQ_PORT", "5672")
		cfg.RabbitMQURL = "amqp://" + rmqUser + ":" + rmqPassword + "@" + host + ":" + rmqPort + "/"
	}

	// PROCESSOR
	defaults := usecase.DefaultProcessorConfig()
	cfg.Processor = usecase.ProcessorConfig{
		LockTTL:           r.duration("LOCK_TTL", defaults.LockTTL),
		RenewInterval:     r.duration("LOCK_RENEW_INTERVAL", defaults.RenewInterval),
		MaxRenewFailures:  r.integer("LOCK_MAX_RENEW_FAILURES", defaults.MaxRenewFailures),
		PollInterval:      r.duration("POLL_INTERVAL", defaults.PollInterval),
		WaitChunk:         r.duration("RATE_LIMIT_WAIT_CHUNK", defaults.WaitChunk),
		RateLimitInterval: r.hours("RATE_LIMIT_HOURS"),
		StuckJobThreshold: r.duration("STUCK_JOB_THRESHOLD", defaults.StuckJobThreshold),
	}
	cfg.MaxBatchSize = r.integer("MAX_BATCH_SIZE", usecase.DefaultMaxBatchSize)
	cfg.APIRateLimit = r.integer("API_RATE_LIMIT", 10)

	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.Processor.RenewInterval >= cfg.Processor.LockTTL {
		return Config{}, fmt.Errorf("LOCK_RENEW_INTERVAL (%s) must be shorter than LOCK_TTL (%s)",
			cfg.Processor.RenewInterval, cfg.Processor.LockTTL)
	}
	if cfg.MaxBatchSize <= 0 {
		return Config{}, fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", cfg.MaxBatchSize)
	}
	return cfg, nil
}

// reader keeps the first error so Load can report it once.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := r.getenv(key)
	if v == "" && r.err == nil {
		r.err = fmt.Errorf("environment variable %s is not set", key)
	}
	return v
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	if d <= 0 {
		r.fail(key, fmt.Errorf("must be positive, got %s", d))
		return def
	}
	return d
}

// hours parses a fractional number of hours; empty or zero disables.
func (r *reader) hours(key string) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return 0
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	if h < 0 {
		r.fail(key, fmt.Errorf("must not be negative, got %v", h))
		return 0
	}
	return time.Duration(h * float64(time.Hour))
}
