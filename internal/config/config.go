package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	AMQP      AMQP      `yaml:"amqp"`
	S3        S3        `yaml:"s3"`
	Gateway   Gateway   `yaml:"gateway"`
	Resolver  Resolver  `yaml:"resolver"`
	Threading Threading `yaml:"threading"`
	Sync      Sync      `yaml:"sync"`
	Log       Log       `yaml:"log"`
}

// S3 holds S3/MinIO storage configuration for archived attachments
type S3 struct {
	Enabled         bool   `yaml:"enabled" env:"S3_ENABLED" env-default:"false"`
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID" env-default:"minioadmin"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY" env-default:"minioadmin"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"attachments"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	PublicURL       string `yaml:"public_url" env:"S3_PUBLIC_URL" env-default:"http://localhost:9000/attachments"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Database holds database configuration
type Database struct {
	// PostgreSQL. Empty DSN runs the service on the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings
	MaxConns int32 `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"25"`
	MinConns int32 `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"5"`

	// MigrateTenants applies tenant DDL for every schema in public.tenants on startup
	MigrateTenants bool `yaml:"migrate_tenants" env:"DB_MIGRATE_TENANTS" env-default:"false"`
}

// Redis holds the pub/sub channel layer configuration
type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"10"`
}

// AMQP holds the task queue configuration
type AMQP struct {
	URL        string `yaml:"url" env:"AMQP_URL"`
	Exchange   string `yaml:"exchange" env:"AMQP_EXCHANGE" env-default:"comms.tasks"`
	Queue      string `yaml:"queue" env:"AMQP_QUEUE" env-default:"comms.tasks.worker"`
	Prefetch   int    `yaml:"prefetch" env:"AMQP_PREFETCH" env-default:"4"`
	RunWorkers bool   `yaml:"run_workers" env:"AMQP_RUN_WORKERS" env-default:"true"`
}

// Gateway holds the unification gateway API configuration
type Gateway struct {
	BaseURL string        `yaml:"base_url" env:"GATEWAY_BASE_URL" env-default:"https://api.unipile.com/api/v1"`
	APIKey  string        `yaml:"api_key" env:"GATEWAY_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"GATEWAY_TIMEOUT" env-default:"30s"`
}

// Resolver holds the contact resolution gateway configuration
type Resolver struct {
	// Empty BaseURL disables remote resolution (no matches are ever returned)
	BaseURL       string        `yaml:"base_url" env:"RESOLVER_BASE_URL"`
	APIKey        string        `yaml:"api_key" env:"RESOLVER_API_KEY"`
	MinConfidence float64       `yaml:"min_confidence" env:"RESOLVER_MIN_CONFIDENCE" env-default:"0.7"`
	Timeout       time.Duration `yaml:"timeout" env:"RESOLVER_TIMEOUT" env-default:"10s"`
}

// Threading holds conversation threading configuration
type Threading struct {
	TemporalWindow time.Duration `yaml:"temporal_window" env:"THREADING_TEMPORAL_WINDOW" env-default:"4h"`
}

// Sync holds history sync configuration
type Sync struct {
	Concurrency       int           `yaml:"concurrency" env:"SYNC_CONCURRENCY" env-default:"5"`
	PageSize          int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"50"`
	SchedulerEnabled  bool          `yaml:"scheduler_enabled" env:"SYNC_SCHEDULER_ENABLED" env-default:"false"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval" env:"SYNC_SCHEDULER_INTERVAL" env-default:"10m"`
	SyncAge           time.Duration `yaml:"sync_age" env:"SYNC_AGE" env-default:"6h"`
	BatchSize         int           `yaml:"batch_size" env:"SYNC_BATCH_SIZE" env-default:"10"`
}

// Log holds logging configuration
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
