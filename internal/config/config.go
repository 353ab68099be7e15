package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server      ServerConfig
	EventSink   EventSinkConfig
	Database    DatabaseConfig
	MinIO       MinIOConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Policy      PolicyConfig
	Transformer TransformerConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"GATEWAY_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"GATEWAY_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"GATEWAY_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"GATEWAY_SHUTDOWN_TIMEOUT" default:"10s"`
	// PathPatterns lists the path-pattern templates internal/pathmatch
	// matches incoming requests against, e.g.
	// "/cdn-video/<opts>/<source>". Checked in order; first match wins.
	PathPatterns []string `envconfig:"GATEWAY_PATH_PATTERNS" default:"/cdn-video/<opts>/<source>"`
	// FallbackPoolConcurrency bounds internal/background's worker pool,
	// which persists fallback-streamed bodies after the response has
	// already been sent.
	FallbackPoolConcurrency int `envconfig:"GATEWAY_FALLBACK_CONCURRENCY" default:"8"`
	// DiagCacheSize bounds versionstore's in-process LRU fronting
	// GetDiagnostics reads.
	DiagCacheSize int `envconfig:"GATEWAY_DIAG_CACHE_SIZE" default:"4096"`
}

// EventSinkConfig configures cmd/eventsink, the background binary that
// consumes the cache-event bus.
type EventSinkConfig struct {
	MaxRetries      int           `envconfig:"EVENTSINK_MAX_RETRIES" default:"3"`
	ShutdownTimeout time.Duration `envconfig:"EVENTSINK_SHUTDOWN_TIMEOUT" default:"30s"`
}

// TransformerConfig points at the upstream media-transformation service.
type TransformerConfig struct {
	BaseURL string        `envconfig:"TRANSFORMER_BASE_URL" default:"http://localhost:9090"`
	Timeout time.Duration `envconfig:"TRANSFORMER_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"gostream"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"gostream"`
	DBName   string `envconfig:"POSTGRES_DB" default:"gostream"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"variants"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"gostream"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"gostream"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// RedisConfig configures the edge cache's Redis backing.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PolicyConfig points at the hot-reloadable policy file (see
// internal/policy). Empty Path means "use built-in defaults, no file".
type PolicyConfig struct {
	Path      string `envconfig:"POLICY_FILE" default:""`
	WatchFile bool   `envconfig:"POLICY_WATCH" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
