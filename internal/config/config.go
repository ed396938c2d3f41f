// Package config содержит логику чтения конфигурации сервиса генерации изображений.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/imagegen-system/internal/anomaly"
)

// Драйверы очереди генерации.
const (
	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
	QueueDriverHTTP   = "http"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	GeneratorAddress  string `env:"GENERATOR_ADDRESS"`
	QueueDriver       string `env:"QUEUE_DRIVER"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	DefaultPriority   string `env:"DEFAULT_PRIORITY" envDefault:"normal"`

	// QueueCapacity ограничивает локальную очередь драйверов memory и http.
	QueueCapacity      int `env:"QUEUE_CAPACITY" envDefault:"1000"`
	QueueMaxDeliveries int `env:"QUEUE_MAX_DELIVERIES" envDefault:"5"`
	HistoryLimit       int `env:"HISTORY_LIMIT" envDefault:"50"`

	// SeedUsers задаёт пользователей, создаваемых при старте, в формате user_id:credits.
	SeedUsers []string `env:"SEED_USERS" envSeparator:","`

	Timeouts TimeoutConfig
	Redis    RedisConfig        `envPrefix:"REDIS_"`
	TaskPush TaskPushConfig     `envPrefix:"TASK_PUSH_"`
	Stub     StubConfig         `envPrefix:"STUB_"`
	Report   ReportConfig       `envPrefix:"REPORT_"`
	Anomaly  anomaly.Thresholds `envPrefix:"ANOMALY_"`
}

// TimeoutConfig ограничивает длительность блокирующих операций.
type TimeoutConfig struct {
	Transaction time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
	Enqueue     time.Duration `env:"ENQUEUE_TIMEOUT" envDefault:"3s"`
	Generation  time.Duration `env:"GENERATION_TIMEOUT" envDefault:"60s"`
	Shutdown    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// EstimatedProcessing используется для расчёта ожидаемого времени готовности.
	EstimatedProcessing time.Duration `env:"ESTIMATED_PROCESSING" envDefault:"30s"`
}

// RedisConfig описывает подключение к Redis Streams.
type RedisConfig struct {
	Addr          string        `env:"ADDR" envDefault:"localhost:6379"`
	Password      string        `env:"PASSWORD"`
	DB            int           `env:"DB" envDefault:"0"`
	StreamPrefix  string        `env:"STREAM_PREFIX" envDefault:"imagegen:tasks"`
	Group         string        `env:"GROUP" envDefault:"generation-workers"`
	Consumer      string        `env:"CONSUMER"`
	Block         time.Duration `env:"BLOCK" envDefault:"2s"`
	ClaimMinIdle  time.Duration `env:"CLAIM_MIN_IDLE" envDefault:"5m"`
	MaxDeliveries int64         `env:"MAX_DELIVERIES" envDefault:"5"`
}

// TaskPushConfig описывает доставку задач HTTP-запросом на эндпоинт воркера.
type TaskPushConfig struct {
	URL    string `env:"URL" envDefault:"http://localhost:8080/internal/tasks/generation"`
	Secret string `env:"SECRET"`
}

// StubConfig управляет поведением заглушки генерации.
type StubConfig struct {
	FailureRate float64       `env:"FAILURE_RATE" envDefault:"0.05"`
	Latency     time.Duration `env:"LATENCY" envDefault:"2s"`
}

// ReportConfig управляет еженедельными отчётами.
type ReportConfig struct {
	Enabled bool          `env:"ENABLED" envDefault:"true"`
	Cron    string        `env:"CRON" envDefault:"0 0 * * 1"`
	Window  time.Duration `env:"WINDOW" envDefault:"168h"`

	BaselineTolerance time.Duration `env:"BASELINE_TOLERANCE" envDefault:"1h"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGeneratorAddress := cfg.GeneratorAddress
	envQueueDriver := cfg.QueueDriver

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (empty for in-memory store)")
	flag.StringVar(&cfg.GeneratorAddress, "g", "", "generation backend address (empty for stub)")
	flag.StringVar(&cfg.QueueDriver, "q", QueueDriverMemory, "queue driver: memory, redis or http")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGeneratorAddress != "" {
		cfg.GeneratorAddress = envGeneratorAddress
	}
	if envQueueDriver != "" {
		cfg.QueueDriver = envQueueDriver
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = QueueDriverMemory
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueDriver {
	case QueueDriverMemory, QueueDriverRedis:
	case QueueDriverHTTP:
		if c.TaskPush.Secret == "" {
			return errors.New("TASK_PUSH_SECRET is required for http queue driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.QueueDriver)
	}
	switch c.DefaultPriority {
	case "high", "normal", "low":
	default:
		return fmt.Errorf("unknown default priority %q", c.DefaultPriority)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.Report.Window <= 0 {
		return fmt.Errorf("report window must be positive, got %v", c.Report.Window)
	}
	if c.Stub.FailureRate < 0 || c.Stub.FailureRate > 1 {
		return fmt.Errorf("stub failure rate must be within [0, 1], got %v", c.Stub.FailureRate)
	}
	if err := c.Anomaly.Validate(); err != nil {
		return fmt.Errorf("anomaly thresholds: %w", err)
	}
	return nil
}
