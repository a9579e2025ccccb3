// Package config загружает конфигурацию оркестратора из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config конфигурация оркестратора публикации кампаний
type Config struct {
	ServiceName    string `env:"SERVICE_NAME" envDefault:"campaign-saga-orchestrator"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	Bus     BusConfig     `envPrefix:"BUS_"`
	Store   StoreConfig   `envPrefix:"STORE_"`
	Gateway GatewayConfig `envPrefix:"GATEWAY_"`
	Sweeper SweeperConfig `envPrefix:"SWEEPER_"`
	Ops     OpsConfig     `envPrefix:"OPS_"`
	Tracing TracingConfig `envPrefix:"TRACING_"`
}

// BusConfig конфигурация message bus
type BusConfig struct {
	Type          string   `env:"TYPE" envDefault:"nats"`
	NATSURL       string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	RedisAddr     string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	RedisDB       int      `env:"REDIS_DB" envDefault:"0"`
}

// StoreConfig конфигурация хранилища экземпляров саг
type StoreConfig struct {
	Type        string `env:"TYPE" envDefault:"postgres"`
	PostgresDSN string `env:"POSTGRES_DSN" envDefault:"postgres://localhost:5432/adsaga?sslmode=disable"`
	MongoURI    string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB     string `env:"MONGO_DATABASE" envDefault:"adsaga"`
	// Migrate применять миграции схемы при старте
	Migrate bool `env:"MIGRATE" envDefault:"true"`
}

// GatewayConfig конфигурация шлюза сообщений
type GatewayConfig struct {
	Queue string `env:"QUEUE" envDefault:"campaign-saga-orchestrator"`
}

// SweeperConfig конфигурация обходчика зависших саг
type SweeperConfig struct {
	Interval     time.Duration `env:"INTERVAL" envDefault:"30s"`
	StepDeadline time.Duration `env:"STEP_DEADLINE" envDefault:"5m"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
}

// OpsConfig конфигурация операционного HTTP сервера
type OpsConfig struct {
	Addr string `env:"ADDR" envDefault:":8080"`
}

// TracingConfig конфигурация distributed tracing
type TracingConfig struct {
	Enabled          bool    `env:"ENABLED" envDefault:"false"`
	Exporter         string  `env:"EXPORTER" envDefault:"stdout"`
	ExporterEndpoint string  `env:"EXPORTER_ENDPOINT"`
	SamplingRate     float64 `env:"SAMPLING_RATE" envDefault:"1.0"`
}

// Load читает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case "inmemory", "nats", "kafka", "redis":
	default:
		return fmt.Errorf("unknown bus type: %s", c.Bus.Type)
	}
	switch c.Store.Type {
	case "inmemory", "postgres", "mongodb":
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be greater than 0")
	}
	if c.Sweeper.StepDeadline <= 0 {
		return fmt.Errorf("sweeper step deadline must be greater than 0")
	}
	return nil
}
