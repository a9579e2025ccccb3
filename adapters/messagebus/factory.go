package messagebus

import (
	"fmt"

	"github.com/akriventsev/adsaga/transport"
)

// BusType тип message bus адаптера
type BusType string

const (
	BusTypeInMemory BusType = "inmemory"
	BusTypeNATS     BusType = "nats"
	BusTypeKafka    BusType = "kafka"
	BusTypeRedis    BusType = "redis"
)

// Config объединенная конфигурация для фабрики адаптеров
type Config struct {
	Type     BusType
	InMemory InMemoryConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

// DefaultConfig возвращает конфигурацию фабрики по умолчанию (NATS)
func DefaultConfig() Config {
	return Config{
		Type:     BusTypeNATS,
		InMemory: DefaultInMemoryConfig(),
		NATS:     DefaultNATSConfig(),
		Kafka:    DefaultKafkaConfig(),
		Redis:    DefaultRedisConfig(),
	}
}

// Bus комбинированный интерфейс адаптера: транспорт + жизненный цикл
type Bus interface {
	transport.MessageBus
	transport.Lifecycle
}

// New создает адаптер message bus по конфигурации
func New(config Config) (Bus, error) {
	switch config.Type {
	case BusTypeInMemory:
		return NewInMemoryAdapter(config.InMemory), nil
	case BusTypeNATS:
		return NewNATSAdapter(config.NATS)
	case BusTypeKafka:
		return NewKafkaAdapter(config.Kafka)
	case BusTypeRedis:
		return NewRedisAdapter(config.Redis)
	default:
		return nil, fmt.Errorf("unknown message bus type: %s", config.Type)
	}
}
