package store

import (
	"context"
	"fmt"

	"github.com/akriventsev/adsaga/saga"
)

// Type тип хранилища экземпляров саг
type Type string

const (
	TypeInMemory Type = "inmemory"
	TypePostgres Type = "postgres"
	TypeMongo    Type = "mongodb"
)

// Config объединенная конфигурация для фабрики хранилищ
type Config struct {
	Type     Type
	Postgres PostgresConfig
	Mongo    MongoConfig
}

// DefaultConfig возвращает конфигурацию фабрики по умолчанию (PostgreSQL)
func DefaultConfig() Config {
	return Config{
		Type:     TypePostgres,
		Postgres: DefaultPostgresConfig(),
		Mongo:    DefaultMongoConfig(),
	}
}

// New создает хранилище по конфигурации
func New(ctx context.Context, config Config) (saga.Store, error) {
	switch config.Type {
	case TypeInMemory:
		return saga.NewInMemoryStore(), nil
	case TypePostgres:
		return NewPostgresStore(ctx, config.Postgres)
	case TypeMongo:
		return NewMongoStore(ctx, config.Mongo)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
