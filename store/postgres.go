// Package store содержит durable-реализации хранилища экземпляров саг.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/adsaga/saga"
)

// PostgresConfig конфигурация PostgreSQL хранилища
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// DefaultPostgresConfig возвращает конфигурацию по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		DSN:            "postgres://localhost:5432/adsaga?sslmode=disable",
		MaxConns:       10,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("MaxConns must be greater than 0")
	}
	return nil
}

// PostgresStore хранилище экземпляров саг в PostgreSQL.
// Снимок хранится в JSONB, колонки correlation_id/current_state/version/
// updated_at дублируются для условий запросов; проверка версии в Save
// выражена предикатом UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает хранилище и проверяет соединение
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Create сохраняет новый экземпляр
func (s *PostgresStore) Create(ctx context.Context, inst *saga.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal saga instance: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO saga_instances (id, correlation_id, campaign_id, current_state, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ID, inst.CorrelationID, inst.CampaignID, string(inst.CurrentState),
		inst.Version, data, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return saga.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to insert saga instance: %w", err)
	}
	return nil
}

// GetByCorrelationID загружает экземпляр по correlation id
func (s *PostgresStore) GetByCorrelationID(ctx context.Context, correlationID string) (*saga.Instance, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM saga_instances WHERE correlation_id = $1`,
		correlationID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query saga instance: %w", err)
	}

	var inst saga.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga instance: %w", err)
	}
	return &inst, nil
}

// Save сохраняет экземпляр с проверкой версии
func (s *PostgresStore) Save(ctx context.Context, inst *saga.Instance) error {
	expected := inst.Version
	next := inst.Clone()
	next.Version = expected + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal saga instance: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_instances
		SET current_state = $1, version = $2, data = $3, updated_at = $4
		WHERE correlation_id = $5 AND version = $6`,
		string(next.CurrentState), next.Version, data, next.UpdatedAt,
		next.CorrelationID, expected)
	if err != nil {
		return fmt.Errorf("failed to update saga instance: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_instances WHERE correlation_id = $1)`,
			inst.CorrelationID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check saga instance existence: %w", err)
		}
		if !exists {
			return saga.ErrNotFound
		}
		return saga.ErrVersionConflict
	}

	inst.Version = next.Version
	return nil
}

// ListStale возвращает нетерминальные экземпляры, не обновлявшиеся
// с указанного момента
func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*saga.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM saga_instances
		WHERE current_state NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED', 'FAILED_FINALIZATION')
		  AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sagas: %w", err)
	}
	defer rows.Close()

	var stale []*saga.Instance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan saga instance: %w", err)
		}
		var inst saga.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saga instance: %w", err)
		}
		stale = append(stale, &inst)
	}
	return stale, rows.Err()
}
