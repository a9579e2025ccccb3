package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig конфигурация фонового обходчика зависших саг
type SweeperConfig struct {
	// Interval период между проходами
	Interval time.Duration
	// StepDeadline сколько сага может ждать ответа коллаборатора,
	// прежде чем шаг считается просроченным
	StepDeadline time.Duration
	// BatchSize максимум экземпляров за один проход
	BatchSize int
	Logger    *slog.Logger
}

// DefaultSweeperConfig возвращает конфигурацию обходчика по умолчанию
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     30 * time.Second,
		StepDeadline: 5 * time.Minute,
		BatchSize:    100,
		Logger:       slog.Default(),
	}
}

// Validate проверяет корректность конфигурации
func (c SweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be greater than 0")
	}
	if c.StepDeadline <= 0 {
		return fmt.Errorf("StepDeadline must be greater than 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be greater than 0")
	}
	return nil
}

// Sweeper периодически находит нетерминальные саги, не получавшие
// ответа дольше дедлайна шага, и вводит в них синтетическое событие
// StepTimedOut. Дальше просроченный шаг обрабатывает обычная логика
// переходов: отказ, компенсация или повтор отката.
type Sweeper struct {
	store   Store
	handler *Handler
	config  SweeperConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSweeper создает обходчик зависших саг
func NewSweeper(store Store, handler *Handler, config SweeperConfig) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sweeper config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sweeper{store: store, handler: handler, config: config}, nil
}

// Start запускает фоновый цикл обходчика
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(runCtx)
	return nil
}

// Stop останавливает обходчик и дожидается завершения текущего прохода
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, работает ли обходчик
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep выполняет один проход: находит просроченные саги и вводит в
// каждую StepTimedOut. Конфликт версий здесь безвреден — значит сагу
// только что сдвинул настоящий ответ коллаборатора.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.StepDeadline)
	stale, err := s.store.ListStale(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		s.config.Logger.Error("failed to list stale sagas", "error", err)
		return
	}

	for _, inst := range stale {
		ev := &Event{
			Type:          EventStepTimedOut,
			CorrelationID: inst.CorrelationID,
			CampaignID:    inst.CampaignID,
		}
		s.config.Logger.Warn("saga step deadline exceeded",
			"saga_id", inst.ID,
			"campaign_id", inst.CampaignID,
			"state", inst.CurrentState,
			"updated_at", inst.UpdatedAt)

		if err := s.handler.HandleEvent(ctx, ev); err != nil {
			s.config.Logger.Error("failed to time out saga step",
				"saga_id", inst.ID,
				"error", err)
		}
	}
}
