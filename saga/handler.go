package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CommandSender отправляет команды коллабораторам
type CommandSender interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// EventPublisher публикует терминальные события саги
type EventPublisher interface {
	PublishTerminalEvent(ctx context.Context, ev TerminalEvent) error
}

// MetricsRecorder записывает метрики обработки событий саги
type MetricsRecorder interface {
	RecordSagaStarted(ctx context.Context)
	RecordSagaFinished(ctx context.Context, terminal State)
	RecordEventProcessed(ctx context.Context, eventType, outcome string, duration time.Duration)
	RecordStateTransition(ctx context.Context, from, to State)
	RecordVersionConflict(ctx context.Context)
}

// NoopMetrics заглушка для тестов
type NoopMetrics struct{}

func (NoopMetrics) RecordSagaStarted(context.Context)                                   {}
func (NoopMetrics) RecordSagaFinished(context.Context, State)                           {}
func (NoopMetrics) RecordEventProcessed(context.Context, string, string, time.Duration) {}
func (NoopMetrics) RecordStateTransition(context.Context, State, State)                 {}
func (NoopMetrics) RecordVersionConflict(context.Context)                               {}

// HandlerConfig конфигурация обработчика
type HandlerConfig struct {
	// MaxSaveRetries число повторов read-decide-save при конфликте версий
	MaxSaveRetries int
	Logger         *slog.Logger
	Metrics        MetricsRecorder
}

// DefaultHandlerConfig возвращает конфигурацию обработчика по умолчанию
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxSaveRetries: 5,
		Logger:         slog.Default(),
		Metrics:        NoopMetrics{},
	}
}

// Validate проверяет корректность конфигурации
func (c HandlerConfig) Validate() error {
	if c.MaxSaveRetries <= 0 {
		return fmt.Errorf("MaxSaveRetries must be greater than 0")
	}
	return nil
}

// Handler связывает хранилище, state machine и транспорт.
// Инвариант обработки: сначала атомарное сохранение нового состояния,
// и только после него — отправка команд и терминальных событий.
// Конкурентные обработчики сериализуются проверкой версии в Save.
type Handler struct {
	store     Store
	machine   *StateMachine
	sender    CommandSender
	publisher EventPublisher
	logger    *slog.Logger
	metrics   MetricsRecorder
	retries   int
	now       func() time.Time
}

// NewHandler создает обработчик событий саги
func NewHandler(store Store, machine *StateMachine, sender CommandSender, publisher EventPublisher, config HandlerConfig) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handler config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	return &Handler{
		store:     store,
		machine:   machine,
		sender:    sender,
		publisher: publisher,
		logger:    config.Logger,
		metrics:   config.Metrics,
		retries:   config.MaxSaveRetries,
		now:       time.Now,
	}, nil
}

// StartSaga создает и сохраняет новый экземпляр саги, затем отправляет
// первую команду. Повторная доставка запроса на создание идемпотентна:
// существующий экземпляр возвращается без побочных эффектов.
func (h *Handler) StartSaga(ctx context.Context, req *CampaignCreationRequested) (*Instance, error) {
	decision, err := h.machine.Start(req, h.now())
	if err != nil {
		return nil, err
	}
	inst := decision.Instance

	if err := h.store.Create(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicateInstance) {
			h.logger.Warn("duplicate saga start request ignored",
				"campaign_id", req.CampaignID,
				"correlation_id", inst.CorrelationID)
			return h.store.GetByCorrelationID(ctx, inst.CorrelationID)
		}
		return nil, WrapError(err, ErrCodeDuplicateInstance, StateStarted, "failed to create saga instance")
	}

	h.metrics.RecordSagaStarted(ctx)
	h.logger.Info("saga started",
		"saga_id", inst.ID,
		"campaign_id", inst.CampaignID,
		"merchant_id", inst.MerchantID,
		"correlation_id", inst.CorrelationID,
		"target_networks", len(inst.Payload.TargetAdNetworkIDs))

	if err := h.dispatch(ctx, decision); err != nil {
		return inst, err
	}
	return inst, nil
}

// HandleEvent применяет событие к саге: read-decide-save с повтором при
// конфликте версий, затем отправка исходящих сообщений. Неожиданные в
// текущем состоянии события (дубликаты, отставшие ответы) логируются
// и отбрасываются без ошибки.
func (h *Handler) HandleEvent(ctx context.Context, ev *Event) error {
	started := h.now()

	for attempt := 1; ; attempt++ {
		snapshot, err := h.store.GetByCorrelationID(ctx, ev.CorrelationID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				h.metrics.RecordEventProcessed(ctx, ev.Type, "not_found", h.now().Sub(started))
				return WrapError(err, ErrCodeNotFound, "", fmt.Sprintf("no saga for correlation id %s", ev.CorrelationID))
			}
			return fmt.Errorf("failed to load saga instance: %w", err)
		}

		decision := h.machine.Decide(snapshot, ev, h.now())
		if decision.Ignored {
			h.logger.Debug("event ignored",
				"event_type", ev.Type,
				"correlation_id", ev.CorrelationID,
				"state", snapshot.CurrentState,
				"reason", decision.IgnoreReason)
			h.metrics.RecordEventProcessed(ctx, ev.Type, "ignored", h.now().Sub(started))
			return nil
		}

		if err := h.store.Save(ctx, decision.Instance); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				h.metrics.RecordVersionConflict(ctx)
				if attempt >= h.retries {
					h.metrics.RecordEventProcessed(ctx, ev.Type, "conflict", h.now().Sub(started))
					return WrapError(err, ErrCodeVersionConflict, snapshot.CurrentState,
						fmt.Sprintf("version conflict persisted after %d attempts", attempt))
				}
				continue
			}
			return fmt.Errorf("failed to save saga instance: %w", err)
		}

		h.metrics.RecordStateTransition(ctx, snapshot.CurrentState, decision.Instance.CurrentState)
		if decision.Instance.CurrentState.IsTerminal() {
			h.metrics.RecordSagaFinished(ctx, decision.Instance.CurrentState)
		}
		h.logger.Info("saga transition",
			"saga_id", decision.Instance.ID,
			"correlation_id", ev.CorrelationID,
			"event_type", ev.Type,
			"from", snapshot.CurrentState,
			"to", decision.Instance.CurrentState)

		err = h.dispatch(ctx, decision)
		outcome := "ok"
		if err != nil {
			outcome = "dispatch_failed"
		}
		h.metrics.RecordEventProcessed(ctx, ev.Type, outcome, h.now().Sub(started))
		return err
	}
}

// dispatch отправляет команды и терминальные события решения.
// Вызывается строго после успешного сохранения: при падении отправки
// состояние уже зафиксировано, и сагу доведет sweeper по дедлайну.
func (h *Handler) dispatch(ctx context.Context, decision *Decision) error {
	for _, cmd := range decision.Commands {
		if err := h.sender.SendCommand(ctx, cmd); err != nil {
			h.logger.Error("failed to send command",
				"command_type", cmd.Type,
				"subject", cmd.Subject,
				"correlation_id", cmd.CorrelationID,
				"error", err)
			return WrapError(err, ErrCodeDispatchFailed, decision.Instance.CurrentState,
				fmt.Sprintf("failed to send %s", cmd.Type))
		}
	}
	for _, ev := range decision.Events {
		if err := h.publisher.PublishTerminalEvent(ctx, ev); err != nil {
			h.logger.Error("failed to publish terminal event",
				"event_type", ev.Type,
				"correlation_id", ev.CorrelationID,
				"error", err)
			return WrapError(err, ErrCodeDispatchFailed, decision.Instance.CurrentState,
				fmt.Sprintf("failed to publish %s", ev.Type))
		}
	}
	return nil
}
