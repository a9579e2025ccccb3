// Package gateway связывает сагу с message bus: подписки на входящие
// сообщения, валидация конвертов и публикация исходящих команд и событий.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/akriventsev/adsaga/observability"
	"github.com/akriventsev/adsaga/saga"
	"github.com/akriventsev/adsaga/transport"
)

// Config конфигурация шлюза
type Config struct {
	// RequestSubject subject входящих запросов на публикацию кампании
	RequestSubject string
	// ReplySubject subject ответов коллабораторов
	ReplySubject string
	// Queue имя queue group: воркеры оркестратора делят поток сообщений
	Queue string
	// RetryPolicy политика повторов публикации
	RetryPolicy transport.RetryPolicy
	Logger      *slog.Logger
}

// DefaultConfig возвращает конфигурацию шлюза по умолчанию
func DefaultConfig() Config {
	return Config{
		RequestSubject: saga.SubjectCampaignPublishingRequest,
		ReplySubject:   saga.SubjectCampaignPublishingReply,
		Queue:          "campaign-saga-orchestrator",
		RetryPolicy:    transport.DefaultRetryPolicy(),
		Logger:         slog.Default(),
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.RequestSubject == "" {
		return fmt.Errorf("RequestSubject cannot be empty")
	}
	if c.ReplySubject == "" {
		return fmt.Errorf("ReplySubject cannot be empty")
	}
	if c.Queue == "" {
		return fmt.Errorf("Queue cannot be empty")
	}
	return nil
}

// Gateway принимает сообщения из bus и передает их обработчику саги,
// публикует команды коллабораторам и терминальные события.
// Некорректные сообщения логируются и подтверждаются: при at-least-once
// доставке возврат ошибки означал бы бесконечную передоставку мусора.
type Gateway struct {
	bus     transport.MessageBus
	handler *saga.Handler
	config  Config
}

// New создает шлюз
func New(bus transport.MessageBus, handler *saga.Handler, config Config) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Gateway{bus: bus, handler: handler, config: config}, nil
}

// Start подписывает шлюз на входящие subjects
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.bus.Subscribe(ctx, g.config.RequestSubject, g.config.Queue, g.handleRequest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", g.config.RequestSubject, err)
	}
	if err := g.bus.Subscribe(ctx, g.config.ReplySubject, g.config.Queue, g.handleReply); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", g.config.ReplySubject, err)
	}
	return nil
}

// Stop отписывает шлюз от входящих subjects
func (g *Gateway) Stop(ctx context.Context) error {
	if err := g.bus.Unsubscribe(g.config.RequestSubject); err != nil {
		return err
	}
	return g.bus.Unsubscribe(g.config.ReplySubject)
}

// handleRequest обрабатывает запрос на публикацию кампании
func (g *Gateway) handleRequest(ctx context.Context, msg *transport.Message) error {
	var req saga.CampaignCreationRequested
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.config.Logger.Error("malformed campaign creation request discarded",
			"subject", msg.Subject,
			"error", err)
		return nil
	}
	// Ключ конверта дедуплицирует передоставленные запросы на создание
	if req.RequestID == "" {
		req.RequestID = msg.Header(transport.HeaderIdempotencyKey)
	}

	if _, err := g.handler.StartSaga(ctx, &req); err != nil {
		var sagaErr *saga.SagaError
		if errors.As(err, &sagaErr) && sagaErr.Code == saga.ErrCodeMalformedEvent {
			g.config.Logger.Error("invalid campaign creation request discarded",
				"campaign_id", req.CampaignID,
				"error", err)
			return nil
		}
		return err
	}
	return nil
}

// handleReply обрабатывает ответ коллаборатора. Тип события берется из
// заголовка конверта, форма тела валидируется до state machine.
func (g *Gateway) handleReply(ctx context.Context, msg *transport.Message) error {
	eventType := msg.Header(transport.HeaderEventType)
	if eventType == "" {
		g.config.Logger.Error("reply without event_type header discarded",
			"subject", msg.Subject)
		return nil
	}

	ev, err := saga.DecodeEvent(eventType,
		msg.Header(transport.HeaderCorrelationID),
		msg.Header(transport.HeaderIdempotencyKey),
		msg.Data)
	if err != nil {
		g.config.Logger.Error("malformed collaborator reply discarded",
			"event_type", eventType,
			"error", err)
		return nil
	}

	err = observability.TraceEvent(ctx, eventType, func(ctx context.Context) error {
		return g.handler.HandleEvent(ctx, ev)
	})
	if err != nil {
		// Сага могла быть удалена после завершения — отставший ответ
		if errors.Is(err, saga.ErrNotFound) {
			g.config.Logger.Warn("reply for unknown saga discarded",
				"event_type", eventType,
				"correlation_id", ev.CorrelationID)
			return nil
		}
		return err
	}
	return nil
}

// SendCommand публикует команду коллаборатору с повторами.
// Реализует saga.CommandSender.
func (g *Gateway) SendCommand(ctx context.Context, cmd saga.Command) error {
	data, err := json.Marshal(cmd.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal command %s: %w", cmd.Type, err)
	}
	headers := map[string]string{
		transport.HeaderEventType:      cmd.Type,
		transport.HeaderCorrelationID:  cmd.CorrelationID,
		transport.HeaderReplyTo:        cmd.ReplyTo,
		transport.HeaderIdempotencyKey: cmd.IdempotencyKey,
	}
	return observability.TraceCommand(ctx, cmd.Type, func(ctx context.Context) error {
		return transport.PublishWithRetry(ctx, g.bus, g.config.RetryPolicy, cmd.Subject, data, headers)
	})
}

// PublishTerminalEvent публикует терминальное событие саги с повторами.
// Реализует saga.EventPublisher.
func (g *Gateway) PublishTerminalEvent(ctx context.Context, ev saga.TerminalEvent) error {
	data, err := json.Marshal(ev.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal terminal event %s: %w", ev.Type, err)
	}
	headers := map[string]string{
		transport.HeaderEventType:      ev.Type,
		transport.HeaderCorrelationID:  ev.CorrelationID,
		transport.HeaderIdempotencyKey: uuid.NewString(),
	}
	return transport.PublishWithRetry(ctx, g.bus, g.config.RetryPolicy, ev.Subject, data, headers)
}
