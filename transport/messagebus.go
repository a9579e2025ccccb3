// Package transport предоставляет абстракции для работы с message bus.
package transport

import (
	"context"
	"time"
)

// Стандартные заголовки сообщений саги.
const (
	HeaderEventType      = "event_type"
	HeaderCorrelationID  = "correlation_id"
	HeaderCausationID    = "causation_id"
	HeaderReplyTo        = "reply_to"
	HeaderIdempotencyKey = "idempotency_key"
)

// Message представляет сообщение в очереди
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Header возвращает значение заголовка или пустую строку
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// MessageHandler обработчик сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в subject
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe подписывается на subject в составе queue group и вызывает
	// handler при получении сообщения. Подписчики одной queue group
	// делят поток сообщений между собой (воркеры саги).
	Subscribe(ctx context.Context, subject, queue string, handler MessageHandler) error
	// Unsubscribe отписывается от subject
	Unsubscribe(subject string) error
}

// MessageBus объединяет возможности публикации и подписки
type MessageBus interface {
	Publisher
	Subscriber
}

// Lifecycle жизненный цикл адаптера
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// RetryPolicy политика повторов для публикации сообщений
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy возвращает политику повторов по умолчанию:
// 5 попыток, начальная задержка 100ms, множитель 2.0.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// ShouldRetry определяет, нужно ли повторить попытку
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < p.MaxAttempts
}

// Delay возвращает задержку перед повтором (экспоненциальный backoff)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// PublishWithRetry публикует сообщение с повторами по политике.
// Возвращает последнюю ошибку, если все попытки исчерпаны.
func PublishWithRetry(ctx context.Context, pub Publisher, policy RetryPolicy, subject string, data []byte, headers map[string]string) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = pub.Publish(ctx, subject, data, headers)
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt, lastErr) {
			break
		}
		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
