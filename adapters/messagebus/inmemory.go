// Package messagebus предоставляет адаптеры message bus для различных брокеров.
package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/akriventsev/adsaga/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	BufferSize int
	// Synchronous доставляет сообщения в вызывающей горутине.
	// Используется в тестах для детерминированного порядка.
	Synchronous bool
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		BufferSize:  1000,
		Synchronous: false,
	}
}

type inmemSubscription struct {
	queue   string
	handler transport.MessageHandler
	ch      chan *transport.Message
}

// InMemoryAdapter реализация MessageBus в памяти для тестов и локального запуска.
// Сообщения доставляются всем подписчикам subject; внутри queue group
// доставка идет только одному подписчику (как в NATS queue groups).
type InMemoryAdapter struct {
	config  InMemoryConfig
	subs    map[string][]*inmemSubscription
	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	next    map[string]int // round-robin внутри queue group
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	return &InMemoryAdapter{
		config: config,
		subs:   make(map[string][]*inmemSubscription),
		next:   make(map[string]int),
	}
}

// Start запускает адаптер
func (a *InMemoryAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	return nil
}

// Stop останавливает адаптер и дожидается активных доставок
func (a *InMemoryAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли адаптер
func (a *InMemoryAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Publish публикует сообщение в subject
func (a *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("inmemory bus is not running")
	}

	msg := &transport.Message{Subject: subject, Data: data, Headers: copyHeaders(headers)}

	// Выбираем по одному получателю на каждую queue group
	// и всех подписчиков без группы.
	targets := make([]*inmemSubscription, 0, 2)
	byQueue := make(map[string][]*inmemSubscription)
	for _, sub := range a.subs[subject] {
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		byQueue[sub.queue] = append(byQueue[sub.queue], sub)
	}
	for queue, group := range byQueue {
		key := subject + "/" + queue
		idx := a.next[key] % len(group)
		a.next[key] = idx + 1
		targets = append(targets, group[idx])
	}
	sync := a.config.Synchronous
	a.mu.Unlock()

	for _, sub := range targets {
		if sync {
			if err := sub.handler(ctx, msg); err != nil {
				slog.Error("inmemory bus: handler failed", "subject", subject, "error", err)
			}
			continue
		}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe подписывается на subject в составе queue group
func (a *InMemoryAdapter) Subscribe(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := &inmemSubscription{
		queue:   queue,
		handler: handler,
		ch:      make(chan *transport.Message, a.config.BufferSize),
	}
	a.subs[subject] = append(a.subs[subject], sub)

	if a.config.Synchronous {
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.ch:
				if err := handler(ctx, msg); err != nil {
					slog.Error("inmemory bus: handler failed", "subject", msg.Subject, "error", err)
				}
			}
		}
	}()
	return nil
}

// Unsubscribe отписывается от subject
func (a *InMemoryAdapter) Unsubscribe(subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, subject)
	return nil
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
