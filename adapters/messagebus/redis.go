package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/adsaga/transport"
)

// RedisConfig конфигурация для Redis Streams адаптера
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamMaxLen int64 // максимальная длина stream (0 = без ограничений)
	BlockTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MaxRetries:   3,
		StreamMaxLen: 10000,
		BlockTimeout: 5 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams.
// Subject маппится на stream, queue group — на consumer group (XREADGROUP);
// сообщение подтверждается (XACK) только после успешной обработки.
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.RWMutex
	running bool
	cancels map[string]context.CancelFunc
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	return &RedisAdapter{
		config:  config,
		client:  client,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Start проверяет подключение к Redis
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r.running = true
	return nil
}

// Stop останавливает адаптер
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = make(map[string]context.CancelFunc)
	if err := r.client.Close(); err != nil {
		return err
	}
	r.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Publish публикует сообщение в stream (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	values := map[string]interface{}{"data": string(data)}
	if len(headers) > 0 {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := redis.XAddArgs{
		Stream: streamName(subject),
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, &args).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на stream в составе consumer group
func (r *RedisAdapter) Subscribe(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	stream := streamName(subject)
	group := queue
	if group == "" {
		group = "adsaga-workers"
	}
	consumer := fmt.Sprintf("%s-%s", group, uuid.NewString()[:8])

	// Создаем consumer group; BUSYGROUP означает, что группа уже есть
	if err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[subject] = cancel
	r.mu.Unlock()

	go func() {
		for {
			res, err := r.client.XReadGroup(subCtx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    r.config.BlockTimeout,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				if err != redis.Nil {
					slog.Warn("redis xreadgroup failed", "stream", stream, "error", err)
				}
				continue
			}

			for _, streamRes := range res {
				for _, xmsg := range streamRes.Messages {
					msg := decodeStreamMessage(subject, xmsg)
					// Доставка завершается даже при отмене subCtx во время shutdown
					msgCtx := deliveryContext(subCtx)
					if err := handler(msgCtx, msg); err != nil {
						slog.Error("redis: message handler failed", "stream", stream, "error", err)
						continue
					}
					if err := r.client.XAck(msgCtx, stream, group, xmsg.ID).Err(); err != nil {
						slog.Warn("redis xack failed", "stream", stream, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от stream
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[subject]; ok {
		cancel()
		delete(r.cancels, subject)
	}
	return nil
}

func streamName(subject string) string {
	return "stream:" + subject
}

func decodeStreamMessage(subject string, xmsg redis.XMessage) *transport.Message {
	msg := &transport.Message{
		Subject: subject,
		Headers: make(map[string]string),
	}
	if data, ok := xmsg.Values["data"].(string); ok {
		msg.Data = []byte(data)
	}
	if headersRaw, ok := xmsg.Values["headers"].(string); ok {
		if err := json.Unmarshal([]byte(headersRaw), &msg.Headers); err != nil {
			slog.Warn("redis: failed to decode message headers", "id", xmsg.ID, "error", err)
		}
	}
	return msg
}
