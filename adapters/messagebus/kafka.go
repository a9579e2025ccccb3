package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/adsaga/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	StartOffset    int64
	CommitInterval time.Duration
	RequiredAcks   int // 0, 1, -1 (all)
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return fmt.Errorf("GroupID cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "adsaga-workers",
		Compression:    "snappy",
		BatchSize:      100,
		FlushInterval:  10 * time.Millisecond,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 1 * time.Second,
		RequiredAcks:   -1,
	}
}

// KafkaAdapter реализация MessageBus через Kafka.
// Queue group маппится на consumer group: offset коммитится только после
// успешной обработки, что дает at-least-once доставку — дубликаты
// отбрасывает state machine по предусловию состояния.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	subs    map[string]*kafka.Reader
	mu      sync.RWMutex
	running bool
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	adapter := &KafkaAdapter{
		config: config,
		subs:   make(map[string]*kafka.Reader),
	}

	adapter.writer = &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		Compression:  parseCompression(config.Compression),
	}

	return adapter, nil
}

func parseCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop останавливает адаптер
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}

	for topic, reader := range k.subs {
		if err := reader.Close(); err != nil {
			slog.Warn("kafka reader close failed", "topic", topic, "error", err)
		}
		delete(k.subs, topic)
	}
	if k.writer != nil {
		_ = k.writer.Close()
	}

	k.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Publish публикует сообщение в топик
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: subject,
		Value: data,
	}
	for hk, hv := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: hk, Value: []byte(hv)})
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на топик; queue используется как consumer group
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	groupID := queue
	if groupID == "" {
		groupID = k.config.GroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          subject,
		GroupID:        groupID,
		MinBytes:       k.config.MinBytes,
		MaxBytes:       k.config.MaxBytes,
		MaxWait:        k.config.MaxWait,
		StartOffset:    k.config.StartOffset,
		CommitInterval: k.config.CommitInterval,
	})

	k.mu.Lock()
	k.subs[subject] = reader
	k.mu.Unlock()

	go func() {
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					// Контекст отменен или reader закрыт
					return
				}
				slog.Warn("kafka fetch failed", "topic", subject, "error", err)
				continue
			}

			mbMsg := &transport.Message{
				Subject: msg.Topic,
				Data:    msg.Value,
				Headers: make(map[string]string, len(msg.Headers)),
			}
			for _, h := range msg.Headers {
				mbMsg.Headers[h.Key] = string(h.Value)
			}

			// Доставка завершается даже при отмене ctx во время shutdown
			msgCtx := deliveryContext(ctx)
			if err := handler(msgCtx, mbMsg); err != nil {
				slog.Error("kafka: message handler failed", "topic", subject, "error", err)
				continue
			}
			// Commit offset только при успешной обработке
			if err := reader.CommitMessages(msgCtx, msg); err != nil {
				slog.Warn("kafka commit failed", "topic", subject, "error", err)
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от топика
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	reader, exists := k.subs[subject]
	if !exists {
		return nil
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	delete(k.subs, subject)
	return nil
}
