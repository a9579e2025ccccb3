// Package metrics предоставляет систему метрик саги на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/akriventsev/adsaga/saga"
)

// Metrics сборщик метрик оркестратора. Реализует saga.MetricsRecorder.
type Metrics struct {
	meter            metric.Meter
	sagasStarted     metric.Int64Counter
	sagasFinished    metric.Int64Counter
	activeSagas      metric.Int64UpDownCounter
	eventsTotal      metric.Int64Counter
	eventDuration    metric.Float64Histogram
	transitionsTotal metric.Int64Counter
	conflictsTotal   metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("adsaga")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of campaign publishing sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasFinished, err := meter.Int64Counter(
		"sagas_finished_total",
		metric.WithDescription("Total number of sagas reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"active_sagas",
		metric.WithDescription("Number of sagas currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	eventsTotal, err := meter.Int64Counter(
		"saga_events_total",
		metric.WithDescription("Total number of collaborator events processed"),
	)
	if err != nil {
		return nil, err
	}

	eventDuration, err := meter.Float64Histogram(
		"saga_event_duration_seconds",
		metric.WithDescription("Event processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	transitionsTotal, err := meter.Int64Counter(
		"saga_transitions_total",
		metric.WithDescription("Total number of saga state transitions"),
	)
	if err != nil {
		return nil, err
	}

	conflictsTotal, err := meter.Int64Counter(
		"saga_version_conflicts_total",
		metric.WithDescription("Total number of optimistic concurrency conflicts"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:            meter,
		sagasStarted:     sagasStarted,
		sagasFinished:    sagasFinished,
		activeSagas:      activeSagas,
		eventsTotal:      eventsTotal,
		eventDuration:    eventDuration,
		transitionsTotal: transitionsTotal,
		conflictsTotal:   conflictsTotal,
	}, nil
}

// RecordSagaStarted записывает старт саги
func (m *Metrics) RecordSagaStarted(ctx context.Context) {
	m.sagasStarted.Add(ctx, 1)
	m.activeSagas.Add(ctx, 1)
}

// RecordSagaFinished записывает завершение саги
func (m *Metrics) RecordSagaFinished(ctx context.Context, terminal saga.State) {
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("terminal_state", string(terminal)),
	))
	m.activeSagas.Add(ctx, -1)
}

// RecordEventProcessed записывает метрику обработки события
func (m *Metrics) RecordEventProcessed(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.eventDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStateTransition записывает переход состояния саги
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to saga.State) {
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordVersionConflict записывает конфликт версий
func (m *Metrics) RecordVersionConflict(ctx context.Context) {
	m.conflictsTotal.Add(ctx, 1)
}
