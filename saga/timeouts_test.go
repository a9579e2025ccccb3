package saga

import (
	"context"
	"testing"
	"time"
)

func TestSweepTimesOutStaleSaga(t *testing.T) {
	store := NewInMemoryStore()
	h, tr := newTestHandler(t, store)
	ctx := context.Background()

	inst, err := h.StartSaga(ctx, testRequest())
	if err != nil {
		t.Fatal(err)
	}
	tr.commands = nil

	// Делаем сагу просроченной
	stale, _ := store.GetByCorrelationID(ctx, inst.CorrelationID)
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	if err := store.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}

	sweeper, err := NewSweeper(store, h, DefaultSweeperConfig())
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	sweeper.Sweep(ctx)

	loaded, _ := store.GetByCorrelationID(ctx, inst.CorrelationID)
	if loaded.CurrentState != StateFailed {
		t.Errorf("state = %s, want FAILED after billing deadline", loaded.CurrentState)
	}
	if len(tr.events) != 1 || tr.events[0].Type != EventCampaignPublishingFailed {
		t.Errorf("events = %+v, want failed terminal event", tr.events)
	}
}

func TestSweepSkipsFreshAndTerminalSagas(t *testing.T) {
	store := NewInMemoryStore()
	h, tr := newTestHandler(t, store)
	ctx := context.Background()

	if _, err := h.StartSaga(ctx, testRequest()); err != nil {
		t.Fatal(err)
	}
	tr.commands = nil
	tr.events = nil

	sweeper, err := NewSweeper(store, h, DefaultSweeperConfig())
	if err != nil {
		t.Fatal(err)
	}
	sweeper.Sweep(ctx)

	if len(tr.events) != 0 {
		t.Errorf("fresh saga must not be timed out: %+v", tr.events)
	}
}

func TestSweeperLifecycle(t *testing.T) {
	store := NewInMemoryStore()
	h, _ := newTestHandler(t, store)

	config := DefaultSweeperConfig()
	config.Interval = 10 * time.Millisecond
	sweeper, err := NewSweeper(store, h, config)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sweeper.IsRunning() {
		t.Error("sweeper must report running")
	}
	if err := sweeper.Start(ctx); err == nil {
		t.Error("second Start() must fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if sweeper.IsRunning() {
		t.Error("sweeper must report stopped")
	}
}

func TestSweeperConfigValidation(t *testing.T) {
	config := DefaultSweeperConfig()
	config.Interval = 0
	if err := config.Validate(); err == nil {
		t.Error("zero interval must be rejected")
	}

	config = DefaultSweeperConfig()
	config.StepDeadline = -time.Second
	if err := config.Validate(); err == nil {
		t.Error("negative deadline must be rejected")
	}
}
