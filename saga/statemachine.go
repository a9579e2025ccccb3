package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision результат одного перехода: обновленная копия экземпляра и
// сообщения, которые нужно отправить после успешного сохранения.
// Команды и события никогда не отправляются до персистенции.
type Decision struct {
	Instance *Instance
	Commands []Command
	Events   []TerminalEvent
	// Ignored выставляется для событий, не ожидаемых в текущем состоянии:
	// при at-least-once доставке это дубликаты или отставшие ответы,
	// они логируются и отбрасываются без мутации состояния.
	Ignored      bool
	IgnoreReason string
}

// StateMachineConfig конфигурация state machine
type StateMachineConfig struct {
	// ReplySubject адрес, на который коллабораторы шлют ответы
	ReplySubject string
	// MaxRollbackAttempts бюджет повторов одной компенсирующей команды,
	// после исчерпания — FAILED_FINALIZATION
	MaxRollbackAttempts int
}

// DefaultStateMachineConfig возвращает конфигурацию по умолчанию
func DefaultStateMachineConfig() StateMachineConfig {
	return StateMachineConfig{
		ReplySubject:        SubjectCampaignPublishingReply,
		MaxRollbackAttempts: 3,
	}
}

// Validate проверяет корректность конфигурации
func (c StateMachineConfig) Validate() error {
	if c.ReplySubject == "" {
		return fmt.Errorf("ReplySubject cannot be empty")
	}
	if c.MaxRollbackAttempts <= 0 {
		return fmt.Errorf("MaxRollbackAttempts must be greater than 0")
	}
	return nil
}

// StateMachine чистая логика переходов саги: отображение
// (текущее состояние, входящее событие) -> (следующее состояние,
// исходящие команды | терминальные события | ничего).
// Не выполняет IO: решение — функция загруженного снимка и события.
type StateMachine struct {
	config      StateMachineConfig
	compensator *Compensator
}

// NewStateMachine создает новую state machine
func NewStateMachine(config StateMachineConfig) (*StateMachine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state machine config: %w", err)
	}
	return &StateMachine{
		config:      config,
		compensator: NewCompensator(config.ReplySubject, config.MaxRollbackAttempts),
	}, nil
}

// Start создает экземпляр саги из запроса и выдает первую команду.
// Экземпляр создается сразу в PENDING_BILLING_CHECK: STARTED — неявное
// начальное состояние, существующее только до выдачи первой команды.
func (m *StateMachine) Start(req *CampaignCreationRequested, now time.Time) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, WrapError(err, ErrCodeMalformedEvent, StateStarted, "invalid campaign creation request")
	}

	inst := NewInstance(req, now)
	inst.CurrentState = StatePendingBillingCheck

	cmd := m.newCommand(CommandCheckBilling, SubjectBillingCheck, inst, &CheckBillingBody{
		CorrelationID: inst.CorrelationID,
		CampaignID:    inst.CampaignID,
		MerchantID:    inst.MerchantID,
		BudgetDetails: inst.Payload.BudgetDetails,
	})

	return &Decision{Instance: inst, Commands: []Command{cmd}}, nil
}

// Decide применяет входящее событие к снимку экземпляра.
// Мутирует глубокую копию; вызывающий сохраняет ее с проверкой версии
// и только после успешного сохранения отправляет Commands и Events.
func (m *StateMachine) Decide(snapshot *Instance, ev *Event, now time.Time) *Decision {
	if snapshot.CurrentState.IsTerminal() {
		return ignore(snapshot, fmt.Sprintf("saga already terminal in %s", snapshot.CurrentState))
	}

	inst := snapshot.Clone()
	inst.UpdatedAt = now

	switch inst.CurrentState {
	case StatePendingBillingCheck:
		return m.decideBillingCheck(inst, ev, now)
	case StatePendingProductFeedPrep:
		return m.decideFeedPrep(inst, ev, now)
	case StatePendingAdNetworkPublish:
		return m.decideAdNetworkPublish(inst, ev, now)
	case StatePendingCampaignStatusUpdate:
		return m.decideStatusUpdate(inst, ev, now)
	case StateCompensating:
		return m.compensator.HandleReply(inst, ev, now)
	default:
		return ignore(snapshot, fmt.Sprintf("no transitions defined for state %s", inst.CurrentState))
	}
}

func (m *StateMachine) decideBillingCheck(inst *Instance, ev *Event, now time.Time) *Decision {
	switch ev.Type {
	case EventBillingCheckSuccessful:
		inst.CurrentState = StatePendingProductFeedPrep
		cmd := m.newCommand(CommandPrepareProductFeed, SubjectFeedPrepare, inst, &PrepareProductFeedBody{
			CorrelationID:      inst.CorrelationID,
			CampaignID:         inst.CampaignID,
			ProductCatalogID:   inst.Payload.ProductCatalogID,
			TargetAdNetworkIDs: inst.Payload.TargetAdNetworkIDs,
		})
		return &Decision{Instance: inst, Commands: []Command{cmd}}

	case EventBillingCheckFailed:
		// Побочных эффектов еще нет — компенсация не нужна
		return m.fail(inst, failureReason(ev, "billing check declined"))

	case EventStepTimedOut:
		return m.fail(inst, "billing collaborator timed out")
	}
	return ignore(inst, unexpectedIn(ev, inst))
}

func (m *StateMachine) decideFeedPrep(inst *Instance, ev *Event, now time.Time) *Decision {
	switch ev.Type {
	case EventProductFeedReady:
		inst.Payload.FeedCompliance = ev.FeedCompliance

		var commands []Command
		for _, networkID := range inst.Payload.TargetAdNetworkIDs {
			compliance, known := ev.FeedCompliance[networkID]
			if !known || !compliance.Compliant {
				// Несоответствующие сети исключаются из публикации:
				// команда им не отправляется, исход фиксируется сразу
				reason := compliance.Reason
				if reason == "" {
					reason = "feed not compliant"
				}
				inst.AdNetworkPublishStatus[networkID] = &PublishOutcome{
					Status:        PublishStatusFailure,
					FailureReason: reason,
					Timestamp:     now,
				}
				continue
			}
			inst.AdNetworkPublishStatus[networkID] = &PublishOutcome{
				Status:    PublishStatusPending,
				Timestamp: now,
			}
			commands = append(commands, m.newCommand(CommandPublishToAdNetwork, SubjectAdNetworkPublish, inst, &PublishToAdNetworkBody{
				CorrelationID:   inst.CorrelationID,
				CampaignID:      inst.CampaignID,
				AdNetworkID:     networkID,
				FeedURL:         compliance.FeedURL,
				CampaignDetails: inst.Payload.CampaignDetails,
			}))
		}

		if len(commands) == 0 {
			// Ни одной соответствующей сети: fan-out не начинается,
			// join завершен с полным провалом
			return m.finishPublishJoin(inst, now)
		}

		inst.CurrentState = StatePendingAdNetworkPublish
		return &Decision{Instance: inst, Commands: commands}

	case EventProductFeedFailed:
		return m.fail(inst, failureReason(ev, "product feed preparation failed"))

	case EventStepTimedOut:
		return m.fail(inst, "product catalog collaborator timed out")
	}
	return ignore(inst, unexpectedIn(ev, inst))
}

func (m *StateMachine) decideAdNetworkPublish(inst *Instance, ev *Event, now time.Time) *Decision {
	switch ev.Type {
	case EventAdNetworkPublishSuccessful, EventAdNetworkPublishFailed:
		outcome, tracked := inst.AdNetworkPublishStatus[ev.AdNetworkID]
		if !tracked {
			return ignore(inst, fmt.Sprintf("ad network %s is not a target of saga %s", ev.AdNetworkID, inst.ID))
		}
		if outcome.Status != PublishStatusPending {
			// Запись уже терминальна — повторная доставка
			return ignore(inst, fmt.Sprintf("publish outcome for ad network %s already settled", ev.AdNetworkID))
		}

		if ev.Type == EventAdNetworkPublishSuccessful {
			outcome.Status = PublishStatusSuccess
			outcome.ExternalCampaignID = ev.ExternalCampaignID
		} else {
			outcome.Status = PublishStatusFailure
			outcome.FailureReason = failureReason(ev, "ad network publication failed")
			inst.LastFailureReason = outcome.FailureReason
		}
		outcome.Timestamp = now

		if !inst.PublishJoinComplete() {
			// Ждем остальные сети; состояние не меняется
			return &Decision{Instance: inst}
		}
		return m.finishPublishJoin(inst, now)

	case EventStepTimedOut:
		for _, outcome := range inst.AdNetworkPublishStatus {
			if outcome.Status == PublishStatusPending {
				outcome.Status = PublishStatusFailure
				outcome.FailureReason = "ad network collaborator timed out"
				outcome.Timestamp = now
			}
		}
		inst.LastFailureReason = "ad network collaborator timed out"
		return m.finishPublishJoin(inst, now)
	}
	return ignore(inst, unexpectedIn(ev, inst))
}

// finishPublishJoin вызывается по завершении fan-in: агрегирует исходы
// и либо ведет сагу к финализации статуса, либо запускает компенсацию —
// кампания без единого живого размещения не должна стать активной.
func (m *StateMachine) finishPublishJoin(inst *Instance, now time.Time) *Decision {
	outcome := Aggregate(inst)
	if !outcome.AnySuccess {
		reason := inst.LastFailureReason
		if reason == "" {
			reason = "no ad network accepted the campaign"
		}
		return m.compensator.Begin(inst, reason, now)
	}

	inst.Payload.FinalStatus = outcome.FinalStatus
	inst.CurrentState = StatePendingCampaignStatusUpdate
	cmd := m.newCommand(CommandUpdateCampaignStatus, SubjectCampaignStatusUpdate, inst, &UpdateCampaignStatusBody{
		CorrelationID:       inst.CorrelationID,
		CampaignID:          inst.CampaignID,
		FinalStatus:         outcome.FinalStatus,
		PublishedAdNetworks: outcome.Results,
	})
	return &Decision{Instance: inst, Commands: []Command{cmd}}
}

func (m *StateMachine) decideStatusUpdate(inst *Instance, ev *Event, now time.Time) *Decision {
	switch ev.Type {
	case EventCampaignStatusUpdateSucceeded:
		inst.CurrentState = StateCompleted
		outcome := Aggregate(inst)
		return &Decision{
			Instance: inst,
			Events: []TerminalEvent{{
				Type:          EventCampaignPublishingCompleted,
				Subject:       SubjectCampaignPublishingCompleted,
				CorrelationID: inst.CorrelationID,
				Body: &CampaignPublishingCompletedBody{
					SagaInstanceID:      inst.ID,
					CampaignID:          inst.CampaignID,
					MerchantID:          inst.MerchantID,
					FinalStatus:         outcome.FinalStatus,
					PublishedAdNetworks: outcome.Results,
				},
			}},
		}

	case EventCampaignStatusUpdateFailed:
		// Публикации в сетях уже состоялись — откатываем
		return m.compensator.Begin(inst, failureReason(ev, "campaign status update failed"), now)

	case EventStepTimedOut:
		return m.compensator.Begin(inst, "campaign management collaborator timed out", now)
	}
	return ignore(inst, unexpectedIn(ev, inst))
}

// fail переводит сагу в терминальное FAILED. Причина записывается на
// экземпляре до публикации внешнего события: состояние и внешне видимый
// исход не должны расходиться.
func (m *StateMachine) fail(inst *Instance, reason string) *Decision {
	inst.LastFailureReason = reason
	inst.CurrentState = StateFailed
	return &Decision{
		Instance: inst,
		Events:   []TerminalEvent{failedEvent(inst, reason)},
	}
}

func (m *StateMachine) newCommand(cmdType, subject string, inst *Instance, body interface{}) Command {
	return Command{
		Type:           cmdType,
		Subject:        subject,
		ReplyTo:        m.config.ReplySubject,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: uuid.NewString(),
		Body:           body,
	}
}

func failedEvent(inst *Instance, reason string) TerminalEvent {
	return TerminalEvent{
		Type:          EventCampaignPublishingFailed,
		Subject:       SubjectCampaignPublishingFailed,
		CorrelationID: inst.CorrelationID,
		Body: &CampaignPublishingFailedBody{
			SagaInstanceID: inst.ID,
			CampaignID:     inst.CampaignID,
			Reason:         reason,
		},
	}
}

func ignore(inst *Instance, reason string) *Decision {
	return &Decision{Instance: inst, Ignored: true, IgnoreReason: reason}
}

func unexpectedIn(ev *Event, inst *Instance) string {
	return fmt.Sprintf("event %s not expected in state %s", ev.Type, inst.CurrentState)
}

func failureReason(ev *Event, fallback string) string {
	if ev.FailureReason != "" {
		return ev.FailureReason
	}
	return fallback
}
