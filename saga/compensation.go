package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Compensator координатор компенсаций. Откатывает побочные эффекты в
// порядке, обратном их созданию: сначала снятие публикаций во всех
// успешных сетях, затем — после подтверждения всех снятий —
// освобождение зарезервированного бюджета.
type Compensator struct {
	replySubject string
	maxAttempts  int
}

// NewCompensator создает координатор компенсаций
func NewCompensator(replySubject string, maxAttempts int) *Compensator {
	return &Compensator{replySubject: replySubject, maxAttempts: maxAttempts}
}

// Begin переводит сагу в COMPENSATING и выдает первую волну
// компенсирующих команд. Если ни одна сеть не успела опубликовать
// кампанию, фаза снятия публикаций пропускается и сразу освобождается
// бюджет.
func (c *Compensator) Begin(inst *Instance, reason string, now time.Time) *Decision {
	inst.IsCompensating = true
	inst.LastFailureReason = reason
	inst.CurrentState = StateCompensating

	var commands []Command
	for _, networkID := range inst.SuccessfulNetworks() {
		target := RollbackTargetAdNetworkPrefix + networkID
		inst.Rollbacks[target] = &RollbackEntry{
			Target:    target,
			Status:    RollbackStatusPending,
			Attempts:  1,
			Timestamp: now,
		}
		commands = append(commands, c.unpublishCommand(inst, networkID, 1))
	}

	if len(commands) == 0 {
		inst.Rollbacks[RollbackTargetBilling] = &RollbackEntry{
			Target:    RollbackTargetBilling,
			Status:    RollbackStatusPending,
			Attempts:  1,
			Timestamp: now,
		}
		commands = append(commands, c.releaseBillingCommand(inst, 1))
	}

	return &Decision{Instance: inst, Commands: commands}
}

// HandleReply применяет подтверждение или отказ компенсирующей команды.
// Подтверждение отката сети может открыть фазу освобождения бюджета;
// подтверждение биллинга завершает компенсацию. Отказ повторяется в
// пределах бюджета попыток, после исчерпания — FAILED_FINALIZATION.
func (c *Compensator) HandleReply(inst *Instance, ev *Event, now time.Time) *Decision {
	switch ev.Type {
	case EventAdNetworkUnpublishConfirmed, EventBillingReleaseConfirmed:
		return c.confirm(inst, ev.RollbackTarget, now)

	case EventAdNetworkUnpublishFailed, EventBillingReleaseFailed:
		return c.retryOrAbort(inst, ev.RollbackTarget, failureReason(ev, "rollback rejected"), now)

	case EventStepTimedOut:
		// Дедлайн в COMPENSATING: повторяем все неподтвержденные откаты,
		// исчерпание бюджета любого из них фатально
		var commands []Command
		for target, entry := range inst.Rollbacks {
			if entry.Status != RollbackStatusPending {
				continue
			}
			if entry.Attempts >= c.maxAttempts {
				return c.abort(inst, target, "rollback confirmation timed out")
			}
			entry.Attempts++
			entry.Timestamp = now
			commands = append(commands, c.reissue(inst, target, entry.Attempts))
		}
		if len(commands) == 0 {
			return ignore(inst, "timeout with no pending rollbacks")
		}
		return &Decision{Instance: inst, Commands: commands}
	}
	return ignore(inst, unexpectedIn(ev, inst))
}

func (c *Compensator) confirm(inst *Instance, target string, now time.Time) *Decision {
	entry, tracked := inst.Rollbacks[target]
	if !tracked {
		return ignore(inst, fmt.Sprintf("rollback target %s is not tracked", target))
	}
	if entry.Status == RollbackStatusConfirmed {
		return ignore(inst, fmt.Sprintf("rollback %s already confirmed", target))
	}
	entry.Status = RollbackStatusConfirmed
	entry.Timestamp = now

	// Бюджет освобождается последним: только когда все публикации сняты
	if target != RollbackTargetBilling && inst.PendingAdNetworkRollbacks() == 0 {
		if _, issued := inst.Rollbacks[RollbackTargetBilling]; !issued {
			inst.Rollbacks[RollbackTargetBilling] = &RollbackEntry{
				Target:    RollbackTargetBilling,
				Status:    RollbackStatusPending,
				Attempts:  1,
				Timestamp: now,
			}
			return &Decision{Instance: inst, Commands: []Command{c.releaseBillingCommand(inst, 1)}}
		}
	}

	if inst.RollbacksSettled() {
		inst.CurrentState = StateCompensated
		return &Decision{
			Instance: inst,
			Events:   []TerminalEvent{failedEvent(inst, inst.LastFailureReason)},
		}
	}
	return &Decision{Instance: inst}
}

func (c *Compensator) retryOrAbort(inst *Instance, target, reason string, now time.Time) *Decision {
	entry, tracked := inst.Rollbacks[target]
	if !tracked {
		return ignore(inst, fmt.Sprintf("rollback target %s is not tracked", target))
	}
	if entry.Status != RollbackStatusPending {
		return ignore(inst, fmt.Sprintf("rollback %s already settled", target))
	}

	entry.FailureReason = reason
	entry.Timestamp = now
	if entry.Attempts >= c.maxAttempts {
		return c.abort(inst, target, reason)
	}
	entry.Attempts++
	return &Decision{Instance: inst, Commands: []Command{c.reissue(inst, target, entry.Attempts)}}
}

// abort фиксирует невозможность отката: сага уходит в терминальное
// FAILED_FINALIZATION и требует ручного вмешательства оператора.
func (c *Compensator) abort(inst *Instance, target, reason string) *Decision {
	entry := inst.Rollbacks[target]
	entry.Status = RollbackStatusFailed
	entry.FailureReason = reason
	inst.CurrentState = StateFailedFinalization
	inst.LastFailureReason = fmt.Sprintf("compensation of %s failed after %d attempts: %s", target, entry.Attempts, reason)
	return &Decision{
		Instance: inst,
		Events:   []TerminalEvent{failedEvent(inst, inst.LastFailureReason)},
	}
}

func (c *Compensator) reissue(inst *Instance, target string, attempt int) Command {
	if target == RollbackTargetBilling {
		return c.releaseBillingCommand(inst, attempt)
	}
	networkID := target[len(RollbackTargetAdNetworkPrefix):]
	return c.unpublishCommand(inst, networkID, attempt)
}

func (c *Compensator) unpublishCommand(inst *Instance, networkID string, attempt int) Command {
	var externalID string
	if outcome, ok := inst.AdNetworkPublishStatus[networkID]; ok {
		externalID = outcome.ExternalCampaignID
	}
	return Command{
		Type:           CommandUnpublishFromAdNetwork,
		Subject:        SubjectAdNetworkUnpublish,
		ReplyTo:        c.replySubject,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: uuid.NewString(),
		Body: &UnpublishFromAdNetworkBody{
			CorrelationID:      inst.CorrelationID,
			CampaignID:         inst.CampaignID,
			AdNetworkID:        networkID,
			ExternalCampaignID: externalID,
			Attempt:            attempt,
		},
	}
}

func (c *Compensator) releaseBillingCommand(inst *Instance, attempt int) Command {
	return Command{
		Type:           CommandReleaseBilling,
		Subject:        SubjectBillingRelease,
		ReplyTo:        c.replySubject,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: uuid.NewString(),
		Body: &ReleaseBillingBody{
			CorrelationID: inst.CorrelationID,
			CampaignID:    inst.CampaignID,
			MerchantID:    inst.MerchantID,
			Attempt:       attempt,
		},
	}
}
