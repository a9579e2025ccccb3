package saga

import (
	"testing"
)

// compensatingInstance проводит сагу до COMPENSATING после двух успешных
// публикаций и отказа финализации статуса
func compensatingInstance(t *testing.T, m *StateMachine) *Instance {
	t.Helper()
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", ExternalCampaignID: "ext-g-1",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "meta-ads", ExternalCampaignID: "ext-m-1",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventCampaignStatusUpdateFailed, CorrelationID: inst.CorrelationID,
		FailureReason: "status service down",
	}, testNow)
	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("setup failed: state = %s", dec.Instance.CurrentState)
	}
	return dec.Instance
}

func TestUnpublishCarriesExternalCampaignID(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	for target, entry := range inst.Rollbacks {
		if entry.Status != RollbackStatusPending || entry.Attempts != 1 {
			t.Errorf("rollback %s: status=%s attempts=%d", target, entry.Status, entry.Attempts)
		}
	}
	if _, tracked := inst.Rollbacks[RollbackTargetBilling]; tracked {
		t.Error("billing release must not be planned before unpublish phase completes")
	}
}

func TestBillingReleaseIssuedAfterAllUnpublishConfirmed(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkUnpublishConfirmed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", RollbackTarget: RollbackTargetAdNetworkPrefix + "google-shopping",
	}, testNow)
	if len(dec.Commands) != 0 {
		t.Fatalf("billing release issued before all unpublish confirmed: %+v", dec.Commands)
	}

	dec = m.Decide(dec.Instance, &Event{
		Type: EventAdNetworkUnpublishConfirmed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "meta-ads", RollbackTarget: RollbackTargetAdNetworkPrefix + "meta-ads",
	}, testNow)
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandReleaseBilling {
		t.Fatalf("expected ReleaseBilling after last unpublish, got %+v", dec.Commands)
	}
	if dec.Instance.CurrentState != StateCompensating {
		t.Errorf("state = %s, compensation not finished yet", dec.Instance.CurrentState)
	}
}

func TestBillingReleaseConfirmationCompletesCompensation(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkUnpublishConfirmed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", RollbackTarget: RollbackTargetAdNetworkPrefix + "google-shopping",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventAdNetworkUnpublishConfirmed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "meta-ads", RollbackTarget: RollbackTargetAdNetworkPrefix + "meta-ads",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventBillingReleaseConfirmed, CorrelationID: inst.CorrelationID,
		RollbackTarget: RollbackTargetBilling,
	}, testNow)

	if dec.Instance.CurrentState != StateCompensated {
		t.Fatalf("state = %s, want COMPENSATED", dec.Instance.CurrentState)
	}
	if len(dec.Events) != 1 || dec.Events[0].Type != EventCampaignPublishingFailed {
		t.Fatalf("expected failed terminal event, got %+v", dec.Events)
	}
	body := dec.Events[0].Body.(*CampaignPublishingFailedBody)
	if body.Reason == "" {
		t.Error("terminal event must carry the failure reason")
	}
}

func TestRollbackFailureRetriedWithinBudget(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)
	target := RollbackTargetAdNetworkPrefix + "google-shopping"

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkUnpublishFailed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", RollbackTarget: target,
		FailureReason: "network unavailable",
	}, testNow)

	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("state = %s, retry must stay in COMPENSATING", dec.Instance.CurrentState)
	}
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandUnpublishFromAdNetwork {
		t.Fatalf("expected reissued unpublish, got %+v", dec.Commands)
	}
	entry := dec.Instance.Rollbacks[target]
	if entry.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", entry.Attempts)
	}
	body := dec.Commands[0].Body.(*UnpublishFromAdNetworkBody)
	if body.Attempt != 2 {
		t.Errorf("command attempt = %d, want 2", body.Attempt)
	}
}

func TestRollbackBudgetExhaustionFailsFinalization(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)
	target := RollbackTargetAdNetworkPrefix + "google-shopping"

	failure := &Event{
		Type: EventAdNetworkUnpublishFailed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", RollbackTarget: target,
		FailureReason: "network unavailable",
	}

	dec := m.Decide(inst, failure, testNow)
	dec = m.Decide(dec.Instance, failure, testNow)
	// Третий отказ исчерпывает бюджет из трех попыток
	dec = m.Decide(dec.Instance, failure, testNow)

	if dec.Instance.CurrentState != StateFailedFinalization {
		t.Fatalf("state = %s, want FAILED_FINALIZATION", dec.Instance.CurrentState)
	}
	if dec.Instance.Rollbacks[target].Status != RollbackStatusFailed {
		t.Error("exhausted rollback must be marked FAILED")
	}
	if len(dec.Events) != 1 || dec.Events[0].Type != EventCampaignPublishingFailed {
		t.Fatalf("expected failed terminal event, got %+v", dec.Events)
	}
}

func TestDuplicateRollbackConfirmationIgnored(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	ev := &Event{
		Type: EventAdNetworkUnpublishConfirmed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", RollbackTarget: RollbackTargetAdNetworkPrefix + "google-shopping",
	}
	dec := m.Decide(inst, ev, testNow)
	dup := m.Decide(dec.Instance, ev, testNow)

	if !dup.Ignored {
		t.Fatal("duplicate rollback confirmation must be ignored")
	}
}

func TestCompensationTimeoutReissuesPendingRollbacks(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventStepTimedOut, CorrelationID: inst.CorrelationID}, testNow)
	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", dec.Instance.CurrentState)
	}
	if len(dec.Commands) != 2 {
		t.Fatalf("commands = %d, want 2 reissued unpublish commands", len(dec.Commands))
	}
	for _, entry := range dec.Instance.Rollbacks {
		if entry.Attempts != 2 {
			t.Errorf("rollback %s attempts = %d, want 2", entry.Target, entry.Attempts)
		}
	}
}

func TestCompensationTimeoutAfterBudgetFailsFinalization(t *testing.T) {
	m := testMachine(t)
	inst := compensatingInstance(t, m)

	timeout := &Event{Type: EventStepTimedOut, CorrelationID: inst.CorrelationID}
	dec := m.Decide(inst, timeout, testNow)
	dec = m.Decide(dec.Instance, timeout, testNow)
	dec = m.Decide(dec.Instance, timeout, testNow)

	if dec.Instance.CurrentState != StateFailedFinalization {
		t.Fatalf("state = %s, want FAILED_FINALIZATION", dec.Instance.CurrentState)
	}
}
