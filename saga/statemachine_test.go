package saga

import (
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testMachine(t *testing.T) *StateMachine {
	t.Helper()
	m, err := NewStateMachine(DefaultStateMachineConfig())
	if err != nil {
		t.Fatalf("NewStateMachine() error = %v", err)
	}
	return m
}

func testRequest() *CampaignCreationRequested {
	return &CampaignCreationRequested{
		CampaignID:         "campaign-1",
		MerchantID:         "merchant-1",
		TargetAdNetworkIDs: []string{"google-shopping", "meta-ads"},
		ProductCatalogID:   "catalog-1",
	}
}

func startInstance(t *testing.T, m *StateMachine) *Instance {
	t.Helper()
	dec, err := m.Start(testRequest(), testNow)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return dec.Instance
}

func compliantFeed(networks ...string) map[string]FeedCompliance {
	fc := make(map[string]FeedCompliance)
	for _, n := range networks {
		fc[n] = FeedCompliance{Compliant: true, FeedURL: "https://feeds.example.com/" + n}
	}
	return fc
}

// advanceToPublish проводит сагу до PENDING_AD_NETWORK_PUBLISH
func advanceToPublish(t *testing.T, m *StateMachine, inst *Instance) *Instance {
	t.Helper()
	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type:           EventProductFeedReady,
		CorrelationID:  inst.CorrelationID,
		FeedCompliance: compliantFeed("google-shopping", "meta-ads"),
	}, testNow)
	if dec.Instance.CurrentState != StatePendingAdNetworkPublish {
		t.Fatalf("expected PENDING_AD_NETWORK_PUBLISH, got %s", dec.Instance.CurrentState)
	}
	return dec.Instance
}

func TestStartIssuesBillingCheck(t *testing.T) {
	m := testMachine(t)
	dec, err := m.Start(testRequest(), testNow)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	inst := dec.Instance
	if inst.CurrentState != StatePendingBillingCheck {
		t.Errorf("state = %s, want %s", inst.CurrentState, StatePendingBillingCheck)
	}
	if inst.Version != 1 {
		t.Errorf("version = %d, want 1", inst.Version)
	}
	if inst.CorrelationID == "" || inst.ID == "" {
		t.Error("instance must have generated IDs")
	}
	if len(dec.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(dec.Commands))
	}
	cmd := dec.Commands[0]
	if cmd.Type != CommandCheckBilling || cmd.Subject != SubjectBillingCheck {
		t.Errorf("unexpected command %s -> %s", cmd.Type, cmd.Subject)
	}
	if cmd.ReplyTo != SubjectCampaignPublishingReply {
		t.Errorf("reply_to = %s", cmd.ReplyTo)
	}
	if cmd.IdempotencyKey == "" {
		t.Error("command must carry idempotency key")
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	m := testMachine(t)
	req := testRequest()
	req.TargetAdNetworkIDs = nil

	if _, err := m.Start(req, testNow); err == nil {
		t.Fatal("expected validation error for empty target networks")
	}
}

func TestBillingSuccessAdvancesToFeedPrep(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	if dec.Ignored {
		t.Fatalf("unexpected ignore: %s", dec.IgnoreReason)
	}
	if dec.Instance.CurrentState != StatePendingProductFeedPrep {
		t.Errorf("state = %s, want %s", dec.Instance.CurrentState, StatePendingProductFeedPrep)
	}
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandPrepareProductFeed {
		t.Fatalf("expected single PrepareProductFeed command, got %+v", dec.Commands)
	}
}

func TestBillingFailureTerminatesWithoutCompensation(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{
		Type:          EventBillingCheckFailed,
		CorrelationID: inst.CorrelationID,
		FailureReason: "insufficient funds",
	}, testNow)

	if dec.Instance.CurrentState != StateFailed {
		t.Errorf("state = %s, want %s", dec.Instance.CurrentState, StateFailed)
	}
	if dec.Instance.IsCompensating {
		t.Error("billing failure must not trigger compensation")
	}
	if dec.Instance.LastFailureReason != "insufficient funds" {
		t.Errorf("failure reason = %q", dec.Instance.LastFailureReason)
	}
	if len(dec.Events) != 1 || dec.Events[0].Type != EventCampaignPublishingFailed {
		t.Fatalf("expected failed terminal event, got %+v", dec.Events)
	}
	if len(dec.Commands) != 0 {
		t.Errorf("no commands expected, got %d", len(dec.Commands))
	}
}

func TestFeedReadyFansOutPerNetwork(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	if len(inst.AdNetworkPublishStatus) != 2 {
		t.Fatalf("tracked networks = %d, want 2", len(inst.AdNetworkPublishStatus))
	}
	for id, outcome := range inst.AdNetworkPublishStatus {
		if outcome.Status != PublishStatusPending {
			t.Errorf("network %s status = %s, want PENDING", id, outcome.Status)
		}
	}
}

func TestNonCompliantNetworkExcludedFromFanOut(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type:          EventProductFeedReady,
		CorrelationID: inst.CorrelationID,
		FeedCompliance: map[string]FeedCompliance{
			"google-shopping": {Compliant: true, FeedURL: "https://feeds.example.com/g"},
			"meta-ads":        {Compliant: false, Reason: "missing GTIN attributes"},
		},
	}, testNow)

	if len(dec.Commands) != 1 {
		t.Fatalf("commands = %d, want 1 (non-compliant network excluded)", len(dec.Commands))
	}
	body := dec.Commands[0].Body.(*PublishToAdNetworkBody)
	if body.AdNetworkID != "google-shopping" {
		t.Errorf("command targets %s, want google-shopping", body.AdNetworkID)
	}

	outcome := dec.Instance.AdNetworkPublishStatus["meta-ads"]
	if outcome.Status != PublishStatusFailure {
		t.Errorf("excluded network status = %s, want FAILURE", outcome.Status)
	}
	if !strings.Contains(outcome.FailureReason, "GTIN") {
		t.Errorf("compliance reason lost: %q", outcome.FailureReason)
	}
}

func TestAllNetworksNonCompliantStartsCompensation(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type:          EventProductFeedReady,
		CorrelationID: inst.CorrelationID,
		FeedCompliance: map[string]FeedCompliance{
			"google-shopping": {Compliant: false, Reason: "bad feed"},
			"meta-ads":        {Compliant: false, Reason: "bad feed"},
		},
	}, testNow)

	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", dec.Instance.CurrentState)
	}
	// Публикаций не было — компенсируется только бюджет
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandReleaseBilling {
		t.Fatalf("expected single ReleaseBilling command, got %+v", dec.Commands)
	}
}

func TestFeedFailureTerminatesSaga(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type:          EventProductFeedFailed,
		CorrelationID: inst.CorrelationID,
		FailureReason: "catalog is empty",
	}, testNow)

	if dec.Instance.CurrentState != StateFailed {
		t.Errorf("state = %s, want FAILED", dec.Instance.CurrentState)
	}
	if len(dec.Events) != 1 {
		t.Fatalf("expected terminal event")
	}
}

func TestPublishJoinWaitsForAllNetworks(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type:               EventAdNetworkPublishSuccessful,
		CorrelationID:      inst.CorrelationID,
		AdNetworkID:        "google-shopping",
		ExternalCampaignID: "ext-g-1",
	}, testNow)

	if dec.Instance.CurrentState != StatePendingAdNetworkPublish {
		t.Errorf("state = %s, join must wait for remaining network", dec.Instance.CurrentState)
	}
	if len(dec.Commands) != 0 || len(dec.Events) != 0 {
		t.Error("no outbound messages expected before join completes")
	}
}

func TestAllNetworksSucceedLeadsToStatusUpdate(t *testing.T) {
	m := testMachine(t)
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

	if dec.Instance.CurrentState != StatePendingCampaignStatusUpdate {
		t.Fatalf("state = %s, want PENDING_CAMPAIGN_STATUS_UPDATE", dec.Instance.CurrentState)
	}
	if dec.Instance.Payload.FinalStatus != FinalStatusCompleted {
		t.Errorf("final status = %s, want COMPLETED", dec.Instance.Payload.FinalStatus)
	}
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandUpdateCampaignStatus {
		t.Fatalf("expected UpdateCampaignStatus command, got %+v", dec.Commands)
	}
	body := dec.Commands[0].Body.(*UpdateCampaignStatusBody)
	if len(body.PublishedAdNetworks) != 2 {
		t.Errorf("results = %d, want 2", len(body.PublishedAdNetworks))
	}
}

func TestPartialSuccessAggregatesPartiallyCompleted(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", ExternalCampaignID: "ext-g-1",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventAdNetworkPublishFailed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "meta-ads", FailureReason: "policy violation",
	}, testNow)

	if dec.Instance.CurrentState != StatePendingCampaignStatusUpdate {
		t.Fatalf("state = %s, want PENDING_CAMPAIGN_STATUS_UPDATE", dec.Instance.CurrentState)
	}
	if dec.Instance.Payload.FinalStatus != FinalStatusPartiallyCompleted {
		t.Errorf("final status = %s, want PARTIALLY_COMPLETED", dec.Instance.Payload.FinalStatus)
	}
}

func TestAllNetworksFailStartsCompensation(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishFailed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", FailureReason: "rejected",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{
		Type: EventAdNetworkPublishFailed, CorrelationID: inst.CorrelationID,
		AdNetworkID: "meta-ads", FailureReason: "rejected",
	}, testNow)

	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", dec.Instance.CurrentState)
	}
	if !dec.Instance.IsCompensating {
		t.Error("IsCompensating must be set")
	}
	// Успешных публикаций нет — сразу освобождение бюджета
	if len(dec.Commands) != 1 || dec.Commands[0].Type != CommandReleaseBilling {
		t.Fatalf("expected ReleaseBilling, got %+v", dec.Commands)
	}
}

func TestDuplicatePublishReplyIgnored(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	ev := &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", ExternalCampaignID: "ext-g-1",
	}
	dec := m.Decide(inst, ev, testNow)
	dup := m.Decide(dec.Instance, ev, testNow)

	if !dup.Ignored {
		t.Fatal("duplicate reply must be ignored")
	}
	if len(dup.Commands) != 0 || len(dup.Events) != 0 {
		t.Error("duplicate must produce no outbound messages")
	}
}

func TestUnknownNetworkReplyIgnored(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "tiktok-ads", ExternalCampaignID: "ext-t-1",
	}, testNow)
	if !dec.Ignored {
		t.Fatal("reply from untracked network must be ignored")
	}
}

func TestUnexpectedEventIgnored(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	// Ответ сети в состоянии ожидания биллинга — отставшее или чужое сообщение
	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", ExternalCampaignID: "ext-g-1",
	}, testNow)
	if !dec.Ignored {
		t.Fatal("out-of-order event must be ignored")
	}
}

func TestEventInTerminalStateIgnored(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst.CurrentState = StateCompleted

	dec := m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	if !dec.Ignored {
		t.Fatal("terminal saga must ignore all events")
	}
}

func TestStatusUpdateSuccessCompletesSaga(t *testing.T) {
	m := testMachine(t)
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
		Type: EventCampaignStatusUpdateSucceeded, CorrelationID: inst.CorrelationID,
	}, testNow)

	if dec.Instance.CurrentState != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", dec.Instance.CurrentState)
	}
	if len(dec.Events) != 1 || dec.Events[0].Type != EventCampaignPublishingCompleted {
		t.Fatalf("expected completed terminal event, got %+v", dec.Events)
	}
	body := dec.Events[0].Body.(*CampaignPublishingCompletedBody)
	if body.FinalStatus != FinalStatusCompleted {
		t.Errorf("final status = %s", body.FinalStatus)
	}
	if len(body.PublishedAdNetworks) != 2 {
		t.Errorf("results = %d, want 2", len(body.PublishedAdNetworks))
	}
}

func TestStatusUpdateFailureRollsBackInReverseOrder(t *testing.T) {
	m := testMachine(t)
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
		FailureReason: "campaign service unavailable",
	}, testNow)

	if dec.Instance.CurrentState != StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", dec.Instance.CurrentState)
	}
	// Сначала снимаются публикации, бюджет освобождается последним
	if len(dec.Commands) != 2 {
		t.Fatalf("commands = %d, want 2 unpublish commands", len(dec.Commands))
	}
	for _, cmd := range dec.Commands {
		if cmd.Type != CommandUnpublishFromAdNetwork {
			t.Errorf("unexpected command %s before unpublish phase completes", cmd.Type)
		}
	}
}

func TestPublishTimeoutFailsPendingEntriesAndAggregates(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)
	inst = advanceToPublish(t, m, inst)

	dec := m.Decide(inst, &Event{
		Type: EventAdNetworkPublishSuccessful, CorrelationID: inst.CorrelationID,
		AdNetworkID: "google-shopping", ExternalCampaignID: "ext-g-1",
	}, testNow)
	dec = m.Decide(dec.Instance, &Event{Type: EventStepTimedOut, CorrelationID: inst.CorrelationID}, testNow)

	if dec.Instance.CurrentState != StatePendingCampaignStatusUpdate {
		t.Fatalf("state = %s, want PENDING_CAMPAIGN_STATUS_UPDATE", dec.Instance.CurrentState)
	}
	if dec.Instance.Payload.FinalStatus != FinalStatusPartiallyCompleted {
		t.Errorf("final status = %s, want PARTIALLY_COMPLETED", dec.Instance.Payload.FinalStatus)
	}
	if dec.Instance.AdNetworkPublishStatus["meta-ads"].Status != PublishStatusFailure {
		t.Error("pending entry must be failed on timeout")
	}
}

func TestBillingTimeoutFailsSaga(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	dec := m.Decide(inst, &Event{Type: EventStepTimedOut, CorrelationID: inst.CorrelationID}, testNow)
	if dec.Instance.CurrentState != StateFailed {
		t.Fatalf("state = %s, want FAILED", dec.Instance.CurrentState)
	}
}

func TestDecideDoesNotMutateSnapshot(t *testing.T) {
	m := testMachine(t)
	inst := startInstance(t, m)

	m.Decide(inst, &Event{Type: EventBillingCheckSuccessful, CorrelationID: inst.CorrelationID}, testNow)
	if inst.CurrentState != StatePendingBillingCheck {
		t.Error("Decide must not mutate the loaded snapshot")
	}
}
