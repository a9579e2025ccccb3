package saga

import (
	"testing"
	"time"
)

func instanceWithOutcomes(outcomes map[string]*PublishOutcome) *Instance {
	return &Instance{
		ID:                     "saga-1",
		CampaignID:             "campaign-1",
		AdNetworkPublishStatus: outcomes,
	}
}

func TestAggregateAllSuccess(t *testing.T) {
	out := Aggregate(instanceWithOutcomes(map[string]*PublishOutcome{
		"google-shopping": {Status: PublishStatusSuccess, ExternalCampaignID: "ext-g"},
		"meta-ads":        {Status: PublishStatusSuccess, ExternalCampaignID: "ext-m"},
	}))

	if out.FinalStatus != FinalStatusCompleted {
		t.Errorf("final status = %s, want COMPLETED", out.FinalStatus)
	}
	if !out.AnySuccess {
		t.Error("AnySuccess must be true")
	}
}

func TestAggregatePartialSuccess(t *testing.T) {
	out := Aggregate(instanceWithOutcomes(map[string]*PublishOutcome{
		"google-shopping": {Status: PublishStatusSuccess, ExternalCampaignID: "ext-g"},
		"meta-ads":        {Status: PublishStatusFailure, FailureReason: "rejected"},
	}))

	if out.FinalStatus != FinalStatusPartiallyCompleted {
		t.Errorf("final status = %s, want PARTIALLY_COMPLETED", out.FinalStatus)
	}
	if !out.AnySuccess {
		t.Error("AnySuccess must be true")
	}
}

func TestAggregateAllFailed(t *testing.T) {
	out := Aggregate(instanceWithOutcomes(map[string]*PublishOutcome{
		"google-shopping": {Status: PublishStatusFailure, FailureReason: "rejected"},
		"meta-ads":        {Status: PublishStatusFailure, FailureReason: "rejected"},
	}))

	if out.AnySuccess {
		t.Error("AnySuccess must be false when every network failed")
	}
	if out.FinalStatus != "" {
		t.Errorf("final status = %s, want empty for full failure", out.FinalStatus)
	}
}

func TestAggregateResultsSortedByNetworkID(t *testing.T) {
	out := Aggregate(instanceWithOutcomes(map[string]*PublishOutcome{
		"zeta-net":  {Status: PublishStatusSuccess, ExternalCampaignID: "ext-z", Timestamp: time.Now()},
		"alpha-net": {Status: PublishStatusFailure, FailureReason: "rejected"},
		"mid-net":   {Status: PublishStatusSuccess, ExternalCampaignID: "ext-m"},
	}))

	want := []string{"alpha-net", "mid-net", "zeta-net"}
	if len(out.Results) != len(want) {
		t.Fatalf("results = %d, want %d", len(out.Results), len(want))
	}
	for i, id := range want {
		if out.Results[i].AdNetworkID != id {
			t.Errorf("results[%d] = %s, want %s", i, out.Results[i].AdNetworkID, id)
		}
	}
}

func TestAggregateCarriesFailureReasons(t *testing.T) {
	out := Aggregate(instanceWithOutcomes(map[string]*PublishOutcome{
		"meta-ads": {Status: PublishStatusFailure, FailureReason: "missing GTIN attributes"},
	}))

	if out.Results[0].Reason != "missing GTIN attributes" {
		t.Errorf("reason = %q", out.Results[0].Reason)
	}
}
