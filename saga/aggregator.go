package saga

import "sort"

// Outcome агрегированный итог fan-out публикации по рекламным сетям
type Outcome struct {
	FinalStatus FinalStatus
	AnySuccess  bool
	Results     []AdNetworkResult
}

// Aggregate сворачивает исходы публикаций в итоговый статус кампании.
// Все сети успешны — COMPLETED, часть — PARTIALLY_COMPLETED, ни одной —
// AnySuccess=false и решение о компенсации принимает state machine.
// Results отсортированы по идентификатору сети: порядок во внешних
// событиях детерминирован независимо от порядка прихода ответов.
func Aggregate(inst *Instance) Outcome {
	ids := make([]string, 0, len(inst.AdNetworkPublishStatus))
	for id := range inst.AdNetworkPublishStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outcome := Outcome{Results: make([]AdNetworkResult, 0, len(ids))}
	successes := 0
	for _, id := range ids {
		po := inst.AdNetworkPublishStatus[id]
		if po.Status == PublishStatusSuccess {
			successes++
		}
		outcome.Results = append(outcome.Results, AdNetworkResult{
			AdNetworkID:        id,
			ExternalCampaignID: po.ExternalCampaignID,
			Status:             po.Status,
			Reason:             po.FailureReason,
		})
	}

	outcome.AnySuccess = successes > 0
	if successes == len(ids) {
		outcome.FinalStatus = FinalStatusCompleted
	} else if successes > 0 {
		outcome.FinalStatus = FinalStatusPartiallyCompleted
	}
	return outcome
}
