// Package saga реализует сагу публикации рекламной кампании: durable
// state machine, компенсации и агрегацию исходов по рекламным сетям.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// State состояние саги
type State string

const (
	StateStarted                     State = "STARTED"
	StatePendingBillingCheck         State = "PENDING_BILLING_CHECK"
	StatePendingProductFeedPrep      State = "PENDING_PRODUCT_FEED_PREP"
	StatePendingAdNetworkPublish     State = "PENDING_AD_NETWORK_PUBLISH"
	StatePendingCampaignStatusUpdate State = "PENDING_CAMPAIGN_STATUS_UPDATE"
	StateCompleted                   State = "COMPLETED"
	StateCompensating                State = "COMPENSATING"
	StateCompensated                 State = "COMPENSATED"
	StateFailed                      State = "FAILED"
	StateFailedFinalization          State = "FAILED_FINALIZATION"
)

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateFailedFinalization:
		return true
	}
	return false
}

// PublishStatus статус публикации в отдельной рекламной сети
type PublishStatus string

const (
	PublishStatusPending PublishStatus = "PENDING"
	PublishStatusSuccess PublishStatus = "SUCCESS"
	PublishStatusFailure PublishStatus = "FAILURE"
)

// FinalStatus итоговый статус кампании, вычисляемый агрегатором
type FinalStatus string

const (
	FinalStatusCompleted          FinalStatus = "COMPLETED"
	FinalStatusPartiallyCompleted FinalStatus = "PARTIALLY_COMPLETED"
)

// PublishOutcome исход публикации в одной рекламной сети.
// Каждая запись мутирует ровно один раз: из PENDING в терминальный статус.
type PublishOutcome struct {
	Status             PublishStatus `json:"status"`
	ExternalCampaignID string        `json:"external_campaign_id,omitempty"`
	FailureReason      string        `json:"failure_reason,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// RollbackStatus статус команды отката
type RollbackStatus string

const (
	RollbackStatusPending   RollbackStatus = "PENDING"
	RollbackStatusConfirmed RollbackStatus = "CONFIRMED"
	RollbackStatusFailed    RollbackStatus = "FAILED"
)

// Цели откатов. Откаты рекламных сетей имеют цель "adnetwork:<id>".
const (
	RollbackTargetBilling         = "billing"
	RollbackTargetAdNetworkPrefix = "adnetwork:"
)

// RollbackEntry запись отслеживания одной компенсирующей команды
type RollbackEntry struct {
	Target        string         `json:"target"`
	Status        RollbackStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// FeedCompliance результат проверки соответствия фида требованиям одной сети
type FeedCompliance struct {
	Compliant bool   `json:"compliant"`
	Reason    string `json:"reason,omitempty"`
	FeedURL   string `json:"feed_url,omitempty"`
}

// Payload данные, переносимые сагой между шагами.
// Шаги дополняют payload, но не перезаписывают данные предыдущих шагов.
type Payload struct {
	ProductCatalogID   string                    `json:"product_catalog_id"`
	TargetAdNetworkIDs []string                  `json:"target_ad_network_ids"`
	BudgetDetails      map[string]interface{}    `json:"budget_details,omitempty"`
	CampaignDetails    map[string]interface{}    `json:"campaign_details,omitempty"`
	FeedCompliance     map[string]FeedCompliance `json:"feed_compliance,omitempty"`
	FinalStatus        FinalStatus               `json:"final_status,omitempty"`
}

// Instance экземпляр саги публикации кампании: одна запись на одну
// попытку публикации. Мутируется только state machine через атомарный
// read-modify-write, защищенный полем Version.
type Instance struct {
	ID                     string                     `json:"id"`
	CampaignID             string                     `json:"campaign_id"`
	MerchantID             string                     `json:"merchant_id"`
	CorrelationID          string                     `json:"correlation_id"`
	CurrentState           State                      `json:"current_state"`
	IsCompensating         bool                       `json:"is_compensating"`
	Payload                Payload                    `json:"payload"`
	AdNetworkPublishStatus map[string]*PublishOutcome `json:"ad_network_publish_status,omitempty"`
	Rollbacks              map[string]*RollbackEntry  `json:"rollbacks,omitempty"`
	LastFailureReason      string                     `json:"last_failure_reason,omitempty"`
	Version                int64                      `json:"version"`
	CreatedAt              time.Time                  `json:"created_at"`
	UpdatedAt              time.Time                  `json:"updated_at"`
}

// Пространство имен для correlation id, выводимых из ключа запроса
var correlationNamespace = uuid.MustParse("3f1a5b9e-6c42-4d8a-9f0b-2e7c8d4a1b6f")

// correlationIDFor выводит correlation id саги из идемпотентного ключа
// запроса. Передоставленный запрос дает тот же id и упирается в
// уникальный индекс хранилища вместо создания второй саги. Запрос без
// ключа получает случайный id.
func correlationIDFor(req *CampaignCreationRequested) string {
	if req.RequestID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(correlationNamespace, []byte(req.RequestID)).String()
}

// NewInstance создает новый экземпляр саги из запроса на создание кампании
func NewInstance(req *CampaignCreationRequested, now time.Time) *Instance {
	return &Instance{
		ID:            uuid.NewString(),
		CampaignID:    req.CampaignID,
		MerchantID:    req.MerchantID,
		CorrelationID: correlationIDFor(req),
		CurrentState:  StateStarted,
		Payload: Payload{
			ProductCatalogID:   req.ProductCatalogID,
			TargetAdNetworkIDs: append([]string(nil), req.TargetAdNetworkIDs...),
			BudgetDetails:      req.BudgetDetails,
			CampaignDetails:    req.CampaignDetails,
		},
		AdNetworkPublishStatus: make(map[string]*PublishOutcome),
		Rollbacks:              make(map[string]*RollbackEntry),
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Clone возвращает глубокую копию экземпляра. Функция переходов чистая:
// она мутирует копию, а не загруженное состояние.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.Payload.TargetAdNetworkIDs = append([]string(nil), i.Payload.TargetAdNetworkIDs...)
	if i.Payload.FeedCompliance != nil {
		cp.Payload.FeedCompliance = make(map[string]FeedCompliance, len(i.Payload.FeedCompliance))
		for k, v := range i.Payload.FeedCompliance {
			cp.Payload.FeedCompliance[k] = v
		}
	}
	cp.AdNetworkPublishStatus = make(map[string]*PublishOutcome, len(i.AdNetworkPublishStatus))
	for k, v := range i.AdNetworkPublishStatus {
		outcome := *v
		cp.AdNetworkPublishStatus[k] = &outcome
	}
	cp.Rollbacks = make(map[string]*RollbackEntry, len(i.Rollbacks))
	for k, v := range i.Rollbacks {
		entry := *v
		cp.Rollbacks[k] = &entry
	}
	return &cp
}

// PublishJoinComplete проверяет, завершен ли fan-in: каждая запись
// AdNetworkPublishStatus достигла терминального статуса.
func (i *Instance) PublishJoinComplete() bool {
	if len(i.AdNetworkPublishStatus) == 0 {
		return false
	}
	for _, outcome := range i.AdNetworkPublishStatus {
		if outcome.Status == PublishStatusPending {
			return false
		}
	}
	return true
}

// SuccessfulNetworks возвращает идентификаторы сетей с успешной публикацией
func (i *Instance) SuccessfulNetworks() []string {
	var ids []string
	for id, outcome := range i.AdNetworkPublishStatus {
		if outcome.Status == PublishStatusSuccess {
			ids = append(ids, id)
		}
	}
	return ids
}

// RollbacksSettled проверяет, подтверждены ли все запланированные откаты
func (i *Instance) RollbacksSettled() bool {
	for _, entry := range i.Rollbacks {
		if entry.Status != RollbackStatusConfirmed {
			return false
		}
	}
	return true
}

// PendingAdNetworkRollbacks возвращает количество неподтвержденных
// откатов публикаций в рекламных сетях
func (i *Instance) PendingAdNetworkRollbacks() int {
	count := 0
	for target, entry := range i.Rollbacks {
		if target != RollbackTargetBilling && entry.Status != RollbackStatusConfirmed {
			count++
		}
	}
	return count
}
