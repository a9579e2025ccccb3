package saga

import (
	"encoding/json"
	"fmt"
)

// Типы входящих событий
const (
	EventCampaignCreationRequested     = "CampaignCreationRequested"
	EventBillingCheckSuccessful        = "BillingCheckSuccessful"
	EventBillingCheckFailed            = "BillingCheckFailed"
	EventProductFeedReady              = "ProductFeedReady"
	EventProductFeedFailed             = "ProductFeedFailed"
	EventAdNetworkPublishSuccessful    = "AdNetworkPublishSuccessful"
	EventAdNetworkPublishFailed        = "AdNetworkPublishFailed"
	EventCampaignStatusUpdateSucceeded = "CampaignStatusUpdateSucceeded"
	EventCampaignStatusUpdateFailed    = "CampaignStatusUpdateFailed"
	EventAdNetworkUnpublishConfirmed   = "AdNetworkUnpublishConfirmed"
	EventAdNetworkUnpublishFailed      = "AdNetworkUnpublishFailed"
	EventBillingReleaseConfirmed       = "BillingReleaseConfirmed"
	EventBillingReleaseFailed          = "BillingReleaseFailed"
	// EventStepTimedOut синтезируется sweeper'ом, когда ответ коллаборатора
	// не пришел в пределах дедлайна шага.
	EventStepTimedOut = "StepTimedOut"
)

// Типы команд коллабораторам
const (
	CommandCheckBilling           = "CheckBillingCommand"
	CommandPrepareProductFeed     = "PrepareProductFeedCommand"
	CommandPublishToAdNetwork     = "PublishToAdNetworkCommand"
	CommandUpdateCampaignStatus   = "UpdateCampaignStatusCommand"
	CommandUnpublishFromAdNetwork = "UnpublishFromAdNetworkCommand"
	CommandReleaseBilling         = "ReleaseBillingCommand"
)

// Типы терминальных событий
const (
	EventCampaignPublishingCompleted = "CampaignPublishingCompleted"
	EventCampaignPublishingFailed    = "CampaignPublishingFailed"
)

// Subjects для обмена сообщениями
const (
	SubjectCampaignPublishingRequest   = "campaign.publishing.request"
	SubjectCampaignPublishingReply     = "campaign.publishing.reply"
	SubjectCampaignPublishingCompleted = "campaign.publishing.completed"
	SubjectCampaignPublishingFailed    = "campaign.publishing.failed"
	SubjectBillingCheck                = "billing.check"
	SubjectBillingRelease              = "billing.release"
	SubjectFeedPrepare                 = "catalog.feed.prepare"
	SubjectAdNetworkPublish            = "adnetwork.publish"
	SubjectAdNetworkUnpublish          = "adnetwork.unpublish"
	SubjectCampaignStatusUpdate        = "campaign.status.update"
)

// CampaignCreationRequested запрос на публикацию кампании; стартует сагу
type CampaignCreationRequested struct {
	// RequestID идемпотентный ключ запроса. Шлюз заполняет его из
	// заголовка idempotency_key конверта, если тело его не несет.
	// Из ключа детерминированно выводится correlation id саги, поэтому
	// передоставка того же запроса не создает вторую сагу.
	RequestID          string                 `json:"request_id,omitempty"`
	CampaignID         string                 `json:"campaign_id"`
	MerchantID         string                 `json:"merchant_id"`
	TargetAdNetworkIDs []string               `json:"target_ad_network_ids"`
	ProductCatalogID   string                 `json:"product_catalog_id"`
	BudgetDetails      map[string]interface{} `json:"budget_details,omitempty"`
	CampaignDetails    map[string]interface{} `json:"campaign_details,omitempty"`
}

// Validate проверяет форму запроса
func (r *CampaignCreationRequested) Validate() error {
	if r.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if r.MerchantID == "" {
		return fmt.Errorf("merchant_id is required")
	}
	if len(r.TargetAdNetworkIDs) == 0 {
		return fmt.Errorf("target_ad_network_ids must not be empty")
	}
	for i, id := range r.TargetAdNetworkIDs {
		if id == "" {
			return fmt.Errorf("target_ad_network_ids[%d] is empty", i)
		}
	}
	if r.ProductCatalogID == "" {
		return fmt.Errorf("product_catalog_id is required")
	}
	return nil
}

// Event нормализованное входящее событие после валидации формы.
// State machine работает только с этим типом.
type Event struct {
	Type               string
	CorrelationID      string
	IdempotencyKey     string
	CampaignID         string
	AdNetworkID        string
	ExternalCampaignID string
	FailureReason      string
	ProductCatalogID   string
	FeedCompliance     map[string]FeedCompliance
	RollbackTarget     string
}

// billingReplyBody тело ответа billing-коллаборатора
type billingReplyBody struct {
	CorrelationID string `json:"correlation_id"`
	CampaignID    string `json:"campaign_id"`
	Message       string `json:"message,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// feedReplyBody тело ответа product-catalog коллаборатора
type feedReplyBody struct {
	CorrelationID        string                    `json:"correlation_id"`
	CampaignID           string                    `json:"campaign_id"`
	ProductCatalogID     string                    `json:"product_catalog_id"`
	FeedComplianceStatus map[string]FeedCompliance `json:"feed_compliance_status"`
	Reason               string                    `json:"reason,omitempty"`
}

// adNetworkReplyBody тело ответа ad-network коллаборатора
type adNetworkReplyBody struct {
	CorrelationID      string `json:"correlation_id"`
	CampaignID         string `json:"campaign_id"`
	AdNetworkID        string `json:"ad_network_id"`
	ExternalCampaignID string `json:"external_campaign_id,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

// statusReplyBody тело ответа campaign-management коллаборатора
type statusReplyBody struct {
	CorrelationID string `json:"correlation_id"`
	CampaignID    string `json:"campaign_id"`
	Reason        string `json:"reason,omitempty"`
}

// rollbackReplyBody тело подтверждения компенсирующей команды
type rollbackReplyBody struct {
	CorrelationID string `json:"correlation_id"`
	CampaignID    string `json:"campaign_id"`
	AdNetworkID   string `json:"ad_network_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// DecodeEvent валидирует форму входящего сообщения и приводит его к Event.
// Неизвестный тип или неполное тело — ошибка MALFORMED_EVENT: такое
// сообщение отклоняется до того, как достигнет state machine.
func DecodeEvent(eventType, correlationID, idempotencyKey string, data []byte) (*Event, error) {
	ev := &Event{
		Type:           eventType,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
	}

	switch eventType {
	case EventBillingCheckSuccessful, EventBillingCheckFailed:
		var body billingReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.FailureReason = body.Reason

	case EventProductFeedReady:
		var body feedReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if len(body.FeedComplianceStatus) == 0 {
			return nil, NewError(ErrCodeMalformedEvent, "", "feed_compliance_status must not be empty")
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.ProductCatalogID = body.ProductCatalogID
		ev.FeedCompliance = body.FeedComplianceStatus

	case EventProductFeedFailed:
		var body feedReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.FailureReason = body.Reason

	case EventAdNetworkPublishSuccessful:
		var body adNetworkReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.AdNetworkID == "" {
			return nil, NewError(ErrCodeMalformedEvent, "", "ad_network_id is required")
		}
		if body.ExternalCampaignID == "" {
			return nil, NewError(ErrCodeMalformedEvent, "", "external_campaign_id is required")
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.AdNetworkID = body.AdNetworkID
		ev.ExternalCampaignID = body.ExternalCampaignID

	case EventAdNetworkPublishFailed:
		var body adNetworkReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.AdNetworkID == "" {
			return nil, NewError(ErrCodeMalformedEvent, "", "ad_network_id is required")
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.AdNetworkID = body.AdNetworkID
		ev.FailureReason = body.FailureReason

	case EventCampaignStatusUpdateSucceeded, EventCampaignStatusUpdateFailed:
		var body statusReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.FailureReason = body.Reason

	case EventAdNetworkUnpublishConfirmed, EventAdNetworkUnpublishFailed:
		var body rollbackReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.AdNetworkID == "" {
			return nil, NewError(ErrCodeMalformedEvent, "", "ad_network_id is required")
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.AdNetworkID = body.AdNetworkID
		ev.FailureReason = body.Reason
		ev.RollbackTarget = RollbackTargetAdNetworkPrefix + body.AdNetworkID

	case EventBillingReleaseConfirmed, EventBillingReleaseFailed:
		var body rollbackReplyBody
		if err := decodeBody(data, &body); err != nil {
			return nil, err
		}
		if body.CorrelationID != "" {
			ev.CorrelationID = body.CorrelationID
		}
		ev.CampaignID = body.CampaignID
		ev.FailureReason = body.Reason
		ev.RollbackTarget = RollbackTargetBilling

	case EventStepTimedOut:
		// Синтетическое событие, тело не требуется

	default:
		return nil, NewError(ErrCodeMalformedEvent, "", fmt.Sprintf("unrecognized event type %q", eventType))
	}

	if ev.CorrelationID == "" {
		return nil, NewError(ErrCodeMalformedEvent, "", "correlation_id is required")
	}
	return ev, nil
}

func decodeBody(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return WrapError(err, ErrCodeMalformedEvent, "", "failed to decode event body")
	}
	return nil
}

// Command исходящая команда коллаборатору. Несет correlation id саги,
// адрес для ответа и ключ идемпотентности.
type Command struct {
	Type           string
	Subject        string
	ReplyTo        string
	CorrelationID  string
	IdempotencyKey string
	Body           interface{}
}

// CheckBillingBody тело команды проверки биллинга
type CheckBillingBody struct {
	CorrelationID string                 `json:"correlation_id"`
	CampaignID    string                 `json:"campaign_id"`
	MerchantID    string                 `json:"merchant_id"`
	BudgetDetails map[string]interface{} `json:"budget_details,omitempty"`
}

// PrepareProductFeedBody тело команды подготовки товарных фидов
type PrepareProductFeedBody struct {
	CorrelationID      string   `json:"correlation_id"`
	CampaignID         string   `json:"campaign_id"`
	ProductCatalogID   string   `json:"product_catalog_id"`
	TargetAdNetworkIDs []string `json:"target_ad_network_ids"`
}

// PublishToAdNetworkBody тело команды публикации в одну рекламную сеть
type PublishToAdNetworkBody struct {
	CorrelationID   string                 `json:"correlation_id"`
	CampaignID      string                 `json:"campaign_id"`
	AdNetworkID     string                 `json:"ad_network_id"`
	FeedURL         string                 `json:"feed_url,omitempty"`
	CampaignDetails map[string]interface{} `json:"campaign_details,omitempty"`
}

// UpdateCampaignStatusBody тело команды финализации статуса кампании
type UpdateCampaignStatusBody struct {
	CorrelationID       string            `json:"correlation_id"`
	CampaignID          string            `json:"campaign_id"`
	FinalStatus         FinalStatus       `json:"final_status"`
	PublishedAdNetworks []AdNetworkResult `json:"published_ad_networks"`
}

// UnpublishFromAdNetworkBody тело компенсирующей команды снятия публикации
type UnpublishFromAdNetworkBody struct {
	CorrelationID      string `json:"correlation_id"`
	CampaignID         string `json:"campaign_id"`
	AdNetworkID        string `json:"ad_network_id"`
	ExternalCampaignID string `json:"external_campaign_id"`
	Attempt            int    `json:"attempt"`
}

// ReleaseBillingBody тело компенсирующей команды освобождения бюджета
type ReleaseBillingBody struct {
	CorrelationID string `json:"correlation_id"`
	CampaignID    string `json:"campaign_id"`
	MerchantID    string `json:"merchant_id"`
	Attempt       int    `json:"attempt"`
}

// AdNetworkResult итог по одной рекламной сети для терминального события
type AdNetworkResult struct {
	AdNetworkID        string        `json:"ad_network_id"`
	ExternalCampaignID string        `json:"external_campaign_id,omitempty"`
	Status             PublishStatus `json:"status"`
	Reason             string        `json:"reason,omitempty"`
}

// TerminalEvent терминальное событие саги, публикуемое наружу
type TerminalEvent struct {
	Type          string
	Subject       string
	CorrelationID string
	Body          interface{}
}

// CampaignPublishingCompletedBody тело события успешного завершения
type CampaignPublishingCompletedBody struct {
	SagaInstanceID      string            `json:"saga_instance_id"`
	CampaignID          string            `json:"campaign_id"`
	MerchantID          string            `json:"merchant_id"`
	FinalStatus         FinalStatus       `json:"final_status"`
	PublishedAdNetworks []AdNetworkResult `json:"published_ad_networks"`
}

// CampaignPublishingFailedBody тело терминального события неудачи
type CampaignPublishingFailedBody struct {
	SagaInstanceID string `json:"saga_instance_id"`
	CampaignID     string `json:"campaign_id"`
	Reason         string `json:"reason"`
}
