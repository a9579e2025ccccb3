package messagebus

import "context"

// deliveryContext отвязывает обработку сообщения от контекста подписки.
// При остановке адаптера контекст подписки отменяется, но in-flight
// доставки должны дорабатывать до конца (drain), а не падать на записях
// в хранилище с уже отмененным контекстом. Значения контекста сохраняются.
func deliveryContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
