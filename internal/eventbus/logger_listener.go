package eventbus

import (
	"context"

	"github.com/annel0/mmo-territory/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus) (Subscription, error) {
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		payload, err := ev.Decode()
		if err != nil {
			logging.Warn("[EventBus] %s %s: %v", ev.ID, ev.EventType, err)
			return
		}
		logging.Debug("[EventBus] %s %s src=%s claim=%d from=%d to=%d cells=%d count=%d price=%.2f",
			ev.ID, ev.EventType, ev.Source, payload.ClaimID, payload.FromClaim, payload.ToClaim,
			len(payload.Cells), payload.Count, payload.Price)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("🪵 LoggingListener: подписка на события территорий активирована")
	return sub, nil
}
