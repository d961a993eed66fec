package notification

import "go.uber.org/fx"

var Module = fx.Module("notification",
	fx.Provide(NewOutbox),
	fx.Provide(func(outbox *Outbox) TxDispatcher {
		return outbox
	}),
	fx.Provide(func(outbox TxDispatcher) Dispatcher {
		return outbox
	}),
)
