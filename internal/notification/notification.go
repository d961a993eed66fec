package notification

import (
	"context"

	"gorm.io/gorm"
)

// EventKind identifies a user-visible billing event.
type EventKind string

const (
	KindPaymentFailedFirst EventKind = "payment_failed_first"
	KindPaymentFailedFinal EventKind = "payment_failed_final"
	KindDowngraded         EventKind = "downgraded"
	KindRecovered          EventKind = "recovered"
	KindCanceled           EventKind = "canceled"
)

// priorities let the external delivery collaborator pick a channel; higher
// means more urgent.
var priorities = map[EventKind]int{
	KindRecovered:          1,
	KindCanceled:           2,
	KindPaymentFailedFirst: 3,
	KindDowngraded:         4,
	KindPaymentFailedFinal: 5,
}

// Priority returns the escalation priority for kind, defaulting to 1.
func Priority(kind EventKind) int {
	if p, ok := priorities[kind]; ok {
		return p
	}
	return 1
}

// Event is one notification request handed to the external dispatcher.
type Event struct {
	OwnerID   int64
	Kind      EventKind
	Payload   map[string]any
	DedupeKey string
}

// Dispatcher is a one-way, fire-and-forget call from the state machine.
// Failure to notify never rolls back a billing state transition.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// TxDispatcher additionally enqueues inside an existing transaction so the
// request commits atomically with the transition it announces.
type TxDispatcher interface {
	Dispatcher
	NotifyTx(ctx context.Context, tx *gorm.DB, event Event) error
}
