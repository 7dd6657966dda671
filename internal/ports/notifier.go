package ports

import (
	"context"
	"time"
)

// EventKind clasifica los eventos de gobernanza de la flota.
type EventKind string

const (
	EventPromotion   EventKind = "promotion"
	EventQuarantine  EventKind = "quarantine"
	EventRelease     EventKind = "release"
	EventDeletion    EventKind = "deletion"
	EventReallocated EventKind = "reallocated"
)

// Event es una notificación fire-and-forget hacia el owner.
type Event struct {
	Kind    EventKind
	OwnerID string
	BotID   string
	BotName string
	Reason  string
	At      time.Time
}

// Notifier entrega eventos al owner. Best effort: un fallo aquí nunca
// aborta la decisión de gobernanza que lo originó.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
