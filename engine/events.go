package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a committed lifecycle change.
type EventType string

const (
	EventHoldPlaced        EventType = "hold.placed"
	EventHoldReleased      EventType = "hold.released"
	EventHoldExpired       EventType = "hold.expired"
	EventConsentRecorded   EventType = "consent.recorded"
	EventBookingConfirmed  EventType = "booking.confirmed"
	EventPaymentRecorded   EventType = "payment.recorded"
	EventBookingCompleted  EventType = "booking.completed"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventTransferRequested EventType = "transfer.requested"
	EventTransferApproved  EventType = "transfer.approved"
	EventTransferRejected  EventType = "transfer.rejected"
)

// Event is published only after the transaction that produced it commits.
type Event struct {
	Type        EventType
	At          time.Time
	ActorID     ActorID
	InventoryID InventoryID
	BookingID   BookingID
	TransferID  TransferID
	Data        map[string]string
}

// Publisher delivers committed events (notifications, webhooks, queues).
// It runs outside any lock; a failure never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to a zerolog logger.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	e := p.Log.Info().
		Str("event", string(ev.Type)).
		Time("at", ev.At).
		Str("actor", string(ev.ActorID))
	if ev.InventoryID != "" {
		e = e.Str("inventory_id", string(ev.InventoryID))
	}
	if ev.BookingID != "" {
		e = e.Str("booking_id", string(ev.BookingID))
	}
	if ev.TransferID != "" {
		e = e.Str("transfer_id", string(ev.TransferID))
	}
	for k, v := range ev.Data {
		e = e.Str(k, v)
	}
	e.Msg("lifecycle event")
	return nil
}

// RecordingPublisher keeps events in memory. Used by tests and the demo.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *RecordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

// Events returns the published events in order.
func (p *RecordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}
