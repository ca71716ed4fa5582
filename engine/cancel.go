package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// CancellationResult reports what a cancellation changed. RefundDue is
// what the customer has paid so far; executing the refund is the
// caller's job.
type CancellationResult struct {
	Booking            Booking
	Inventory          Inventory
	VoidedInstallments int
	RejectedTransfers  int
	RefundDue          decimal.Decimal
}

// CancelBooking cancels a live booking and returns the unit to available.
// Installments with an open balance are voided (paid amounts are kept) and
// pending transfers are rejected.
func (e *Engine) CancelBooking(ctx context.Context, id BookingID, reason string, actor Actor) (CancellationResult, error) {
	if err := e.authorize(actor, PermCancelBooking); err != nil {
		return CancellationResult{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return CancellationResult{}, invalid("cancellation_reason", "required")
	}

	var res CancellationResult
	err := e.runTx(ctx, "CancelBooking", actor, []attribute.KeyValue{attribute.String("booking.id", string(id))},
		func(ctx context.Context, s *scope) error {
			res = CancellationResult{}

			peek, err := s.tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			inv, _, err := e.lockUnit(ctx, s, peek.InventoryID)
			if err != nil {
				return err
			}
			b, err := s.tx.LockBooking(ctx, id)
			if err != nil {
				return err
			}
			if b.Status.IsTerminal() {
				return bookingTransition(b, "cancel", "booking is closed")
			}
			if !b.Status.IsActive() {
				return bookingTransition(b, "cancel", "")
			}
			if inv.Status != InventoryBooked {
				return unitTransition(inv, "cancel", "unit is not booked")
			}

			cancelled := s.now
			b.Status = BookingCancelled
			b.CancelledBy = actor.ID
			b.CancellationReason = reason
			b.CancelledAt = &cancelled
			b.UpdatedAt = s.now
			if err := saveBooking(ctx, s, &b); err != nil {
				return err
			}

			items, err := s.tx.Installments(ctx, b.ID)
			if err != nil {
				return err
			}
			for _, it := range items {
				if it.Status == DueVoid || !it.Balance().IsPositive() {
					continue
				}
				it.Status = DueVoid
				if err := s.tx.UpdateInstallment(ctx, it); err != nil {
					return err
				}
				res.VoidedInstallments++
			}

			pending, err := s.tx.PendingTransfers(ctx, b.ID)
			if err != nil {
				return err
			}
			for _, t := range pending {
				if err := rejectTransfer(ctx, s, &t, "booking cancelled"); err != nil {
					return err
				}
				res.RejectedTransfers++
			}

			paid, err := totalPaid(ctx, s.tx, b.ID)
			if err != nil {
				return err
			}

			inv.Status = InventoryAvailable
			inv.BookedBy = ""
			inv.UpdatedAt = s.now
			if err := saveUnit(ctx, s, &inv); err != nil {
				return err
			}

			if err := s.audit(ctx, AuditBookingCancelled, "booking", string(b.ID), inv.ID, map[string]any{
				"reason":     reason,
				"refund_due": paid.String(),
				"voided":     res.VoidedInstallments,
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventBookingCancelled, InventoryID: inv.ID, BookingID: b.ID, Data: map[string]string{
				"reason":     reason,
				"refund_due": paid.String(),
			}})

			res.Booking = b
			res.Inventory = inv
			res.RefundDue = paid
			return nil
		})
	return res, err
}
