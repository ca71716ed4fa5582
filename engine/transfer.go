/*
transfer.go - Transfer Workflow

PURPOSE:
  Moves a live booking from one customer to another in two steps:
  CreateTransfer records a pending request without touching the booking;
  ApproveTransfer re-validates the booking and reassigns it atomically.

APPROVAL CHECKS (inside the unit lock):
  - transfer is still pending
  - booking is confirmed or active and still owned by FromCustomer
  - the unit is booked and this booking is its active booking

  A non-zero fee is added to the booking's obligation as a fee
  installment. The unit's status is not changed by a transfer.
*/
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// TransferResult is the outcome of an approved transfer.
type TransferResult struct {
	Transfer       Transfer
	Booking        Booking
	FeeInstallment *Installment
}

// CreateTransfer opens a pending transfer of a live booking.
func (e *Engine) CreateTransfer(ctx context.Context, req TransferRequest, actor Actor) (Transfer, error) {
	if err := e.authorize(actor, PermRequestTransfer); err != nil {
		return Transfer{}, err
	}
	if req.ToCustomer == "" {
		return Transfer{}, invalid("to_customer_id", "required")
	}
	if req.Fee.IsNegative() {
		return Transfer{}, invalid("transfer_fee", "must not be negative")
	}

	var t Transfer
	err := e.runTx(ctx, "CreateTransfer", actor, []attribute.KeyValue{attribute.String("booking.id", string(req.BookingID))},
		func(ctx context.Context, s *scope) error {
			peek, err := s.tx.GetBooking(ctx, req.BookingID)
			if err != nil {
				return err
			}
			inv, _, err := e.lockUnit(ctx, s, peek.InventoryID)
			if err != nil {
				return err
			}
			b, err := s.tx.LockBooking(ctx, req.BookingID)
			if err != nil {
				return err
			}
			if b.Status.IsTerminal() {
				return bookingTransition(b, "transfer", "booking is closed")
			}
			if !b.Status.IsActive() {
				return bookingTransition(b, "transfer", "")
			}
			if inv.Status != InventoryBooked {
				return unitTransition(inv, "transfer", "unit is not booked")
			}
			if req.ToCustomer == b.CustomerID {
				return invalid("to_customer_id", "booking already belongs to %s", b.CustomerID)
			}
			pending, err := s.tx.PendingTransfers(ctx, b.ID)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return bookingTransition(b, "transfer", "a transfer is already pending")
			}

			code, err := nextCode(ctx, s, "transfer")
			if err != nil {
				return err
			}
			t = Transfer{
				ID:             TransferID(uuid.NewString()),
				Code:           code,
				BookingID:      b.ID,
				InventoryID:    b.InventoryID,
				FromCustomer:   b.CustomerID,
				ToCustomer:     req.ToCustomer,
				Fee:            req.Fee,
				Status:         TransferPending,
				RequestedBy:    actor.ID,
				Remarks:        req.Remarks,
				BookingVersion: b.Version,
				CreatedAt:      s.now,
			}
			if err := s.tx.InsertTransfer(ctx, t); err != nil {
				return err
			}
			if err := s.audit(ctx, AuditTransferRequested, "transfer", string(t.ID), b.InventoryID, map[string]any{
				"from": string(t.FromCustomer),
				"to":   string(t.ToCustomer),
				"fee":  t.Fee.String(),
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventTransferRequested, InventoryID: b.InventoryID, BookingID: b.ID, TransferID: t.ID})
			return nil
		})
	return t, err
}

// ApproveTransfer reassigns the booking to the transfer's new customer.
func (e *Engine) ApproveTransfer(ctx context.Context, id TransferID, approver Actor) (TransferResult, error) {
	if err := e.authorize(approver, PermApproveTransfer); err != nil {
		return TransferResult{}, err
	}

	var res TransferResult
	err := e.runTx(ctx, "ApproveTransfer", approver, []attribute.KeyValue{attribute.String("transfer.id", string(id))},
		func(ctx context.Context, s *scope) error {
			res = TransferResult{}

			peek, err := s.tx.GetTransfer(ctx, id)
			if err != nil {
				return err
			}
			inv, _, err := e.lockUnit(ctx, s, peek.InventoryID)
			if err != nil {
				return err
			}
			b, err := s.tx.LockBooking(ctx, peek.BookingID)
			if err != nil {
				return err
			}
			t, err := s.tx.LockTransfer(ctx, id)
			if err != nil {
				return err
			}

			if t.Status != TransferPending {
				return &TransitionError{Entity: "transfer", ID: string(t.ID), From: string(t.Status), Event: "approve"}
			}
			if b.Status.IsTerminal() {
				return bookingTransition(b, "transfer", "booking is closed")
			}
			if !b.Status.IsActive() {
				return bookingTransition(b, "transfer", "")
			}
			if b.CustomerID != t.FromCustomer {
				return bookingTransition(b, "transfer", "booking changed owner since the request")
			}
			if inv.Status != InventoryBooked {
				return unitTransition(inv, "transfer", "unit is not booked")
			}
			active, err := s.tx.ActiveBooking(ctx, inv.ID)
			if err != nil {
				return err
			}
			if active == nil || active.ID != b.ID {
				return bookingTransition(b, "transfer", "not the unit's active booking")
			}

			b.CustomerID = t.ToCustomer
			var fee *Installment
			if t.Fee.IsPositive() {
				b.Fees = b.Fees.Add(t.Fee)
				items, err := s.tx.Installments(ctx, b.ID)
				if err != nil {
					return err
				}
				next := 1
				if len(items) > 0 {
					next = items[len(items)-1].Sequence + 1
				}
				fi := []Installment{{
					BookingID:  b.ID,
					Sequence:   next,
					Kind:       InstallmentFee,
					DueDate:    dateOf(s.now).AddDate(0, 0, e.feeDueDays),
					Amount:     t.Fee,
					PaidAmount: decimal.Zero,
					Status:     DuePending,
					Version:    1,
				}}
				if err := insertInstallments(ctx, s, fi); err != nil {
					return err
				}
				fee = &fi[0]
			}
			b.UpdatedAt = s.now
			if err := saveBooking(ctx, s, &b); err != nil {
				return err
			}

			decided := s.now
			t.Status = TransferApproved
			t.DecidedBy = approver.ID
			t.DecidedAt = &decided
			if err := s.tx.UpdateTransfer(ctx, t); err != nil {
				return err
			}

			if err := s.audit(ctx, AuditTransferApproved, "transfer", string(t.ID), inv.ID, map[string]any{
				"fee": t.Fee.String(),
			}); err != nil {
				return err
			}
			if err := s.audit(ctx, AuditOwnershipChanged, "booking", string(b.ID), inv.ID, map[string]any{
				"from":        string(t.FromCustomer),
				"to":          string(t.ToCustomer),
				"transfer_id": string(t.ID),
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventTransferApproved, InventoryID: inv.ID, BookingID: b.ID, TransferID: t.ID, Data: map[string]string{
				"from": string(t.FromCustomer),
				"to":   string(t.ToCustomer),
			}})

			res = TransferResult{Transfer: t, Booking: b, FeeInstallment: fee}
			return nil
		})
	return res, err
}

// RejectTransfer closes a pending transfer without changing the booking.
func (e *Engine) RejectTransfer(ctx context.Context, id TransferID, reason string, actor Actor) (Transfer, error) {
	if err := e.authorize(actor, PermApproveTransfer); err != nil {
		return Transfer{}, err
	}

	var t Transfer
	err := e.runTx(ctx, "RejectTransfer", actor, []attribute.KeyValue{attribute.String("transfer.id", string(id))},
		func(ctx context.Context, s *scope) error {
			peek, err := s.tx.GetTransfer(ctx, id)
			if err != nil {
				return err
			}
			if _, _, err := e.lockUnit(ctx, s, peek.InventoryID); err != nil {
				return err
			}
			t, err = s.tx.LockTransfer(ctx, id)
			if err != nil {
				return err
			}
			if t.Status != TransferPending {
				return &TransitionError{Entity: "transfer", ID: string(t.ID), From: string(t.Status), Event: "reject"}
			}
			return rejectTransfer(ctx, s, &t, reason)
		})
	return t, err
}

func rejectTransfer(ctx context.Context, s *scope, t *Transfer, reason string) error {
	decided := s.now
	t.Status = TransferRejected
	t.DecidedBy = s.actor.ID
	t.DecidedAt = &decided
	if reason != "" {
		t.Remarks = reason
	}
	if err := s.tx.UpdateTransfer(ctx, *t); err != nil {
		return err
	}
	if err := s.audit(ctx, AuditTransferRejected, "transfer", string(t.ID), t.InventoryID, map[string]any{"reason": reason}); err != nil {
		return err
	}
	s.emit(Event{Type: EventTransferRejected, InventoryID: t.InventoryID, BookingID: t.BookingID, TransferID: t.ID})
	return nil
}
