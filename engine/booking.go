/*
booking.go - Booking Transaction Coordinator

PURPOSE:
  Converts a hold into a confirmed booking in one atomic transaction.

CONFIRMATION STEPS (all inside one transaction on the locked unit):
  1. Lazy expiry. An elapsed hold is reverted and committed, then
     HoldExpired is returned.
  2. The unit must be held by this attempt (matching HoldID).
  3. No other active booking may exist. The store's partial unique index
     backs this check when two confirmations race.
  4. Investor-locked units need every required consent for this attempt.
  5. The project layer must have capacity.
  6. Booking is inserted as confirmed, the unit flips to booked and the
     installment schedule is materialized.

  Any failure rolls back everything except the step 1 revert.

STATE TABLE (inventory):
  available --PlaceHold--------> held
  held      --ConfirmBooking---> booked
  booked    --full payment-----> sold
  held      --expire/release---> available
  booked    --CancelBooking----> available
*/
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// BookingResult is the outcome of a successful confirmation.
type BookingResult struct {
	Booking      Booking
	Inventory    Inventory
	Installments []Installment
}

// ConfirmBooking turns the hold req.HoldID into a confirmed booking.
func (e *Engine) ConfirmBooking(ctx context.Context, req BookingRequest, actor Actor) (BookingResult, error) {
	if err := e.authorize(actor, PermConfirmBooking); err != nil {
		return BookingResult{}, err
	}
	if err := req.validate(); err != nil {
		return BookingResult{}, err
	}
	if err := req.Plan.Validate(); err != nil {
		return BookingResult{}, err
	}

	var res BookingResult
	err := e.runTx(ctx, "ConfirmBooking", actor, []attribute.KeyValue{
		attribute.String("inventory.id", string(req.InventoryID)),
		attribute.String("hold.id", string(req.HoldID)),
	}, func(ctx context.Context, s *scope) error {
		res = BookingResult{}

		inv, expired, err := e.lockUnit(ctx, s, req.InventoryID)
		if err != nil {
			return err
		}
		if expired != nil {
			if expired.HoldID == req.HoldID {
				s.failAfterCommit(expired)
			} else {
				s.failAfterCommit(unitTransition(inv, "confirm", "unit is not held"))
			}
			return nil
		}
		if inv.Status != InventoryHeld {
			return unitTransition(inv, "confirm", "unit is not held")
		}
		if inv.HoldID != req.HoldID {
			return unitTransition(inv, "confirm", "hold does not belong to this attempt")
		}

		existing, err := s.tx.ActiveBooking(ctx, inv.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DoubleBookingError{InventoryID: inv.ID, ExistingBookingID: existing.ID}
		}

		if inv.InvestorLocked {
			report, err := evaluateConsent(ctx, s.tx, inv.ID, inv.HoldID)
			if err != nil {
				return err
			}
			if !report.Satisfied() {
				return &ConsentRequiredError{InventoryID: inv.ID, HoldID: inv.HoldID, Missing: report.Missing}
			}
		}

		if err := checkCapacity(ctx, s, inv.ProjectID); err != nil {
			return err
		}

		code, err := nextCode(ctx, s, "booking")
		if err != nil {
			return err
		}
		btype := req.Type
		if btype == "" {
			btype = BookingSale
			if req.Plan.count() > 1 {
				btype = BookingInstallment
			}
		}
		b := Booking{
			ID:          BookingID(uuid.NewString()),
			Code:        code,
			InventoryID: inv.ID,
			ProjectID:   inv.ProjectID,
			CustomerID:  req.CustomerID,
			Amount:      req.Amount,
			Fees:        decimal.Zero,
			Status:      BookingConfirmed,
			Type:        btype,
			HoldID:      inv.HoldID,
			BookedBy:    actor.ID,
			ApprovedBy:  actor.ID,
			Remarks:     req.Remarks,
			BookedAt:    s.now,
			UpdatedAt:   s.now,
			Version:     1,
		}

		items, err := GenerateSchedule(b, req.Plan)
		if err != nil {
			return err
		}

		if err := s.tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if err := insertInstallments(ctx, s, items); err != nil {
			return err
		}

		inv.Status = InventoryBooked
		inv.HoldID = ""
		inv.HeldBy = ""
		inv.HoldExpiresAt = nil
		inv.BookedBy = actor.ID
		inv.UpdatedAt = s.now
		if err := saveUnit(ctx, s, &inv); err != nil {
			return err
		}

		if err := s.audit(ctx, AuditBookingConfirmed, "booking", string(b.ID), inv.ID, map[string]any{
			"code":        b.Code,
			"hold_id":     string(b.HoldID),
			"customer_id": string(b.CustomerID),
			"amount":      b.Amount.String(),
		}); err != nil {
			return err
		}
		if err := s.audit(ctx, AuditScheduleCreated, "booking", string(b.ID), inv.ID, map[string]any{
			"installments": len(items),
		}); err != nil {
			return err
		}
		s.emit(Event{Type: EventBookingConfirmed, InventoryID: inv.ID, BookingID: b.ID, Data: map[string]string{
			"code":   b.Code,
			"amount": b.Amount.String(),
		}})

		res = BookingResult{Booking: b, Inventory: inv, Installments: items}
		return nil
	})
	return res, err
}

// insertInstallments assigns IDs and codes, then persists items in place.
func insertInstallments(ctx context.Context, s *scope, items []Installment) error {
	for i := range items {
		code, err := nextCode(ctx, s, "installment")
		if err != nil {
			return err
		}
		items[i].ID = InstallmentID(uuid.NewString())
		items[i].Code = code
	}
	return s.tx.InsertInstallments(ctx, items)
}

// GetBooking returns a booking by ID.
func (e *Engine) GetBooking(ctx context.Context, id BookingID) (Booking, error) {
	var b Booking
	err := e.read(ctx, "GetBooking", []attribute.KeyValue{attribute.String("booking.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var err error
			b, err = s.tx.GetBooking(ctx, id)
			return err
		})
	return b, err
}

// AuditTrail returns the audit entries of a unit, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, id InventoryID) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := e.read(ctx, "AuditTrail", []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var err error
			entries, err = s.tx.AuditTrail(ctx, id)
			return err
		})
	return entries, err
}
