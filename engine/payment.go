package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// PaymentResult is the outcome of a recorded payment.
type PaymentResult struct {
	Payment      Payment
	Booking      Booking
	Inventory    Inventory
	Installments []Installment // every installment after allocation
}

// RecordPayment applies money to a booking's open installments in
// sequence order. The first payment activates a confirmed booking; the
// payment that settles the whole obligation completes the booking and
// marks the unit sold. Payments beyond the obligation are rejected.
func (e *Engine) RecordPayment(ctx context.Context, in PaymentInput, actor Actor) (PaymentResult, error) {
	if err := e.authorize(actor, PermRecordPayment); err != nil {
		return PaymentResult{}, err
	}
	in, err := NewPaymentInput(in)
	if err != nil {
		return PaymentResult{}, err
	}

	var res PaymentResult
	err = e.runTx(ctx, "RecordPayment", actor, []attribute.KeyValue{attribute.String("booking.id", string(in.BookingID))},
		func(ctx context.Context, s *scope) error {
			res = PaymentResult{}

			peek, err := s.tx.GetBooking(ctx, in.BookingID)
			if err != nil {
				return err
			}
			inv, _, err := e.lockUnit(ctx, s, peek.InventoryID)
			if err != nil {
				return err
			}
			b, err := s.tx.LockBooking(ctx, in.BookingID)
			if err != nil {
				return err
			}
			if b.Status.IsTerminal() {
				return bookingTransition(b, "pay", "booking is closed")
			}
			if !b.Status.IsActive() {
				return bookingTransition(b, "pay", "")
			}

			paid, err := totalPaid(ctx, s.tx, b.ID)
			if err != nil {
				return err
			}
			after := paid.Add(in.Amount)
			if after.GreaterThan(b.Obligation()) {
				return invalid("amount", "payment of %s exceeds outstanding %s", in.Amount, b.Obligation().Sub(paid))
			}

			received := in.ReceivedOn
			if received.IsZero() {
				received = s.now
			}
			items, err := s.tx.Installments(ctx, b.ID)
			if err != nil {
				return err
			}
			allocations, err := allocate(ctx, s, items, in.Amount, received)
			if err != nil {
				return err
			}

			code, err := nextCode(ctx, s, "payment")
			if err != nil {
				return err
			}
			p := Payment{
				ID:              PaymentID(uuid.NewString()),
				Code:            code,
				BookingID:       b.ID,
				CustomerID:      b.CustomerID,
				Amount:          in.Amount,
				Method:          in.Method,
				ReceivedOn:      received,
				ReferenceNumber: in.ReferenceNumber,
				ChequeNumber:    in.ChequeNumber,
				BankName:        in.BankName,
				Status:          "received",
				RecordedBy:      actor.ID,
				Allocations:     allocations,
				CreatedAt:       s.now,
			}
			if err := s.tx.InsertPayment(ctx, p); err != nil {
				return err
			}

			if b.Status == BookingConfirmed {
				b.Status = BookingActive
			}
			completed := after.Equal(b.Obligation())
			if completed {
				b.Status = BookingCompleted
			}
			b.UpdatedAt = s.now
			if err := saveBooking(ctx, s, &b); err != nil {
				return err
			}
			if err := s.audit(ctx, AuditPaymentRecorded, "booking", string(b.ID), b.InventoryID, map[string]any{
				"code":   p.Code,
				"amount": p.Amount.String(),
				"method": string(p.Method),
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventPaymentRecorded, InventoryID: b.InventoryID, BookingID: b.ID, Data: map[string]string{
				"code":   p.Code,
				"amount": p.Amount.String(),
			}})

			if completed {
				if inv.Status != InventoryBooked {
					return unitTransition(inv, "sell", "")
				}
				inv.Status = InventorySold
				inv.UpdatedAt = s.now
				if err := saveUnit(ctx, s, &inv); err != nil {
					return err
				}
				if err := s.audit(ctx, AuditBookingCompleted, "booking", string(b.ID), b.InventoryID, nil); err != nil {
					return err
				}
				s.emit(Event{Type: EventBookingCompleted, InventoryID: b.InventoryID, BookingID: b.ID})
			}

			res = PaymentResult{Payment: p, Booking: b, Inventory: inv, Installments: items}
			return nil
		})
	return res, err
}

// allocate spreads amount over open installments by sequence, persisting
// each touched installment. items is updated in place.
func allocate(ctx context.Context, s *scope, items []Installment, amount decimal.Decimal, on time.Time) ([]Allocation, error) {
	var out []Allocation
	remaining := amount
	for k := range items {
		if !remaining.IsPositive() {
			break
		}
		it := &items[k]
		if it.Status == DueVoid || !it.Balance().IsPositive() {
			continue
		}
		part := decimal.Min(remaining, it.Balance())
		if err := it.ApplyPayment(part, on, s.now); err != nil {
			return nil, err
		}
		if err := s.tx.UpdateInstallment(ctx, *it); err != nil {
			return nil, err
		}
		it.Version++
		out = append(out, Allocation{InstallmentID: it.ID, Amount: part})
		remaining = remaining.Sub(part)
	}
	if remaining.IsPositive() {
		return nil, invalid("amount", "%s could not be allocated to open installments", remaining)
	}
	return out, nil
}

func totalPaid(ctx context.Context, tx Tx, id BookingID) (decimal.Decimal, error) {
	payments, err := tx.Payments(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	return sum, nil
}

// BookingBalance summarizes what a customer owes on a booking.
type BookingBalance struct {
	BookingID   BookingID
	Obligation  decimal.Decimal
	Paid        decimal.Decimal
	Outstanding decimal.Decimal
	Overdue     decimal.Decimal
	NextDue     *Installment
}

// Balance returns the payment position of a booking as of now.
func (e *Engine) Balance(ctx context.Context, id BookingID) (BookingBalance, error) {
	var bal BookingBalance
	err := e.read(ctx, "Balance", []attribute.KeyValue{attribute.String("booking.id", string(id))},
		func(ctx context.Context, s *scope) error {
			b, err := s.tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			paid, err := totalPaid(ctx, s.tx, id)
			if err != nil {
				return err
			}
			items, err := s.tx.Installments(ctx, id)
			if err != nil {
				return err
			}
			bal = BookingBalance{
				BookingID:   id,
				Obligation:  b.Obligation(),
				Paid:        paid,
				Outstanding: decimal.Zero,
				Overdue:     decimal.Zero,
			}
			// Voided installments are no longer owed.
			for k := range items {
				it := items[k]
				if it.Status == DueVoid {
					continue
				}
				bal.Outstanding = bal.Outstanding.Add(it.Balance())
				it.refresh(s.now)
				if it.Status == DueOverdue {
					bal.Overdue = bal.Overdue.Add(it.Balance())
				}
				if bal.NextDue == nil && (it.Status == DuePending || it.Status == DuePartial || it.Status == DueOverdue) {
					bal.NextDue = &it
				}
			}
			return nil
		})
	return bal, err
}
