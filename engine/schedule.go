/*
schedule.go - Installment Scheduler

PURPOSE:
  Turns a booking amount and a payment plan into installments, applies
  payments to them and derives their due status.

DETERMINISM:
  GenerateSchedule is a pure function of (booking, plan). Equal splits are
  truncated to the plan scale and the final installment absorbs the
  remainder, so the amounts always sum to the booking amount exactly:

    1000 over 3 at scale 2          -> 333.33, 333.33, 333.34
    1000 over 3 at WholeUnits (0dp) -> 333, 333, 334

  Scale is capped at MaxScale, the precision of the money columns in the
  ledger stores.

DUE STATUS:
  void     - voided by cancellation
  paid     - balance is zero
  overdue  - balance remains and the due date is before today
  partial  - something was paid
  pending  - nothing paid yet
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultScale is the number of decimal places installments are split at.
	DefaultScale int32 = 2
	// MaxScale is the finest precision the ledger stores can hold.
	MaxScale int32 = 2
	// WholeUnits requests a split at zero decimal places.
	WholeUnits int32 = -1
)

// PlanSpec describes how a booking amount is spread over time.
//
// Either Count equal installments are generated, or Amounts lists each
// installment explicitly (they must sum to the booking amount). DueDates,
// when given, override the FirstDue/interval rule and must be strictly
// increasing. A zero plan is a single installment due on the booking date.
type PlanSpec struct {
	Count          int
	FirstDue       time.Time // zero means the booking date
	IntervalMonths int       // default 1 when IntervalDays is also zero
	IntervalDays   int
	Amounts        []decimal.Decimal
	DueDates       []time.Time
	Scale          int32 // zero means DefaultScale, WholeUnits means 0dp
}

func (p PlanSpec) count() int {
	if len(p.Amounts) > 0 {
		return len(p.Amounts)
	}
	if p.Count > 0 {
		return p.Count
	}
	if len(p.DueDates) > 0 {
		return len(p.DueDates)
	}
	return 1
}

// Validate checks the plan's shape independent of any amount.
func (p PlanSpec) Validate() error {
	n := p.count()
	if p.Count < 0 {
		return invalid("plan.count", "must not be negative")
	}
	if p.Count > 0 && len(p.Amounts) > 0 && p.Count != len(p.Amounts) {
		return invalid("plan.amounts", "has %d entries for %d installments", len(p.Amounts), p.Count)
	}
	if len(p.DueDates) > 0 && len(p.DueDates) != n {
		return invalid("plan.due_dates", "has %d entries for %d installments", len(p.DueDates), n)
	}
	if p.IntervalMonths < 0 || p.IntervalDays < 0 {
		return invalid("plan.interval", "must not be negative")
	}
	if p.Scale < WholeUnits || p.Scale > MaxScale {
		return invalid("plan.scale", "must be 0 to %d, or WholeUnits", MaxScale)
	}
	for i, a := range p.Amounts {
		if !a.Equal(a.Truncate(MaxScale)) {
			return invalid("plan.amounts", "installment %d has more than %d decimal places", i+1, MaxScale)
		}
	}
	for i := 1; i < len(p.DueDates); i++ {
		if !dateOf(p.DueDates[i]).After(dateOf(p.DueDates[i-1])) {
			return invalid("plan.due_dates", "must be strictly increasing")
		}
	}
	return nil
}

// GenerateSchedule builds the principal installments for b. IDs and codes
// are left empty; the caller assigns them when persisting.
func GenerateSchedule(b Booking, plan PlanSpec) ([]Installment, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if !b.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive, got %s", b.Amount)
	}

	n := plan.count()
	scale := plan.Scale
	switch scale {
	case 0:
		scale = DefaultScale
	case WholeUnits:
		scale = 0
	}

	amounts := make([]decimal.Decimal, n)
	if len(plan.Amounts) > 0 {
		sum := decimal.Zero
		for i, a := range plan.Amounts {
			if !a.IsPositive() {
				return nil, invalid("plan.amounts", "installment %d must be positive", i+1)
			}
			amounts[i] = a
			sum = sum.Add(a)
		}
		if !sum.Equal(b.Amount) {
			return nil, invalid("plan.amounts", "sum %s does not match booking amount %s", sum, b.Amount)
		}
	} else {
		each := b.Amount.Div(decimal.NewFromInt(int64(n))).Truncate(scale)
		if !each.IsPositive() {
			return nil, invalid("plan.count", "%s cannot be split into %d installments", b.Amount, n)
		}
		for i := 0; i < n-1; i++ {
			amounts[i] = each
		}
		amounts[n-1] = b.Amount.Sub(each.Mul(decimal.NewFromInt(int64(n - 1))))
	}

	dues := plan.DueDates
	if len(dues) == 0 {
		first := plan.FirstDue
		if first.IsZero() {
			first = b.BookedAt
		}
		months, days := plan.IntervalMonths, plan.IntervalDays
		if months == 0 && days == 0 {
			months = 1
		}
		dues = make([]time.Time, n)
		for i := range dues {
			dues[i] = dateOf(first).AddDate(0, i*months, i*days)
		}
	}

	items := make([]Installment, n)
	for i := range items {
		items[i] = Installment{
			BookingID:  b.ID,
			Sequence:   i + 1,
			Kind:       InstallmentPrincipal,
			DueDate:    dateOf(dues[i]),
			Amount:     amounts[i],
			PaidAmount: decimal.Zero,
			Status:     DuePending,
			Version:    1,
		}
	}
	return items, nil
}

// DeriveDueStatus computes an installment's status from its figures.
func DeriveDueStatus(amount, paid decimal.Decimal, due, today time.Time, voided bool) DueStatus {
	balance := amount.Sub(paid)
	switch {
	case voided:
		return DueVoid
	case !balance.IsPositive():
		return DuePaid
	case dateOf(due).Before(dateOf(today)):
		return DueOverdue
	case paid.IsPositive():
		return DuePartial
	default:
		return DuePending
	}
}

// ApplyPayment adds amount to the installment. Over-payment and
// non-positive amounts are rejected and leave the installment unchanged.
func (i *Installment) ApplyPayment(amount decimal.Decimal, on, today time.Time) error {
	if i.Status == DueVoid {
		return &TransitionError{Entity: "installment", ID: string(i.ID), From: string(i.Status), Event: "pay"}
	}
	if !amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", amount)
	}
	if amount.GreaterThan(i.Balance()) {
		return invalid("amount", "%s exceeds installment balance %s", amount, i.Balance())
	}
	i.PaidAmount = i.PaidAmount.Add(amount)
	if !i.Balance().IsPositive() {
		paid := on
		i.PaidDate = &paid
	}
	i.refresh(today)
	return nil
}

// refresh re-derives the status. Calling it twice changes nothing.
func (i *Installment) refresh(today time.Time) {
	i.Status = DeriveDueStatus(i.Amount, i.PaidAmount, i.DueDate, today, i.Status == DueVoid)
}

// Schedule returns a booking's installments with statuses derived for today.
func (e *Engine) Schedule(ctx context.Context, id BookingID) ([]Installment, error) {
	var items []Installment
	err := e.read(ctx, "Schedule", []attribute.KeyValue{attribute.String("booking.id", string(id))},
		func(ctx context.Context, s *scope) error {
			if _, err := s.tx.GetBooking(ctx, id); err != nil {
				return err
			}
			var err error
			items, err = s.tx.Installments(ctx, id)
			for k := range items {
				items[k].refresh(s.now)
			}
			return err
		})
	return items, err
}

// RefreshSchedule persists re-derived statuses (pending -> overdue as days
// pass) and returns the installments that changed.
func (e *Engine) RefreshSchedule(ctx context.Context, id BookingID) ([]Installment, error) {
	var changed []Installment
	err := e.read(ctx, "RefreshSchedule", []attribute.KeyValue{attribute.String("booking.id", string(id))},
		func(ctx context.Context, s *scope) error {
			changed = nil
			b, err := s.tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			items, err := s.tx.Installments(ctx, id)
			if err != nil {
				return err
			}
			for _, it := range items {
				before := it.Status
				it.refresh(s.now)
				if it.Status == before {
					continue
				}
				if err := s.tx.UpdateInstallment(ctx, it); err != nil {
					return err
				}
				it.Version++
				changed = append(changed, it)
			}
			if len(changed) == 0 {
				return nil
			}
			return s.audit(ctx, AuditScheduleRefreshed, "booking", string(b.ID), b.InventoryID, map[string]any{"changed": len(changed)})
		})
	return changed, err
}
