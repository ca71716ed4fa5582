package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func booking(amount string) engine.Booking {
	return engine.Booking{ID: "b-1", Amount: money(amount), BookedAt: day(2025, time.January, 15)}
}

func TestGenerateSchedule_EqualSplitSumsExactly(t *testing.T) {
	// GIVEN: 1000 over 3 monthly installments
	// WHEN: Generating the schedule
	// THEN: Amounts sum to exactly 1000, remainder on the last, dates strictly increase

	items, err := engine.GenerateSchedule(booking("1000"), engine.PlanSpec{Count: 3})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "333.33", items[0].Amount.String())
	assert.Equal(t, "333.33", items[1].Amount.String())
	assert.Equal(t, "333.34", items[2].Amount.String())

	sum := decimal.Zero
	for i, it := range items {
		sum = sum.Add(it.Amount)
		assert.Equal(t, i+1, it.Sequence)
		assert.Equal(t, engine.DuePending, it.Status)
		if i > 0 {
			assert.True(t, it.DueDate.After(items[i-1].DueDate))
		}
	}
	assert.True(t, sum.Equal(money("1000")))

	assert.Equal(t, day(2025, time.January, 15), items[0].DueDate)
	assert.Equal(t, day(2025, time.February, 15), items[1].DueDate)
	assert.Equal(t, day(2025, time.March, 15), items[2].DueDate)
}

func TestGenerateSchedule_IsDeterministic(t *testing.T) {
	plan := engine.PlanSpec{Count: 7, IntervalMonths: 3, FirstDue: day(2025, time.April, 1)}
	a, err := engine.GenerateSchedule(booking("1000000"), plan)
	require.NoError(t, err)
	b, err := engine.GenerateSchedule(booking("1000000"), plan)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateSchedule_ScaleZero(t *testing.T) {
	items, err := engine.GenerateSchedule(booking("1000"), engine.PlanSpec{Count: 3, Scale: 0})
	require.NoError(t, err)
	// Scale 0 means the default scale of 2 decimal places.
	assert.Equal(t, "333.34", items[2].Amount.String())
}

func TestGenerateSchedule_WholeUnits(t *testing.T) {
	// GIVEN: A plan asking for a split at zero decimal places
	// WHEN: 1000 is spread over 3 installments
	// THEN: The first two are whole units and the last absorbs the remainder

	items, err := engine.GenerateSchedule(booking("1000"), engine.PlanSpec{Count: 3, Scale: engine.WholeUnits})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "333", items[0].Amount.String())
	assert.Equal(t, "333", items[1].Amount.String())
	assert.Equal(t, "334", items[2].Amount.String())
}

func TestGenerateSchedule_ScaleOne(t *testing.T) {
	items, err := engine.GenerateSchedule(booking("1000"), engine.PlanSpec{Count: 3, Scale: 1})
	require.NoError(t, err)
	assert.Equal(t, "333.3", items[0].Amount.String())
	assert.Equal(t, "333.4", items[2].Amount.String())
}

func TestGenerateSchedule_ExplicitAmountsAndDates(t *testing.T) {
	plan := engine.PlanSpec{
		Amounts:  []decimal.Decimal{money("200"), money("300"), money("500")},
		DueDates: []time.Time{day(2025, time.February, 1), day(2025, time.June, 1), day(2025, time.December, 1)},
	}
	items, err := engine.GenerateSchedule(booking("1000"), plan)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "500", items[2].Amount.String())
	assert.Equal(t, day(2025, time.June, 1), items[1].DueDate)
}

func TestGenerateSchedule_Rejections(t *testing.T) {
	tests := []struct {
		name string
		plan engine.PlanSpec
	}{
		{"amounts do not sum", engine.PlanSpec{Amounts: []decimal.Decimal{money("100"), money("100")}}},
		{"non-positive amount", engine.PlanSpec{Amounts: []decimal.Decimal{money("1000"), money("0")}}},
		{"dates not increasing", engine.PlanSpec{Count: 2, DueDates: []time.Time{day(2025, time.March, 1), day(2025, time.March, 1)}}},
		{"date count mismatch", engine.PlanSpec{Count: 3, DueDates: []time.Time{day(2025, time.March, 1)}}},
		{"too many installments", engine.PlanSpec{Count: 200000}},
		{"negative interval", engine.PlanSpec{Count: 2, IntervalDays: -1}},
		{"scale finer than the ledger", engine.PlanSpec{Count: 3, Scale: 4}},
		{"scale below whole units", engine.PlanSpec{Count: 3, Scale: -2}},
		{"amount finer than the ledger", engine.PlanSpec{Amounts: []decimal.Decimal{money("500.005"), money("499.995")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.GenerateSchedule(booking("1000"), tt.plan)
			require.ErrorIs(t, err, engine.ErrValidation)
		})
	}
}

func TestGenerateSchedule_IntervalDays(t *testing.T) {
	items, err := engine.GenerateSchedule(booking("90"), engine.PlanSpec{Count: 3, IntervalDays: 10})
	require.NoError(t, err)
	assert.Equal(t, day(2025, time.January, 25), items[1].DueDate)
	assert.Equal(t, day(2025, time.February, 4), items[2].DueDate)
}

func TestDeriveDueStatus(t *testing.T) {
	due := day(2025, time.May, 10)
	tests := []struct {
		name   string
		paid   string
		today  time.Time
		voided bool
		want   engine.DueStatus
	}{
		{"nothing paid before due", "0", day(2025, time.May, 1), false, engine.DuePending},
		{"nothing paid on due date", "0", due, false, engine.DuePending},
		{"nothing paid after due", "0", day(2025, time.May, 11), false, engine.DueOverdue},
		{"partly paid before due", "40", day(2025, time.May, 1), false, engine.DuePartial},
		{"partly paid after due", "40", day(2025, time.June, 1), false, engine.DueOverdue},
		{"fully paid late", "100", day(2025, time.June, 1), false, engine.DuePaid},
		{"voided", "40", day(2025, time.June, 1), true, engine.DueVoid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.DeriveDueStatus(money("100"), money(tt.paid), due, tt.today, tt.voided)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyPayment(t *testing.T) {
	// GIVEN: An installment of 100
	// WHEN: Paying 60 then 50
	// THEN: 60 gives partial; 50 is rejected as over-payment; 40 gives paid

	today := day(2025, time.May, 1)
	it := engine.Installment{Amount: money("100"), PaidAmount: decimal.Zero, DueDate: day(2025, time.May, 10), Status: engine.DuePending}

	require.NoError(t, it.ApplyPayment(money("60"), today, today))
	assert.Equal(t, engine.DuePartial, it.Status)
	assert.Nil(t, it.PaidDate)

	err := it.ApplyPayment(money("50"), today, today)
	require.ErrorIs(t, err, engine.ErrValidation)
	assert.True(t, it.PaidAmount.Equal(money("60")), "rejected payment leaves installment unchanged")

	require.ErrorIs(t, it.ApplyPayment(money("0"), today, today), engine.ErrValidation)

	require.NoError(t, it.ApplyPayment(money("40"), today, today))
	assert.Equal(t, engine.DuePaid, it.Status)
	require.NotNil(t, it.PaidDate)
	assert.True(t, it.Balance().IsZero())
}

func TestApplyPayment_VoidRejected(t *testing.T) {
	it := engine.Installment{Amount: money("100"), PaidAmount: decimal.Zero, Status: engine.DueVoid}
	err := it.ApplyPayment(money("10"), time.Now(), time.Now())
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestRefreshSchedule_MarksOverdueOnce(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{Count: 3})

	// The first installment is due on the booking date.
	f.Clock.Advance(48 * time.Hour)
	changed, err := f.Engine.RefreshSchedule(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, engine.DueOverdue, changed[0].Status)

	changed, err = f.Engine.RefreshSchedule(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Empty(t, changed, "refresh is idempotent")

	bal, err := f.Engine.Balance(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.Overdue.String())
	require.NotNil(t, bal.NextDue)
	assert.Equal(t, 1, bal.NextDue.Sequence)
}
