package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// CONSENT
// =============================================================================

func TestConsent_NoAssignmentsIsSatisfied(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("100000")
	f.Hold(unit.ID)

	ok, err := f.Engine.IsConsentSatisfied(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsent_AllRequiredInvestorsMustApprove(t *testing.T) {
	// GIVEN: Two investors who must consent and one who need not
	// WHEN: Only one required investor approves
	// THEN: Consent is not satisfied and the other is reported missing

	f := newFixture(t)
	unit := f.Unit("100000")
	no := false
	for _, in := range []engine.AssignmentInput{
		{InventoryID: unit.ID, InvestorID: "inv-a", Share: money("40")},
		{InventoryID: unit.ID, InvestorID: "inv-b", Share: money("40")},
		{InventoryID: unit.ID, InvestorID: "inv-c", Share: money("20"), ConsentRequired: &no},
	} {
		_, err := f.Engine.AssignInvestor(f.Ctx, in, admin)
		require.NoError(t, err)
	}
	held := f.Hold(unit.ID)

	_, err := f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-a", Approved: true}, admin)
	require.NoError(t, err)

	report, err := f.Engine.ConsentStatus(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, report.Satisfied())
	assert.ElementsMatch(t, []engine.InvestorID{"inv-a", "inv-b"}, report.Required)
	assert.Equal(t, []engine.InvestorID{"inv-b"}, report.Missing)

	// A refusal still leaves the investor missing.
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-b", Approved: false}, admin)
	require.NoError(t, err)
	ok, err := f.Engine.IsConsentSatisfied(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Changing the decision replaces the earlier one.
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-b", Approved: true}, admin)
	require.NoError(t, err)
	ok, err = f.Engine.IsConsentSatisfied(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsent_DoesNotCarryAcrossHolds(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("100000")
	_, err := f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-a", Share: money("100")}, admin)
	require.NoError(t, err)

	first := f.Hold(unit.ID)
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: first.HoldID, InvestorID: "inv-a", Approved: true}, admin)
	require.NoError(t, err)
	_, err = f.Engine.ReleaseHold(f.Ctx, unit.ID, agent)
	require.NoError(t, err)

	second := f.Hold(unit.ID)
	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: second.HoldID, CustomerID: "cust-1", Amount: money("100000"),
	}, agent)
	require.ErrorIs(t, err, engine.ErrInvestorConsentRequired)

	// A stale hold id cannot be consented against.
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: first.HoldID, InvestorID: "inv-a", Approved: true}, admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestConsent_InvestorRecordsOnlyTheirOwn(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("100000")
	_, err := f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-a", Share: money("50")}, admin)
	require.NoError(t, err)
	held := f.Hold(unit.ID)

	investorB := engine.Actor{ID: "user-b", Role: engine.RoleInvestor, InvestorID: "inv-b"}
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-a", Approved: true}, investorB)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	investorA := engine.Actor{ID: "user-a", Role: engine.RoleInvestor, InvestorID: "inv-a"}
	c, err := f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-a", Approved: true}, investorA)
	require.NoError(t, err)
	assert.Equal(t, engine.ActorID("user-a"), c.RecordedBy)

	// An investor without a share is rejected.
	_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: "inv-z", Approved: true}, admin)
	require.ErrorIs(t, err, engine.ErrValidation)
}

func TestAssignInvestor_SharesCappedAtHundred(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("100000")

	a, err := f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-a", Share: money("70")}, admin)
	require.NoError(t, err)
	_, err = f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-b", Share: money("40")}, admin)
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-a", Share: money("10")}, admin)
	require.ErrorIs(t, err, engine.ErrValidation)

	got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, got.InvestorLocked)
	assert.Equal(t, engine.InvestorID("inv-a"), got.InvestorID)

	_, err = f.Engine.RevokeAssignment(f.Ctx, a.ID, admin)
	require.NoError(t, err)
	got, err = f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, got.InvestorLocked)

	_, err = f.Engine.RevokeAssignment(f.Ctx, a.ID, admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	// Revoked shares no longer count.
	_, err = f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-b", Share: money("100")}, admin)
	require.NoError(t, err)

	_, err = f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-c", Share: money("10")}, agent)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_AllocatesOldestFirst(t *testing.T) {
	// GIVEN: A 3000 booking over 3 installments
	// WHEN: Paying 1500
	// THEN: The first is paid, the second is partial, the booking turns active

	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{Count: 3})

	pay, err := f.Pay(res.Booking.ID, "1500")
	require.NoError(t, err)
	assert.Equal(t, engine.BookingActive, pay.Booking.Status)
	assert.Equal(t, engine.InventoryBooked, pay.Inventory.Status)
	require.Len(t, pay.Payment.Allocations, 2)
	assert.Equal(t, "1000", pay.Payment.Allocations[0].Amount.String())
	assert.Equal(t, "500", pay.Payment.Allocations[1].Amount.String())

	require.Len(t, pay.Installments, 3)
	assert.Equal(t, engine.DuePaid, pay.Installments[0].Status)
	assert.Equal(t, engine.DuePartial, pay.Installments[1].Status)
	assert.Equal(t, engine.DuePending, pay.Installments[2].Status)

	bal, err := f.Engine.Balance(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "1500", bal.Outstanding.String())
	require.NotNil(t, bal.NextDue)
	assert.Equal(t, 2, bal.NextDue.Sequence)
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{Count: 3})

	_, err := f.Pay(res.Booking.ID, "3000.01")
	require.ErrorIs(t, err, engine.ErrValidation, "over-payment")

	_, err = f.Pay(res.Booking.ID, "-1")
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.Engine.RecordPayment(f.Ctx, engine.PaymentInput{BookingID: res.Booking.ID, Amount: money("10"), Method: engine.MethodCheque}, agent)
	require.ErrorIs(t, err, engine.ErrValidation, "cheque without number")

	_, err = f.Engine.RecordPayment(f.Ctx, engine.PaymentInput{BookingID: res.Booking.ID, Amount: money("10"), Method: "barter"}, agent)
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.Pay("missing", "10")
	require.ErrorIs(t, err, engine.ErrNotFound)

	_, err = f.Engine.RecordPayment(f.Ctx, engine.PaymentInput{BookingID: res.Booking.ID, Amount: money("10")}, engine.Actor{ID: "i", Role: engine.RoleInvestor})
	require.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestRecordPayment_AfterCompletionRejected(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")
	res := f.Book(unit.ID, "cust-1", "1000", engine.PlanSpec{})

	pay, err := f.Pay(res.Booking.ID, "1000")
	require.NoError(t, err)
	assert.Equal(t, engine.BookingCompleted, pay.Booking.Status)
	assert.Equal(t, engine.InventorySold, pay.Inventory.Status)
	var types []engine.EventType
	for _, ev := range f.Events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []engine.EventType{engine.EventHoldPlaced, engine.EventBookingConfirmed, engine.EventPaymentRecorded, engine.EventBookingCompleted}, types)

	_, err = f.Pay(res.Booking.ID, "1")
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	_, err = f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "too late", admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	_, err = f.Engine.PlaceHold(f.Ctx, unit.ID, agent, 0)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition, "sold units are terminal")
}

func TestRecordPayment_ChequeKeepsDetails(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")
	res := f.Book(unit.ID, "cust-1", "1000", engine.PlanSpec{Count: 2})

	received := time.Date(2025, time.February, 27, 0, 0, 0, 0, time.UTC)
	pay, err := f.Engine.RecordPayment(f.Ctx, engine.PaymentInput{
		BookingID:    res.Booking.ID,
		Amount:       money("500"),
		Method:       engine.MethodCheque,
		ChequeNumber: "000123",
		BankName:     "Meezan",
		ReceivedOn:   received,
	}, agent)
	require.NoError(t, err)
	assert.Equal(t, "000123", pay.Payment.ChequeNumber)
	assert.Equal(t, engine.CustomerID("cust-1"), pay.Payment.CustomerID)
	require.NotNil(t, pay.Installments[0].PaidDate)
	assert.True(t, pay.Installments[0].PaidDate.Equal(received))
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_ApproveReassignsAndChargesFee(t *testing.T) {
	// GIVEN: A confirmed booking for cust-1
	// WHEN: A transfer to cust-2 with a fee of 250 is approved
	// THEN: The booking belongs to cust-2, obligation grows by the fee, and a fee installment exists

	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{Count: 3})

	xfer, err := f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2", Fee: money("250")}, agent)
	require.NoError(t, err)
	assert.Equal(t, engine.TransferPending, xfer.Status)
	assert.Equal(t, engine.CustomerID("cust-1"), xfer.FromCustomer)

	_, err = f.Engine.ApproveTransfer(f.Ctx, xfer.ID, agent)
	require.ErrorIs(t, err, engine.ErrUnauthorized, "agents cannot approve")

	out, err := f.Engine.ApproveTransfer(f.Ctx, xfer.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, engine.TransferApproved, out.Transfer.Status)
	assert.Equal(t, engine.CustomerID("cust-2"), out.Booking.CustomerID)
	assert.Equal(t, "3250", out.Booking.Obligation().String())
	require.NotNil(t, out.FeeInstallment)
	assert.Equal(t, 4, out.FeeInstallment.Sequence)
	assert.Equal(t, f.Clock.Now().AddDate(0, 0, engine.DefaultFeeDueDays).Truncate(24*time.Hour), out.FeeInstallment.DueDate)

	_, err = f.Engine.ApproveTransfer(f.Ctx, xfer.ID, admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition, "already decided")

	inv, err := f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryBooked, inv.Status)
}

func TestTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{})

	_, err := f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-1"}, agent)
	require.ErrorIs(t, err, engine.ErrValidation, "same customer")

	_, err = f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2", Fee: money("-1")}, agent)
	require.ErrorIs(t, err, engine.ErrValidation)

	first, err := f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2"}, agent)
	require.NoError(t, err)
	_, err = f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-3"}, agent)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition, "one pending transfer per booking")

	rejected, err := f.Engine.RejectTransfer(f.Ctx, first.ID, "documents missing", admin)
	require.NoError(t, err)
	assert.Equal(t, engine.TransferRejected, rejected.Status)

	b, err := f.Engine.GetBooking(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CustomerID("cust-1"), b.CustomerID)

	_, err = f.Engine.ApproveTransfer(f.Ctx, first.ID, admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestTransfer_CancelledBookingCannotTransfer(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{})

	pending, err := f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2"}, agent)
	require.NoError(t, err)

	cancel, err := f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "customer withdrew", admin)
	require.NoError(t, err)
	assert.Equal(t, 1, cancel.RejectedTransfers)

	_, err = f.Engine.ApproveTransfer(f.Ctx, pending.ID, admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	_, err = f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2"}, agent)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelBooking_ReleasesUnitForRebooking(t *testing.T) {
	// GIVEN: A booking with one installment paid
	// WHEN: The booking is cancelled
	// THEN: Open installments are void and no longer owed, the refund due is the paid total,
	//       and the unit can be booked again

	f := newFixture(t)
	unit := f.Unit("3000")
	res := f.Book(unit.ID, "cust-1", "3000", engine.PlanSpec{Count: 3})
	_, err := f.Pay(res.Booking.ID, "1000")
	require.NoError(t, err)

	_, err = f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "  ", admin)
	require.ErrorIs(t, err, engine.ErrValidation, "reason required")
	_, err = f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "changed mind", agent)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	out, err := f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "changed mind", admin)
	require.NoError(t, err)
	assert.Equal(t, engine.BookingCancelled, out.Booking.Status)
	assert.Equal(t, "changed mind", out.Booking.CancellationReason)
	require.NotNil(t, out.Booking.CancelledAt)
	assert.Equal(t, 2, out.VoidedInstallments)
	assert.Equal(t, "1000", out.RefundDue.String())
	assert.Equal(t, engine.InventoryAvailable, out.Inventory.Status)

	items, err := f.Engine.Schedule(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.DuePaid, items[0].Status)
	assert.Equal(t, engine.DueVoid, items[1].Status)
	assert.Equal(t, engine.DueVoid, items[2].Status)

	// Voided principal is no longer owed.
	bal, err := f.Engine.Balance(f.Ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.Paid.String())
	assert.True(t, bal.Outstanding.IsZero(), "outstanding %s", bal.Outstanding)
	assert.True(t, bal.Overdue.IsZero())
	assert.Nil(t, bal.NextDue)

	_, err = f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "again", admin)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "booking is closed", te.Reason)
	_, err = f.Pay(res.Booking.ID, "1000")
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition, "no payments on a cancelled booking")

	again := f.Book(unit.ID, "cust-9", "3000", engine.PlanSpec{})
	assert.Equal(t, engine.BookingConfirmed, again.Booking.Status)
	assert.Equal(t, "BOOK-00002", again.Booking.Code)
}
