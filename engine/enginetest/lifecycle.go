package enginetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
)

// RunLifecycle exercises a Store through the engine: transactions,
// version checks, the active-booking constraint, sequences and audit.
func RunLifecycle(t *testing.T, newStore func(t *testing.T) engine.Store) {
	t.Run("HoldConfirmPayToSold", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("900000")

		res := f.Book(unit.ID, "cust-1", "900000", engine.PlanSpec{Count: 3})
		assert.Equal(t, engine.BookingConfirmed, res.Booking.Status)
		assert.Equal(t, engine.InventoryBooked, res.Inventory.Status)
		assert.Equal(t, "BOOK-00001", res.Booking.Code)
		require.Len(t, res.Installments, 3)

		pay, err := f.Pay(res.Booking.ID, "300000")
		require.NoError(t, err)
		assert.Equal(t, engine.BookingActive, pay.Booking.Status)
		assert.Equal(t, "PMT-00001", pay.Payment.Code)
		require.Len(t, pay.Payment.Allocations, 1)

		pay, err = f.Pay(res.Booking.ID, "600000")
		require.NoError(t, err)
		assert.Equal(t, engine.BookingCompleted, pay.Booking.Status)
		assert.Equal(t, engine.InventorySold, pay.Inventory.Status)

		got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.InventorySold, got.Status)

		items, err := f.Engine.Schedule(f.Ctx, res.Booking.ID)
		require.NoError(t, err)
		for _, it := range items {
			assert.Equal(t, engine.DuePaid, it.Status)
			assert.True(t, it.PaidAmount.Equal(it.Amount))
		}
	})

	t.Run("ExpiredHoldRevertsAndPersists", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("500000")
		held := f.Hold(unit.ID)

		f.Clock.Advance(16 * time.Minute)
		expired, err := f.Store.ListExpiredHolds(f.Ctx, f.Clock.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, []engine.InventoryID{unit.ID}, expired)

		_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
			InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: Money("500000"),
		}, Agent)
		require.ErrorIs(t, err, engine.ErrHoldExpired)

		// The revert was committed even though the confirmation failed.
		expired, err = f.Store.ListExpiredHolds(f.Ctx, f.Clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)

		got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.InventoryAvailable, got.Status)
		assert.Nil(t, got.HoldExpiresAt)
		assert.Empty(t, got.HoldID)
	})

	t.Run("StoreRejectsSecondActiveBooking", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("700000")
		res := f.Book(unit.ID, "cust-1", "700000", engine.PlanSpec{})

		dup := res.Booking
		dup.ID = "booking-dup"
		dup.Code = "BOOK-99999"
		err := f.Store.WithTx(f.Ctx, func(tx engine.Tx) error {
			return tx.InsertBooking(f.Ctx, dup)
		})
		require.ErrorIs(t, err, engine.ErrDoubleBooking)

		// A cancelled booking on the same unit does not collide.
		dup.Status = engine.BookingCancelled
		err = f.Store.WithTx(f.Ctx, func(tx engine.Tx) error {
			return tx.InsertBooking(f.Ctx, dup)
		})
		require.NoError(t, err)
	})

	t.Run("StaleVersionIsRejected", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("100000")

		err := f.Store.WithTx(f.Ctx, func(tx engine.Tx) error {
			inv, err := tx.LockInventory(f.Ctx, unit.ID)
			if err != nil {
				return err
			}
			inv.Version--
			return tx.UpdateInventory(f.Ctx, inv)
		})
		require.ErrorIs(t, err, engine.ErrConcurrentModification)
	})

	t.Run("FailedTransactionLeavesNoWrites", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("100000")
		boom := errors.New("boom")

		err := f.Store.WithTx(f.Ctx, func(tx engine.Tx) error {
			inv, err := tx.LockInventory(f.Ctx, unit.ID)
			if err != nil {
				return err
			}
			inv.Status = engine.InventorySold
			if err := tx.UpdateInventory(f.Ctx, inv); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.InventoryAvailable, got.Status)
	})

	t.Run("ConsentGatesConfirmation", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("800000")
		_, err := f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-a", Share: Money("60")}, Admin)
		require.NoError(t, err)
		_, err = f.Engine.AssignInvestor(f.Ctx, engine.AssignmentInput{InventoryID: unit.ID, InvestorID: "inv-b", Share: Money("40")}, Admin)
		require.NoError(t, err)

		held := f.Hold(unit.ID)
		req := engine.BookingRequest{InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: Money("800000")}

		_, err = f.Engine.ConfirmBooking(f.Ctx, req, Agent)
		var missing *engine.ConsentRequiredError
		require.ErrorAs(t, err, &missing)
		assert.ElementsMatch(t, []engine.InvestorID{"inv-a", "inv-b"}, missing.Missing)

		for _, inv := range []engine.InvestorID{"inv-a", "inv-b"} {
			_, err = f.Engine.RecordConsent(f.Ctx, engine.ConsentInput{InventoryID: unit.ID, HoldID: held.HoldID, InvestorID: inv, Approved: true}, Admin)
			require.NoError(t, err)
		}
		_, err = f.Engine.ConfirmBooking(f.Ctx, req, Agent)
		require.NoError(t, err)
	})

	t.Run("CancelTransferAndAudit", func(t *testing.T) {
		f := New(t, newStore(t))
		unit := f.Unit("600000")
		res := f.Book(unit.ID, "cust-1", "600000", engine.PlanSpec{Count: 2})

		xfer, err := f.Engine.CreateTransfer(f.Ctx, engine.TransferRequest{BookingID: res.Booking.ID, ToCustomer: "cust-2", Fee: Money("5000")}, Agent)
		require.NoError(t, err)
		assert.Equal(t, "XFER-00001", xfer.Code)

		approved, err := f.Engine.ApproveTransfer(f.Ctx, xfer.ID, Admin)
		require.NoError(t, err)
		assert.Equal(t, engine.CustomerID("cust-2"), approved.Booking.CustomerID)
		require.NotNil(t, approved.FeeInstallment)
		assert.Equal(t, engine.InstallmentFee, approved.FeeInstallment.Kind)

		_, err = f.Pay(res.Booking.ID, "100000")
		require.NoError(t, err)

		cancel, err := f.Engine.CancelBooking(f.Ctx, res.Booking.ID, "customer withdrew", Admin)
		require.NoError(t, err)
		assert.True(t, cancel.RefundDue.Equal(Money("100000")))
		assert.Equal(t, 3, cancel.VoidedInstallments)
		assert.Equal(t, engine.InventoryAvailable, cancel.Inventory.Status)

		trail, err := f.Engine.AuditTrail(context.Background(), unit.ID)
		require.NoError(t, err)
		var actions []engine.AuditAction
		for _, e := range trail {
			actions = append(actions, e.Action)
		}
		assert.Contains(t, actions, engine.AuditOwnershipChanged)
		assert.Contains(t, actions, engine.AuditBookingCancelled)
		assert.Equal(t, engine.AuditUnitRegistered, actions[0])

		f.Hold(unit.ID)
	})
}
