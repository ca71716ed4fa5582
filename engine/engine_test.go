package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/engine/enginetest"
	"github.com/warp/booking-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin = enginetest.Admin
	agent = enginetest.Agent
	rival = enginetest.Rival
	money = enginetest.Money
)

func newFixture(t *testing.T, opts ...engine.Option) *enginetest.Fixture {
	return enginetest.New(t, store.NewMemory(), opts...)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	enginetest.RunLifecycle(t, func(*testing.T) engine.Store { return store.NewMemory() })
}

// =============================================================================
// HOLD MANAGER
// =============================================================================

func TestPlaceHold_OnlyFromAvailable(t *testing.T) {
	// GIVEN: A unit already held by one agent
	// WHEN: Another agent tries to hold it
	// THEN: InvalidStatusTransition, first hold untouched

	f := newFixture(t)
	unit := f.Unit("500000")
	first := f.Hold(unit.ID)

	_, err := f.Engine.PlaceHold(f.Ctx, unit.ID, rival, 0)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, first.HoldID, got.HoldID)
	assert.Equal(t, agent.ID, got.HeldBy)
	require.NotNil(t, got.HoldExpiresAt)
	assert.Equal(t, enginetest.Epoch.Add(15*time.Minute), *got.HoldExpiresAt)
}

func TestPlaceHold_CustomTTL(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("500000")

	held, err := f.Engine.PlaceHold(f.Ctx, unit.ID, agent, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, enginetest.Epoch.Add(2*time.Hour), *held.HoldExpiresAt)
}

func TestPlaceHold_AfterExpiryAnyoneCanHold(t *testing.T) {
	// GIVEN: A hold that has elapsed but was never swept
	// WHEN: Another agent places a hold
	// THEN: Lazy expiry frees the unit and the new hold gets a new attempt ID

	f := newFixture(t)
	unit := f.Unit("500000")
	first := f.Hold(unit.ID)
	f.Clock.Advance(15 * time.Minute) // expiry <= now counts as elapsed

	second, err := f.Engine.PlaceHold(f.Ctx, unit.ID, rival, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.HoldID, second.HoldID)
	assert.Equal(t, rival.ID, second.HeldBy)
}

func TestReleaseHold(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("500000")
	f.Hold(unit.ID)

	// Only the holder may release.
	_, err := f.Engine.ReleaseHold(f.Ctx, unit.ID, rival)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)

	got, err := f.Engine.ReleaseHold(f.Ctx, unit.ID, agent)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryAvailable, got.Status)
	assert.Nil(t, got.HoldExpiresAt)

	_, err = f.Engine.ReleaseHold(f.Ctx, unit.ID, agent)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestReleaseHold_AfterExpiryReportsHoldExpired(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("500000")
	f.Hold(unit.ID)
	f.Clock.Advance(time.Hour)

	_, err := f.Engine.ReleaseHold(f.Ctx, unit.ID, agent)
	var expired *engine.HoldExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, unit.ID, expired.InventoryID)

	got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryAvailable, got.Status)
}

func TestCancelHold_RequiresAuthorityAndReason(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("500000")
	f.Hold(unit.ID)

	_, err := f.Engine.CancelHold(f.Ctx, unit.ID, "stale", rival)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = f.Engine.CancelHold(f.Ctx, unit.ID, "", admin)
	require.ErrorIs(t, err, engine.ErrValidation)

	got, err := f.Engine.CancelHold(f.Ctx, unit.ID, "customer unreachable", admin)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryAvailable, got.Status)

	trail, err := f.Engine.AuditTrail(f.Ctx, unit.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, engine.AuditHoldCancelled, last.Action)
	assert.Equal(t, "customer unreachable", last.Payload["reason"])
}

func TestExpireHold_SweeperPath(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("500000")
	f.Hold(unit.ID)

	reverted, err := f.Engine.ExpireHold(f.Ctx, unit.ID, engine.SystemActor)
	require.NoError(t, err)
	assert.False(t, reverted, "hold still live")

	f.Clock.Advance(20 * time.Minute)
	reverted, err = f.Engine.ExpireHold(f.Ctx, unit.ID, engine.SystemActor)
	require.NoError(t, err)
	assert.True(t, reverted)

	reverted, err = f.Engine.ExpireHold(f.Ctx, unit.ID, engine.SystemActor)
	require.NoError(t, err)
	assert.False(t, reverted, "second sweep is a no-op")

	var types []engine.EventType
	for _, ev := range f.Events.Events() {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, engine.EventHoldExpired)
}

func TestRegisterUnit_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{ProjectID: f.Project.ID, UnitNumber: "A-1", Price: money("0")}, admin)
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{ProjectID: "missing", UnitNumber: "A-1", Price: money("10")}, admin)
	require.ErrorIs(t, err, engine.ErrNotFound)

	_, err = f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{ProjectID: f.Project.ID, UnitNumber: "A-1", Price: money("10")}, agent)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	inv, err := f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{ProjectID: f.Project.ID, UnitNumber: "A-1", Price: money("10")}, admin)
	require.NoError(t, err)
	assert.Equal(t, "INV-0001", inv.Code)
	assert.Equal(t, engine.UnitPlot, inv.UnitType)
	assert.Equal(t, engine.CategoryResidential, inv.Category)
}

func TestNewPrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2400000", "2400000", true},
		{" 99.5 ", "99.5", true},
		{"10.250", "10.25", true},
		{"0", "", false},
		{"-1", "", false},
		{"abc", "", false},
		{"10.005", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := engine.NewPrice(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, engine.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(money(tt.want)), "got %s", got)
		})
	}
}

// =============================================================================
// BOOKING COORDINATOR
// =============================================================================

func TestConfirmBooking_BeforeAndAfterTTL(t *testing.T) {
	// GIVEN: Two units held at the same time
	// WHEN: One is confirmed within the TTL and the other after it
	// THEN: The first is booked; the second fails with HoldExpired and is available

	f := newFixture(t)
	early := f.Unit("400000")
	late := f.Unit("450000")
	earlyHold := f.Hold(early.ID)
	lateHold := f.Hold(late.ID)

	f.Clock.Advance(14 * time.Minute)
	res, err := f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: early.ID, HoldID: earlyHold.HoldID, CustomerID: "cust-1", Amount: money("400000"),
	}, agent)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryBooked, res.Inventory.Status)
	assert.Nil(t, res.Inventory.HoldExpiresAt)

	f.Clock.Advance(2 * time.Minute)
	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: late.ID, HoldID: lateHold.HoldID, CustomerID: "cust-2", Amount: money("450000"),
	}, agent)
	require.ErrorIs(t, err, engine.ErrHoldExpired)

	got, err := f.Engine.GetInventory(f.Ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryAvailable, got.Status)
}

func TestConfirmBooking_StaleAttemptRejected(t *testing.T) {
	// GIVEN: A hold released and re-placed
	// WHEN: The first attempt's HoldID is used to confirm
	// THEN: InvalidStatusTransition, nothing booked

	f := newFixture(t)
	unit := f.Unit("400000")
	old := f.Hold(unit.ID)
	_, err := f.Engine.ReleaseHold(f.Ctx, unit.ID, agent)
	require.NoError(t, err)
	f.Hold(unit.ID)

	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: old.HoldID, CustomerID: "cust-1", Amount: money("400000"),
	}, agent)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestConfirmBooking_NotHeld(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("400000")

	_, err := f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: "nope", CustomerID: "cust-1", Amount: money("400000"),
	}, agent)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
}

func TestConfirmBooking_ConcurrentConfirmationsOneWins(t *testing.T) {
	// GIVEN: One held unit
	// WHEN: Many goroutines confirm the same hold at once
	// THEN: Exactly one booking exists; the rest fail with DoubleBooking or
	//       InvalidStatusTransition

	f := newFixture(t)
	unit := f.Unit("400000")
	held := f.Hold(unit.ID)

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Engine.ConfirmBooking(context.Background(), engine.BookingRequest{
				InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: engine.CustomerID("cust-" + string(rune('a'+i))), Amount: money("400000"),
			}, agent)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, engine.ErrDoubleBooking) || errors.Is(err, engine.ErrInvalidStatusTransition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	got, err := f.Engine.GetInventory(f.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryBooked, got.Status)
}

func TestConfirmBooking_ApplicationCheckSeesExistingBooking(t *testing.T) {
	// GIVEN: A unit that is held while an active booking already exists for it
	//        (state written by another writer bypassing the engine)
	// WHEN: Confirming
	// THEN: DoubleBooking naming the existing booking

	f := newFixture(t)
	unit := f.Unit("400000")
	held := f.Hold(unit.ID)

	err := f.Store.WithTx(f.Ctx, func(tx engine.Tx) error {
		return tx.InsertBooking(f.Ctx, engine.Booking{
			ID: "legacy-1", InventoryID: unit.ID, ProjectID: f.Project.ID, CustomerID: "cust-0",
			Amount: money("1"), Status: engine.BookingConfirmed, Type: engine.BookingSale, Version: 1,
		})
	})
	require.NoError(t, err)

	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: money("400000"),
	}, agent)
	var dbl *engine.DoubleBookingError
	require.ErrorAs(t, err, &dbl)
	assert.Equal(t, engine.BookingID("legacy-1"), dbl.ExistingBookingID)
}

func TestConfirmBooking_ProjectCapacity(t *testing.T) {
	// GIVEN: A project that allows one concurrently active booking
	// WHEN: A second unit in it is confirmed
	// THEN: BuilderLimitExceeded and the second unit stays held

	f := newFixture(t)
	small, err := f.Engine.RegisterProject(f.Ctx, engine.ProjectInput{BuilderID: f.Builder.ID, Name: "Tiny", UnitCapacity: 1}, admin)
	require.NoError(t, err)

	units := make([]engine.Inventory, 2)
	for i := range units {
		units[i], err = f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{ProjectID: small.ID, UnitNumber: "T-" + string(rune('1'+i)), Price: money("1000")}, admin)
		require.NoError(t, err)
	}

	f.Book(units[0].ID, "cust-1", "1000", engine.PlanSpec{})

	held := f.Hold(units[1].ID)
	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: units[1].ID, HoldID: held.HoldID, CustomerID: "cust-2", Amount: money("1000"),
	}, agent)
	var limit *engine.BuilderLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 1, limit.Limit)

	got, err := f.Engine.GetInventory(f.Ctx, units[1].ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryHeld, got.Status)
}

func TestRegisterProject_MaxProjects(t *testing.T) {
	f := newFixture(t) // builder allows 3, fixture created 1

	for i := 0; i < 2; i++ {
		_, err := f.Engine.RegisterProject(f.Ctx, engine.ProjectInput{BuilderID: f.Builder.ID, Name: "Phase"}, admin)
		require.NoError(t, err)
	}
	_, err := f.Engine.RegisterProject(f.Ctx, engine.ProjectInput{BuilderID: f.Builder.ID, Name: "One too many"}, admin)
	require.ErrorIs(t, err, engine.ErrBuilderLimitExceeded)
}

func TestConfirmBooking_DefaultsAndValidation(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")
	held := f.Hold(unit.ID)

	_, err := f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: money("-1"),
	}, agent)
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: money("1000"),
		Plan: engine.PlanSpec{Count: 2, Amounts: []decimal.Decimal{money("500")}},
	}, agent)
	require.ErrorIs(t, err, engine.ErrValidation)

	res, err := f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: unit.ID, HoldID: held.HoldID, CustomerID: "cust-1", Amount: money("1000"),
		Plan: engine.PlanSpec{Count: 4},
	}, agent)
	require.NoError(t, err)
	assert.Equal(t, engine.BookingInstallment, res.Booking.Type)
	assert.Equal(t, held.HoldID, res.Booking.HoldID)
	assert.Len(t, res.Installments, 4)
}

// =============================================================================
// TRANSACTION RUNNER
// =============================================================================

// flakyStore fails the first n transactions with a transient error.
type flakyStore struct {
	engine.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return engine.ErrTransient
	}
	return s.Store.WithTx(ctx, fn)
}

func TestRunTx_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")

	flaky := &flakyStore{Store: f.Store, fails: 2}
	eng := engine.New(flaky, engine.WithClock(f.Clock), engine.WithMaxAttempts(3), engine.WithRetryDelay(time.Millisecond))

	held, err := eng.PlaceHold(f.Ctx, unit.ID, agent, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryHeld, held.Status)
	assert.Equal(t, 3, flaky.calls)
}

func TestRunTx_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")

	flaky := &flakyStore{Store: f.Store, fails: 10}
	eng := engine.New(flaky, engine.WithClock(f.Clock), engine.WithMaxAttempts(2), engine.WithRetryDelay(time.Millisecond))

	_, err := eng.PlaceHold(f.Ctx, unit.ID, agent, 0)
	require.ErrorIs(t, err, engine.ErrTransient)
	assert.Equal(t, 2, flaky.calls)
}

func TestRunTx_BusinessErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")
	f.Hold(unit.ID)

	flaky := &flakyStore{Store: f.Store}
	eng := engine.New(flaky, engine.WithClock(f.Clock), engine.WithMaxAttempts(5))

	_, err := eng.PlaceHold(f.Ctx, unit.ID, rival, 0)
	require.ErrorIs(t, err, engine.ErrInvalidStatusTransition)
	assert.Equal(t, 1, flaky.calls)
}

func TestEventsPublishedOnlyAfterCommit(t *testing.T) {
	f := newFixture(t)
	unit := f.Unit("1000")
	before := len(f.Events.Events())

	_, err := f.Engine.PlaceHold(f.Ctx, unit.ID, agent, 0)
	require.NoError(t, err)
	_, err = f.Engine.PlaceHold(f.Ctx, unit.ID, rival, 0) // rolled back
	require.Error(t, err)

	events := f.Events.Events()[before:]
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventHoldPlaced, events[0].Type)
	assert.Equal(t, agent.ID, events[0].ActorID)
}
