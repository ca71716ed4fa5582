package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/engine/enginetest"
	"github.com/warp/booking-engine/engine/store"
)

// listerFunc adapts a function to ExpiredHoldLister.
type listerFunc func(ctx context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error)

func (f listerFunc) ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error) {
	return f(ctx, asOf, limit)
}

func newSweeperFixture(t *testing.T) (*enginetest.Fixture, *HoldSweeper) {
	t.Helper()
	f := enginetest.New(t, store.NewMemory())
	return f, NewHoldSweeper(f.Engine, f.Store, zerolog.Nop())
}

func TestSweep_ExpiresElapsedHolds(t *testing.T) {
	// GIVEN: Two held units, one booked unit, and the clock past the hold TTL
	// WHEN: Sweeping
	// THEN: Both holds revert to available; the booking is untouched

	f, sweeper := newSweeperFixture(t)
	a := f.Unit("100")
	b := f.Unit("200")
	c := f.Unit("300")
	f.Hold(a.ID)
	f.Hold(b.ID)
	f.Book(c.ID, "cust-1", "300", engine.PlanSpec{Count: 1})
	f.Clock.Advance(16 * time.Minute)

	run, err := sweeper.Sweep(f.Ctx, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 2, run.Candidates)
	assert.Equal(t, 2, run.Expired)
	assert.Zero(t, run.Failed)
	assert.Equal(t, f.Clock.Now(), run.AsOf)

	for _, id := range []engine.InventoryID{a.ID, b.ID} {
		inv, err := f.Engine.GetInventory(f.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, engine.InventoryAvailable, inv.Status)
	}
	booked, err := f.Engine.GetInventory(f.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryBooked, booked.Status)

	// Nothing left on the second pass.
	run, err = sweeper.Sweep(f.Ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, run.Candidates)
	assert.Len(t, sweeper.History(), 2)
}

func TestSweep_LeavesLiveHolds(t *testing.T) {
	f, sweeper := newSweeperFixture(t)
	a := f.Unit("100")
	f.Hold(a.ID)
	f.Clock.Advance(5 * time.Minute)

	run, err := sweeper.Sweep(f.Ctx, TriggerSchedule)
	require.NoError(t, err)
	assert.Zero(t, run.Candidates)

	inv, err := f.Engine.GetInventory(f.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InventoryHeld, inv.Status)
}

func TestSweep_CountsSkipsAndFailures(t *testing.T) {
	// GIVEN: A stale candidate list naming an available unit and a missing one
	// WHEN: Sweeping
	// THEN: The available unit is skipped, the missing one fails, the sweep completes

	f, sweeper := newSweeperFixture(t)
	a := f.Unit("100")
	sweeper.Holds = listerFunc(func(context.Context, time.Time, int) ([]engine.InventoryID, error) {
		return []engine.InventoryID{a.ID, "missing-unit"}, nil
	})

	run, err := sweeper.Sweep(f.Ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Candidates)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "missing-unit")
}

func TestSweep_ListErrorIsRecorded(t *testing.T) {
	f, sweeper := newSweeperFixture(t)
	boom := errors.New("store offline")
	sweeper.Holds = listerFunc(func(context.Context, time.Time, int) ([]engine.InventoryID, error) {
		return nil, boom
	})

	_, err := sweeper.Sweep(f.Ctx, TriggerManual)
	require.ErrorIs(t, err, boom)

	last, ok := sweeper.LastRun()
	require.True(t, ok)
	assert.Equal(t, []string{"store offline"}, last.Errors)
}

func TestSweep_PassesBatchSize(t *testing.T) {
	f, sweeper := newSweeperFixture(t)
	sweeper.BatchSize = 7
	var got int
	sweeper.Holds = listerFunc(func(_ context.Context, _ time.Time, limit int) ([]engine.InventoryID, error) {
		got = limit
		return nil, nil
	})

	_, err := sweeper.Sweep(f.Ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestSweep_OneAtATime(t *testing.T) {
	// GIVEN: A sweep blocked inside the candidate query
	// WHEN: A second sweep is requested
	// THEN: It is refused with ErrSweepInProgress

	f, sweeper := newSweeperFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sweeper.Holds = listerFunc(func(context.Context, time.Time, int) ([]engine.InventoryID, error) {
		close(entered)
		<-release
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := sweeper.Sweep(f.Ctx, TriggerSchedule)
		done <- err
	}()
	<-entered

	_, err := sweeper.Sweep(f.Ctx, TriggerManual)
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestHoldSweeper_StartStop(t *testing.T) {
	f, sweeper := newSweeperFixture(t)
	a := f.Unit("100")
	f.Hold(a.ID)
	f.Clock.Advance(time.Hour)

	sweeper.Interval = 10 * time.Millisecond
	sweeper.Start()
	sweeper.Start() // second start is a no-op

	require.Eventually(t, func() bool {
		inv, err := f.Engine.GetInventory(f.Ctx, a.ID)
		return err == nil && inv.Status == engine.InventoryAvailable
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()

	last, ok := sweeper.LastRun()
	require.True(t, ok)
	assert.Equal(t, TriggerSchedule, last.Trigger)
}

func TestHoldSweeper_DisabledDoesNotStart(t *testing.T) {
	_, sweeper := newSweeperFixture(t)
	sweeper.Enabled = false
	sweeper.Start()
	sweeper.Stop()

	_, ok := sweeper.LastRun()
	assert.False(t, ok)
}
