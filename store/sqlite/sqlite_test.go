package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/engine/enginetest"
	"github.com/warp/booking-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLifecycle(t *testing.T) {
	enginetest.RunLifecycle(t, func(t *testing.T) engine.Store { return newStore(t) })
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: A booking written to a file database
	// WHEN: The database is closed and opened again
	// THEN: The booking, its schedule and the code sequence are intact

	path := filepath.Join(t.TempDir(), "booking.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)

	f := enginetest.New(t, s)
	unit := f.Unit("1200")
	res := f.Book(unit.ID, "cust-1", "1200", engine.PlanSpec{Count: 4})
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	eng := engine.New(reopened, engine.WithClock(f.Clock))
	b, err := eng.GetBooking(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Booking.Code, b.Code)
	assert.True(t, b.Amount.Equal(enginetest.Money("1200")))
	assert.Equal(t, res.Booking.BookedAt, b.BookedAt)

	items, err := eng.Schedule(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "300", items[3].Amount.String())

	err = reopened.WithTx(context.Background(), func(tx engine.Tx) error {
		n, err := tx.NextSequence(context.Background(), "booking")
		assert.Equal(t, int64(2), n)
		return err
	})
	require.NoError(t, err)
}

func TestSQLite_ListExpiredHoldsOrdersByTime(t *testing.T) {
	s := newStore(t)
	f := enginetest.New(t, s)

	short := f.Unit("100")
	long := f.Unit("200")
	_, err := f.Engine.PlaceHold(f.Ctx, short.ID, enginetest.Agent, 500*time.Millisecond)
	require.NoError(t, err)
	_, err = f.Engine.PlaceHold(f.Ctx, long.ID, enginetest.Agent, 10*time.Second)
	require.NoError(t, err)

	// Fractional seconds must compare correctly against whole seconds.
	ids, err := s.ListExpiredHolds(f.Ctx, enginetest.Epoch.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, []engine.InventoryID{short.ID}, ids)

	ids, err = s.ListExpiredHolds(f.Ctx, enginetest.Epoch.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSQLite_Ping(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
