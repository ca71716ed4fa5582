/*
Package enginetest holds fixtures and a store conformance suite shared by
the memory, SQLite and Postgres store tests.

USAGE:
  func TestLifecycle(t *testing.T) {
      enginetest.RunLifecycle(t, func(t *testing.T) engine.Store {
          return newStore(t)
      })
  }
*/
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
)

// Epoch is the fixture clock's starting instant.
var Epoch = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

var (
	Admin = engine.Actor{ID: "admin-1", Role: engine.RoleAdmin}
	Agent = engine.Actor{ID: "agent-1", Role: engine.RoleSalesAgent}
	Rival = engine.Actor{ID: "agent-2", Role: engine.RoleSalesAgent}
)

// Fixture is an engine over a fresh store with one builder and project.
type Fixture struct {
	T       *testing.T
	Ctx     context.Context
	Store   engine.Store
	Engine  *engine.Engine
	Clock   *engine.ManualClock
	Events  *engine.RecordingPublisher
	Builder engine.Builder
	Project engine.Project
}

// New builds a fixture. Extra options are applied after the defaults.
func New(t *testing.T, store engine.Store, opts ...engine.Option) *Fixture {
	t.Helper()
	f := &Fixture{
		T:      t,
		Ctx:    context.Background(),
		Store:  store,
		Clock:  engine.NewManualClock(Epoch),
		Events: &engine.RecordingPublisher{},
	}
	base := []engine.Option{
		engine.WithClock(f.Clock),
		engine.WithPublisher(f.Events),
		engine.WithHoldTTL(15 * time.Minute),
		engine.WithRetryDelay(time.Millisecond),
	}
	f.Engine = engine.New(store, append(base, opts...)...)

	var err error
	f.Builder, err = f.Engine.RegisterBuilder(f.Ctx, engine.BuilderInput{Name: "Kings Builders", MaxProjects: 3}, Admin)
	require.NoError(t, err)
	f.Project, err = f.Engine.RegisterProject(f.Ctx, engine.ProjectInput{BuilderID: f.Builder.ID, Name: "Hill Side"}, Admin)
	require.NoError(t, err)
	return f
}

// Money parses a decimal literal.
func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Unit registers an available plot priced at price.
func (f *Fixture) Unit(price string) engine.Inventory {
	f.T.Helper()
	inv, err := f.Engine.RegisterUnit(f.Ctx, engine.UnitInput{
		ProjectID:  f.Project.ID,
		UnitNumber: "P-" + price,
		UnitType:   engine.UnitPlot,
		Size:       Money("1200"),
		Price:      Money(price),
	}, Admin)
	require.NoError(f.T, err)
	return inv
}

// Hold places a default-TTL hold as Agent.
func (f *Fixture) Hold(id engine.InventoryID) engine.Inventory {
	f.T.Helper()
	inv, err := f.Engine.PlaceHold(f.Ctx, id, Agent, 0)
	require.NoError(f.T, err)
	return inv
}

// Book holds and confirms a unit for customer.
func (f *Fixture) Book(id engine.InventoryID, customer engine.CustomerID, amount string, plan engine.PlanSpec) engine.BookingResult {
	f.T.Helper()
	held := f.Hold(id)
	res, err := f.Engine.ConfirmBooking(f.Ctx, engine.BookingRequest{
		InventoryID: id,
		HoldID:      held.HoldID,
		CustomerID:  customer,
		Amount:      Money(amount),
		Plan:        plan,
	}, Agent)
	require.NoError(f.T, err)
	return res
}

// Pay records a cash payment as Agent.
func (f *Fixture) Pay(id engine.BookingID, amount string) (engine.PaymentResult, error) {
	return f.Engine.RecordPayment(f.Ctx, engine.PaymentInput{
		BookingID: id,
		Amount:    Money(amount),
		Method:    engine.MethodCash,
	}, Agent)
}
