/*
Package scenario seeds demo data through the engine.

PURPOSE:
  Populates an empty store with a realistic sales floor so the server
  has something to show on a local run (-seed flag). Everything goes
  through engine operations, so seeded data obeys the same rules and
  leaves the same audit trail as real traffic.

AVAILABLE SCENARIOS:
  showcase:       Builder, project and six units: one booked on a monthly
                  plan with a down payment, one co-owned unit booked after
                  both investors consented, one open hold, the rest free
  transfer-desk:  A quarterly-plan booking with a pending transfer
                  request waiting for approval

HOW SCENARIOS WORK:
 1. Register a builder and a project
 2. Register units
 3. Assign investors where the scenario needs consent
 4. Hold, consent and confirm bookings using factory plan presets
 5. Optionally record payments or transfer requests

NOTE:
  Scenarios add data; they never reset the store. Load each one into a
  fresh database.

SEE ALSO:
  - factory/plan.go: Plan presets
  - cmd/server/main.go: -seed flag
*/
package scenario

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Info describes a scenario.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Info{
	{
		ID:          "showcase",
		Name:        "Showcase",
		Description: "Six units across the lifecycle: booked, co-owned with consent, held, available",
	},
	{
		ID:          "transfer-desk",
		Name:        "Transfer Desk",
		Description: "Quarterly-plan booking with a pending ownership transfer",
	},
}

// List returns the available scenarios.
func List() []Info {
	return append([]Info(nil), scenarios...)
}

// Seeder is the demo back-office user.
var Seeder = engine.Actor{ID: "demo-seed", Role: engine.RoleAdmin}

// Result summarises what a scenario created.
type Result struct {
	Scenario  string
	Builder   engine.Builder
	Project   engine.Project
	Units     []engine.Inventory
	Bookings  []engine.Booking
	Transfers []engine.Transfer
}

// Load runs the named scenario.
func Load(ctx context.Context, eng *engine.Engine, plans *factory.PlanFactory, id string) (Result, error) {
	l := &loader{ctx: ctx, eng: eng, plans: plans, res: Result{Scenario: id}}
	var err error
	switch id {
	case "showcase":
		err = l.showcase()
	case "transfer-desk":
		err = l.transferDesk()
	default:
		return Result{}, fmt.Errorf("unknown scenario: %s", id)
	}
	if err != nil {
		return l.res, fmt.Errorf("scenario %s: %w", id, err)
	}
	return l.res, nil
}

// =============================================================================
// LOADERS
// =============================================================================

type loader struct {
	ctx   context.Context
	eng   *engine.Engine
	plans *factory.PlanFactory
	res   Result
}

func (l *loader) site(builder, project, location string, capacity int) error {
	b, err := l.eng.RegisterBuilder(l.ctx, engine.BuilderInput{Name: builder, MaxProjects: 5}, Seeder)
	if err != nil {
		return err
	}
	p, err := l.eng.RegisterProject(l.ctx, engine.ProjectInput{
		BuilderID:    b.ID,
		Name:         project,
		Location:     location,
		UnitCapacity: capacity,
	}, Seeder)
	if err != nil {
		return err
	}
	l.res.Builder, l.res.Project = b, p
	return nil
}

func (l *loader) unit(number string, typ engine.UnitType, size, price string) (engine.Inventory, error) {
	listPrice, err := engine.NewPrice(price)
	if err != nil {
		return engine.Inventory{}, fmt.Errorf("unit %s: %w", number, err)
	}
	inv, err := l.eng.RegisterUnit(l.ctx, engine.UnitInput{
		ProjectID:  l.res.Project.ID,
		UnitNumber: number,
		UnitType:   typ,
		Size:       decimal.RequireFromString(size),
		Price:      listPrice,
	}, Seeder)
	if err != nil {
		return inv, fmt.Errorf("unit %s: %w", number, err)
	}
	l.res.Units = append(l.res.Units, inv)
	return inv, nil
}

// book holds the unit, collects consent from every investor on it, and
// confirms at list price on a preset plan.
func (l *loader) book(inv engine.Inventory, customer engine.CustomerID, preset string, investors ...engine.InvestorID) (engine.Booking, error) {
	held, err := l.eng.PlaceHold(l.ctx, inv.ID, Seeder, 0)
	if err != nil {
		return engine.Booking{}, err
	}
	for _, investor := range investors {
		_, err := l.eng.RecordConsent(l.ctx, engine.ConsentInput{
			InventoryID: inv.ID,
			HoldID:      held.HoldID,
			InvestorID:  investor,
			Approved:    true,
		}, engine.Actor{ID: engine.ActorID(investor), Role: engine.RoleInvestor, InvestorID: investor})
		if err != nil {
			return engine.Booking{}, err
		}
	}

	plan, err := l.plans.Preset(preset, l.eng.Now())
	if err != nil {
		return engine.Booking{}, err
	}
	res, err := l.eng.ConfirmBooking(l.ctx, engine.BookingRequest{
		InventoryID: inv.ID,
		HoldID:      held.HoldID,
		CustomerID:  customer,
		Amount:      inv.Price,
		Type:        engine.BookingInstallment,
		Plan:        plan,
		Remarks:     "demo seed",
	}, Seeder)
	if err != nil {
		return engine.Booking{}, err
	}
	l.res.Bookings = append(l.res.Bookings, res.Booking)
	return res.Booking, nil
}

func (l *loader) showcase() error {
	if err := l.site("Sunrise Developers", "Palm Grove", "North Ridge", 50); err != nil {
		return err
	}

	units := []struct {
		number, size, price string
		typ                 engine.UnitType
	}{
		{"PG-A01", "1200", "2400000", engine.UnitPlot},
		{"PG-A02", "1500", "3000000", engine.UnitPlot},
		{"PG-B01", "1800", "5400000", engine.UnitHouse},
		{"PG-B02", "1800", "5400000", engine.UnitHouse},
		{"PG-C01", "950", "3800000", engine.UnitApartment},
		{"PG-S01", "400", "2000000", engine.UnitShop},
	}
	var inv []engine.Inventory
	for _, u := range units {
		i, err := l.unit(u.number, u.typ, u.size, u.price)
		if err != nil {
			return err
		}
		inv = append(inv, i)
	}

	first, err := l.book(inv[0], "cust-asha", "monthly-12")
	if err != nil {
		return err
	}
	if _, err := l.eng.RecordPayment(l.ctx, engine.PaymentInput{
		BookingID:       first.ID,
		Amount:          decimal.NewFromInt(200000),
		Method:          engine.MethodBankTransfer,
		ReferenceNumber: "NEFT-0001",
	}, Seeder); err != nil {
		return err
	}

	// PG-B01 is co-owned; the sale needs both investors.
	for _, a := range []struct {
		investor engine.InvestorID
		share    int64
	}{{"inv-meridian", 60}, {"inv-oakfield", 40}} {
		if _, err := l.eng.AssignInvestor(l.ctx, engine.AssignmentInput{
			InventoryID: inv[2].ID,
			InvestorID:  a.investor,
			Share:       decimal.NewFromInt(a.share),
		}, Seeder); err != nil {
			return err
		}
	}
	if _, err := l.book(inv[2], "cust-ravi", "quarterly-36", "inv-meridian", "inv-oakfield"); err != nil {
		return err
	}

	held, err := l.eng.PlaceHold(l.ctx, inv[4].ID, Seeder, 0)
	if err != nil {
		return err
	}
	l.res.Units[4] = held
	return nil
}

func (l *loader) transferDesk() error {
	if err := l.site("Harbor Estates", "Bay View", "Seafront", 10); err != nil {
		return err
	}
	unit, err := l.unit("BV-101", engine.UnitApartment, "1100", "6000000")
	if err != nil {
		return err
	}
	b, err := l.book(unit, "cust-meera", "quarterly-36")
	if err != nil {
		return err
	}
	tr, err := l.eng.CreateTransfer(l.ctx, engine.TransferRequest{
		BookingID:  b.ID,
		ToCustomer: "cust-kiran",
		Fee:        decimal.NewFromInt(25000),
		Remarks:    "family transfer",
	}, Seeder)
	if err != nil {
		return err
	}
	l.res.Transfers = append(l.res.Transfers, tr)
	return nil
}
