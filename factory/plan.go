/*
Package factory provides JSON to Go payment-plan conversion.

PURPOSE:
  Converts JSON payment-plan templates into engine.PlanSpec values, so
  sales teams can maintain plans (monthly, quarterly, custom splits)
  without code changes. Templates are stored relative to the booking:
  offsets and intervals, not calendar dates, unless a plan lists its
  due dates explicitly.

JSON SCHEMA:
  {
    "id": "monthly-12",
    "name": "12 monthly installments",
    "installments": 12,
    "interval": "monthly",
    "first_due_offset_days": 0
  }

  Custom splits list amounts as decimal strings (they must sum to the
  booking amount, which the scheduler checks):
  {
    "id": "down-payment",
    "name": "25% down, balance in 90 days",
    "amounts": ["250000", "750000"],
    "interval": "days",
    "interval_days": 90
  }

INTERVALS:
  monthly    1 month between due dates
  quarterly  3 months
  yearly     12 months
  days       interval_days days

USAGE:
  f := factory.NewPlanFactory()
  plan, err := f.ParsePlan(jsonStr, booking.BookedAt)

  // or a preset
  plan, err := f.Preset("quarterly-36", time.Now())

SEE ALSO:
  - engine/schedule.go: PlanSpec and GenerateSchedule
  - scenario/demo.go: Seeds bookings using presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a payment plan template.
type PlanJSON struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Installments       int      `json:"installments,omitempty"`
	Interval           string   `json:"interval,omitempty"` // monthly, quarterly, yearly, days
	IntervalDays       int      `json:"interval_days,omitempty"`
	FirstDueOffsetDays int      `json:"first_due_offset_days,omitempty"`
	Amounts            []string `json:"amounts,omitempty"`
	DueDates           []string `json:"due_dates,omitempty"` // YYYY-MM-DD
	Scale              int32    `json:"scale,omitempty"`       // 1..2; zero means the engine default
	WholeUnits         bool     `json:"whole_units,omitempty"` // split at zero decimal places
}

const dateLayout = "2006-01-02"

// =============================================================================
// PLAN FACTORY
// =============================================================================

// PlanFactory converts JSON plans to engine.PlanSpec and holds presets.
type PlanFactory struct {
	presets map[string]PlanJSON
}

// NewPlanFactory creates a factory loaded with the standard presets.
func NewPlanFactory() *PlanFactory {
	f := &PlanFactory{presets: make(map[string]PlanJSON)}
	for _, p := range []PlanJSON{LumpSum(), Monthly(12), Quarterly(36)} {
		f.presets[p.ID] = p
	}
	return f
}

// Register adds or replaces a preset after checking it converts.
func (f *PlanFactory) Register(pj PlanJSON) error {
	if pj.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if _, err := f.FromJSON(pj, time.Time{}); err != nil {
		return fmt.Errorf("plan %s: %w", pj.ID, err)
	}
	f.presets[pj.ID] = pj
	return nil
}

// Presets returns the registered plans ordered by id.
func (f *PlanFactory) Presets() []PlanJSON {
	out := make([]PlanJSON, 0, len(f.presets))
	for _, p := range f.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Preset converts a registered plan for a booking made at bookedAt.
func (f *PlanFactory) Preset(id string, bookedAt time.Time) (engine.PlanSpec, error) {
	pj, ok := f.presets[id]
	if !ok {
		return engine.PlanSpec{}, fmt.Errorf("unknown plan preset: %s", id)
	}
	return f.FromJSON(pj, bookedAt)
}

// ParsePlan parses a JSON string into a PlanSpec.
func (f *PlanFactory) ParsePlan(jsonStr string, bookedAt time.Time) (engine.PlanSpec, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return engine.PlanSpec{}, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return f.FromJSON(pj, bookedAt)
}

// FromJSON converts PlanJSON to engine.PlanSpec. A zero bookedAt leaves
// FirstDue unset so the scheduler uses the booking date.
func (f *PlanFactory) FromJSON(pj PlanJSON, bookedAt time.Time) (engine.PlanSpec, error) {
	plan := engine.PlanSpec{
		Count: pj.Installments,
		Scale: pj.Scale,
	}
	if pj.WholeUnits {
		if pj.Scale != 0 {
			return engine.PlanSpec{}, fmt.Errorf("whole_units and scale are mutually exclusive")
		}
		plan.Scale = engine.WholeUnits
	}

	months, days, err := parseInterval(pj.Interval, pj.IntervalDays)
	if err != nil {
		return engine.PlanSpec{}, err
	}
	plan.IntervalMonths, plan.IntervalDays = months, days

	if pj.FirstDueOffsetDays < 0 {
		return engine.PlanSpec{}, fmt.Errorf("first_due_offset_days must not be negative")
	}
	if pj.FirstDueOffsetDays > 0 && !bookedAt.IsZero() {
		plan.FirstDue = bookedAt.AddDate(0, 0, pj.FirstDueOffsetDays)
	}

	for i, s := range pj.Amounts {
		a, err := decimal.NewFromString(s)
		if err != nil {
			return engine.PlanSpec{}, fmt.Errorf("amounts[%d]: %w", i, err)
		}
		plan.Amounts = append(plan.Amounts, a)
	}
	for i, s := range pj.DueDates {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return engine.PlanSpec{}, fmt.Errorf("due_dates[%d]: %w", i, err)
		}
		plan.DueDates = append(plan.DueDates, d)
	}

	if err := plan.Validate(); err != nil {
		return engine.PlanSpec{}, err
	}
	return plan, nil
}

// ToJSON converts a PlanSpec back to a template. FirstDue is dropped;
// templates only carry offsets.
func (f *PlanFactory) ToJSON(id, name string, plan engine.PlanSpec) PlanJSON {
	pj := PlanJSON{
		ID:           id,
		Name:         name,
		Installments: plan.Count,
		Scale:        plan.Scale,
	}
	if plan.Scale == engine.WholeUnits {
		pj.Scale, pj.WholeUnits = 0, true
	}
	switch {
	case plan.IntervalDays > 0:
		pj.Interval = "days"
		pj.IntervalDays = plan.IntervalDays
	case plan.IntervalMonths == 3:
		pj.Interval = "quarterly"
	case plan.IntervalMonths == 12:
		pj.Interval = "yearly"
	default:
		pj.Interval = "monthly"
	}
	for _, a := range plan.Amounts {
		pj.Amounts = append(pj.Amounts, a.String())
	}
	for _, d := range plan.DueDates {
		pj.DueDates = append(pj.DueDates, d.Format(dateLayout))
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseInterval(s string, days int) (months, intervalDays int, err error) {
	switch s {
	case "", "monthly":
		return 1, 0, nil
	case "quarterly":
		return 3, 0, nil
	case "yearly":
		return 12, 0, nil
	case "days":
		if days <= 0 {
			return 0, 0, fmt.Errorf("interval \"days\" requires a positive interval_days")
		}
		return 0, days, nil
	default:
		return 0, 0, fmt.Errorf("unknown interval: %s", s)
	}
}

// =============================================================================
// PRESET PLANS
// =============================================================================

// LumpSum is a single payment due on the booking date.
func LumpSum() PlanJSON {
	return PlanJSON{ID: "lump-sum", Name: "Full payment", Installments: 1}
}

// Monthly spreads the amount over n monthly installments.
func Monthly(n int) PlanJSON {
	return PlanJSON{
		ID:           fmt.Sprintf("monthly-%d", n),
		Name:         fmt.Sprintf("%d monthly installments", n),
		Installments: n,
		Interval:     "monthly",
	}
}

// Quarterly spreads the amount over n quarterly installments.
func Quarterly(n int) PlanJSON {
	return PlanJSON{
		ID:           fmt.Sprintf("quarterly-%d", n),
		Name:         fmt.Sprintf("%d quarterly installments", n),
		Installments: n,
		Interval:     "quarterly",
	}
}
