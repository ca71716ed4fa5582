// Package store provides an in-memory engine.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx holds the
// mutex for the whole callback, which serializes transactions the way a
// row lock would, and restores a snapshot when the callback fails.
type Memory struct {
	mu sync.Mutex
	tables
}

type tables struct {
	inventory    map[engine.InventoryID]engine.Inventory
	builders     map[engine.BuilderID]engine.Builder
	projects     map[engine.ProjectID]engine.Project
	assignments  map[engine.AssignmentID]engine.InvestorAssignment
	consents     map[consentKey]engine.Consent
	bookings     map[engine.BookingID]engine.Booking
	installments map[engine.BookingID][]engine.Installment
	payments     map[engine.BookingID][]engine.Payment
	transfers    map[engine.TransferID]engine.Transfer
	sequences    map[string]int64
	audit        []engine.AuditEntry
}

type consentKey struct {
	Hold     engine.HoldID
	Investor engine.InvestorID
}

func NewMemory() *Memory {
	return &Memory{tables: tables{
		inventory:    make(map[engine.InventoryID]engine.Inventory),
		builders:     make(map[engine.BuilderID]engine.Builder),
		projects:     make(map[engine.ProjectID]engine.Project),
		assignments:  make(map[engine.AssignmentID]engine.InvestorAssignment),
		consents:     make(map[consentKey]engine.Consent),
		bookings:     make(map[engine.BookingID]engine.Booking),
		installments: make(map[engine.BookingID][]engine.Installment),
		payments:     make(map[engine.BookingID][]engine.Payment),
		transfers:    make(map[engine.TransferID]engine.Transfer),
		sequences:    make(map[string]int64),
	}}
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.tables.clone()
	if err := fn(&memTx{t: &m.tables}); err != nil {
		m.tables = snapshot
		return err
	}
	return nil
}

func (m *Memory) ListExpiredHolds(_ context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []engine.InventoryID
	for _, inv := range m.inventory {
		if inv.HoldElapsed(asOf) {
			ids = append(ids, inv.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (t tables) clone() tables {
	c := tables{
		inventory:    make(map[engine.InventoryID]engine.Inventory, len(t.inventory)),
		builders:     make(map[engine.BuilderID]engine.Builder, len(t.builders)),
		projects:     make(map[engine.ProjectID]engine.Project, len(t.projects)),
		assignments:  make(map[engine.AssignmentID]engine.InvestorAssignment, len(t.assignments)),
		consents:     make(map[consentKey]engine.Consent, len(t.consents)),
		bookings:     make(map[engine.BookingID]engine.Booking, len(t.bookings)),
		installments: make(map[engine.BookingID][]engine.Installment, len(t.installments)),
		payments:     make(map[engine.BookingID][]engine.Payment, len(t.payments)),
		transfers:    make(map[engine.TransferID]engine.Transfer, len(t.transfers)),
		sequences:    make(map[string]int64, len(t.sequences)),
		audit:        append([]engine.AuditEntry(nil), t.audit...),
	}
	for k, v := range t.inventory {
		c.inventory[k] = v
	}
	for k, v := range t.builders {
		c.builders[k] = v
	}
	for k, v := range t.projects {
		c.projects[k] = v
	}
	for k, v := range t.assignments {
		c.assignments[k] = v
	}
	for k, v := range t.consents {
		c.consents[k] = v
	}
	for k, v := range t.bookings {
		c.bookings[k] = v
	}
	for k, v := range t.installments {
		c.installments[k] = append([]engine.Installment(nil), v...)
	}
	for k, v := range t.payments {
		c.payments[k] = append([]engine.Payment(nil), v...)
	}
	for k, v := range t.transfers {
		c.transfers[k] = v
	}
	for k, v := range t.sequences {
		c.sequences[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memTx operates on the live tables; the caller already holds the mutex.
type memTx struct {
	t *tables
}

func notFound(entity, id string) error {
	return &engine.NotFoundError{Entity: entity, ID: id}
}

func (tx *memTx) InsertInventory(_ context.Context, inv engine.Inventory) error {
	tx.t.inventory[inv.ID] = inv
	return nil
}

func (tx *memTx) LockInventory(_ context.Context, id engine.InventoryID) (engine.Inventory, error) {
	inv, ok := tx.t.inventory[id]
	if !ok {
		return engine.Inventory{}, notFound("inventory", string(id))
	}
	return inv, nil
}

func (tx *memTx) UpdateInventory(_ context.Context, inv engine.Inventory) error {
	cur, ok := tx.t.inventory[inv.ID]
	if !ok {
		return notFound("inventory", string(inv.ID))
	}
	if cur.Version != inv.Version {
		return engine.ErrConcurrentModification
	}
	inv.Version++
	tx.t.inventory[inv.ID] = inv
	return nil
}

func (tx *memTx) InsertBuilder(_ context.Context, b engine.Builder) error {
	tx.t.builders[b.ID] = b
	return nil
}

func (tx *memTx) GetBuilder(_ context.Context, id engine.BuilderID) (engine.Builder, error) {
	b, ok := tx.t.builders[id]
	if !ok {
		return engine.Builder{}, notFound("builder", string(id))
	}
	return b, nil
}

func (tx *memTx) InsertProject(_ context.Context, p engine.Project) error {
	tx.t.projects[p.ID] = p
	return nil
}

func (tx *memTx) GetProject(_ context.Context, id engine.ProjectID) (engine.Project, error) {
	p, ok := tx.t.projects[id]
	if !ok {
		return engine.Project{}, notFound("project", string(id))
	}
	return p, nil
}

func (tx *memTx) CountProjects(_ context.Context, builder engine.BuilderID) (int, error) {
	n := 0
	for _, p := range tx.t.projects {
		if p.BuilderID == builder {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) CountActiveBookings(_ context.Context, project engine.ProjectID) (int, error) {
	n := 0
	for _, b := range tx.t.bookings {
		if b.ProjectID == project && b.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertAssignment(_ context.Context, a engine.InvestorAssignment) error {
	tx.t.assignments[a.ID] = a
	return nil
}

func (tx *memTx) GetAssignment(_ context.Context, id engine.AssignmentID) (engine.InvestorAssignment, error) {
	a, ok := tx.t.assignments[id]
	if !ok {
		return engine.InvestorAssignment{}, notFound("assignment", string(id))
	}
	return a, nil
}

func (tx *memTx) UpdateAssignment(_ context.Context, a engine.InvestorAssignment) error {
	if _, ok := tx.t.assignments[a.ID]; !ok {
		return notFound("assignment", string(a.ID))
	}
	tx.t.assignments[a.ID] = a
	return nil
}

func (tx *memTx) ActiveAssignments(_ context.Context, inv engine.InventoryID) ([]engine.InvestorAssignment, error) {
	var out []engine.InvestorAssignment
	for _, a := range tx.t.assignments {
		if a.InventoryID == inv && a.Status == engine.AssignmentActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) SaveConsent(_ context.Context, c engine.Consent) error {
	tx.t.consents[consentKey{Hold: c.HoldID, Investor: c.InvestorID}] = c
	return nil
}

func (tx *memTx) Consents(_ context.Context, hold engine.HoldID) ([]engine.Consent, error) {
	var out []engine.Consent
	for k, c := range tx.t.consents {
		if k.Hold == hold {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvestorID < out[j].InvestorID })
	return out, nil
}

// InsertBooking enforces the one-active-booking-per-unit constraint the
// SQL stores get from their partial unique index.
func (tx *memTx) InsertBooking(_ context.Context, b engine.Booking) error {
	if b.Status.IsActive() {
		for _, other := range tx.t.bookings {
			if other.InventoryID == b.InventoryID && other.Status.IsActive() {
				return &engine.DoubleBookingError{InventoryID: b.InventoryID, ExistingBookingID: other.ID}
			}
		}
	}
	tx.t.bookings[b.ID] = b
	return nil
}

func (tx *memTx) GetBooking(_ context.Context, id engine.BookingID) (engine.Booking, error) {
	b, ok := tx.t.bookings[id]
	if !ok {
		return engine.Booking{}, notFound("booking", string(id))
	}
	return b, nil
}

func (tx *memTx) LockBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	return tx.GetBooking(ctx, id)
}

func (tx *memTx) UpdateBooking(_ context.Context, b engine.Booking) error {
	cur, ok := tx.t.bookings[b.ID]
	if !ok {
		return notFound("booking", string(b.ID))
	}
	if cur.Version != b.Version {
		return engine.ErrConcurrentModification
	}
	if b.Status.IsActive() && !cur.Status.IsActive() {
		for _, other := range tx.t.bookings {
			if other.ID != b.ID && other.InventoryID == b.InventoryID && other.Status.IsActive() {
				return &engine.DoubleBookingError{InventoryID: b.InventoryID, ExistingBookingID: other.ID}
			}
		}
	}
	b.Version++
	tx.t.bookings[b.ID] = b
	return nil
}

func (tx *memTx) ActiveBooking(_ context.Context, inv engine.InventoryID) (*engine.Booking, error) {
	for _, b := range tx.t.bookings {
		if b.InventoryID == inv && b.Status.IsActive() {
			found := b
			return &found, nil
		}
	}
	return nil, nil
}

func (tx *memTx) InsertInstallments(_ context.Context, items []engine.Installment) error {
	for _, it := range items {
		tx.t.installments[it.BookingID] = append(tx.t.installments[it.BookingID], it)
	}
	for id := range tx.t.installments {
		list := tx.t.installments[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	}
	return nil
}

func (tx *memTx) Installments(_ context.Context, booking engine.BookingID) ([]engine.Installment, error) {
	return append([]engine.Installment(nil), tx.t.installments[booking]...), nil
}

func (tx *memTx) UpdateInstallment(_ context.Context, item engine.Installment) error {
	list := tx.t.installments[item.BookingID]
	for i := range list {
		if list[i].ID == item.ID {
			item.Version = list[i].Version + 1
			list[i] = item
			return nil
		}
	}
	return notFound("installment", string(item.ID))
}

func (tx *memTx) InsertPayment(_ context.Context, p engine.Payment) error {
	tx.t.payments[p.BookingID] = append(tx.t.payments[p.BookingID], p)
	return nil
}

func (tx *memTx) Payments(_ context.Context, booking engine.BookingID) ([]engine.Payment, error) {
	return append([]engine.Payment(nil), tx.t.payments[booking]...), nil
}

func (tx *memTx) InsertTransfer(_ context.Context, t engine.Transfer) error {
	tx.t.transfers[t.ID] = t
	return nil
}

func (tx *memTx) GetTransfer(_ context.Context, id engine.TransferID) (engine.Transfer, error) {
	t, ok := tx.t.transfers[id]
	if !ok {
		return engine.Transfer{}, notFound("transfer", string(id))
	}
	return t, nil
}

func (tx *memTx) LockTransfer(ctx context.Context, id engine.TransferID) (engine.Transfer, error) {
	return tx.GetTransfer(ctx, id)
}

func (tx *memTx) UpdateTransfer(_ context.Context, t engine.Transfer) error {
	if _, ok := tx.t.transfers[t.ID]; !ok {
		return notFound("transfer", string(t.ID))
	}
	tx.t.transfers[t.ID] = t
	return nil
}

func (tx *memTx) PendingTransfers(_ context.Context, booking engine.BookingID) ([]engine.Transfer, error) {
	var out []engine.Transfer
	for _, t := range tx.t.transfers {
		if t.BookingID == booking && t.Status == engine.TransferPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) NextSequence(_ context.Context, name string) (int64, error) {
	tx.t.sequences[name]++
	return tx.t.sequences[name], nil
}

func (tx *memTx) AppendAudit(_ context.Context, entry engine.AuditEntry) error {
	tx.t.audit = append(tx.t.audit, entry)
	return nil
}

func (tx *memTx) AuditTrail(_ context.Context, inv engine.InventoryID) ([]engine.AuditEntry, error) {
	var out []engine.AuditEntry
	for _, e := range tx.t.audit {
		if e.InventoryID == inv {
			out = append(out, e)
		}
	}
	return out, nil
}
