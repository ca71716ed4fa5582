/*
store.go - Persistence contract for the booking lifecycle engine

PURPOSE:
  Defines the interface between lifecycle rules and the database. Every
  state change runs inside Store.WithTx; the Tx view is the only way the
  engine reads or writes entities.

LOCKING CONTRACT:
  Lock* methods take a row-level lock (SELECT ... FOR UPDATE on Postgres,
  a single writer on SQLite and in memory) that is held until the
  transaction ends. The engine always locks in the order
  inventory -> booking -> transfer so concurrent operations on one unit
  serialize without deadlocking.

UNIQUENESS CONTRACT:
  InsertBooking MUST fail with ErrDoubleBooking when another booking of the
  same unit is confirmed or active. Stores enforce this with a partial
  unique index so the guard holds even if the application check races.

VERSIONING:
  UpdateInventory and UpdateBooking compare the stored Version with the
  given one and fail with ErrConcurrentModification on mismatch. On
  success the stored version is incremented.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and demos
  - store/sqlite: SQLite via mattn/go-sqlite3
  - store/postgres: PostgreSQL via jackc/pgx

SEE ALSO:
  - engine.go: runTx, the only caller of WithTx
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store opens transactions and answers housekeeping queries.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListExpiredHolds returns held units whose expiry is at or before asOf.
	// Used by the sweeper only; the result is advisory.
	ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]InventoryID, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	// Inventory
	InsertInventory(ctx context.Context, inv Inventory) error
	LockInventory(ctx context.Context, id InventoryID) (Inventory, error)
	UpdateInventory(ctx context.Context, inv Inventory) error

	// Builders and projects
	InsertBuilder(ctx context.Context, b Builder) error
	GetBuilder(ctx context.Context, id BuilderID) (Builder, error)
	InsertProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id ProjectID) (Project, error)
	CountProjects(ctx context.Context, builder BuilderID) (int, error)
	CountActiveBookings(ctx context.Context, project ProjectID) (int, error)

	// Investors
	InsertAssignment(ctx context.Context, a InvestorAssignment) error
	GetAssignment(ctx context.Context, id AssignmentID) (InvestorAssignment, error)
	UpdateAssignment(ctx context.Context, a InvestorAssignment) error
	ActiveAssignments(ctx context.Context, inv InventoryID) ([]InvestorAssignment, error)
	SaveConsent(ctx context.Context, c Consent) error
	Consents(ctx context.Context, hold HoldID) ([]Consent, error)

	// Bookings. ActiveBooking returns nil when the unit has none.
	InsertBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id BookingID) (Booking, error)
	LockBooking(ctx context.Context, id BookingID) (Booking, error)
	UpdateBooking(ctx context.Context, b Booking) error
	ActiveBooking(ctx context.Context, inv InventoryID) (*Booking, error)

	// Installments, ordered by sequence.
	InsertInstallments(ctx context.Context, items []Installment) error
	Installments(ctx context.Context, booking BookingID) ([]Installment, error)
	UpdateInstallment(ctx context.Context, item Installment) error

	// Payments, ordered by creation.
	InsertPayment(ctx context.Context, p Payment) error
	Payments(ctx context.Context, booking BookingID) ([]Payment, error)

	// Transfers
	InsertTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, id TransferID) (Transfer, error)
	LockTransfer(ctx context.Context, id TransferID) (Transfer, error)
	UpdateTransfer(ctx context.Context, t Transfer) error
	PendingTransfers(ctx context.Context, booking BookingID) ([]Transfer, error)

	// NextSequence returns the next value of a named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (int64, error)

	// Audit log, append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditTrail(ctx context.Context, inv InventoryID) ([]AuditEntry, error)
}

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID          string
	Timestamp   time.Time
	ActorID     ActorID
	Action      AuditAction
	SubjectType string // "inventory", "booking", "transfer", ...
	SubjectID   string
	InventoryID InventoryID
	TraceID     string
	Payload     map[string]any // action-specific data
}

type AuditAction string

const (
	AuditUnitRegistered    AuditAction = "unit_registered"
	AuditHoldPlaced        AuditAction = "hold_placed"
	AuditHoldReleased      AuditAction = "hold_released"
	AuditHoldCancelled     AuditAction = "hold_cancelled"
	AuditHoldExpired       AuditAction = "hold_expired"
	AuditInvestorAssigned  AuditAction = "investor_assigned"
	AuditInvestorRevoked   AuditAction = "investor_revoked"
	AuditConsentRecorded   AuditAction = "consent_recorded"
	AuditBookingConfirmed  AuditAction = "booking_confirmed"
	AuditScheduleCreated   AuditAction = "schedule_created"
	AuditPaymentRecorded   AuditAction = "payment_recorded"
	AuditBookingCompleted  AuditAction = "booking_completed"
	AuditBookingCancelled  AuditAction = "booking_cancelled"
	AuditTransferRequested AuditAction = "transfer_requested"
	AuditTransferApproved  AuditAction = "transfer_approved"
	AuditTransferRejected  AuditAction = "transfer_rejected"
	AuditOwnershipChanged  AuditAction = "ownership_changed"
	AuditProjectRegistered AuditAction = "project_registered"
	AuditBuilderRegistered AuditAction = "builder_registered"
	AuditScheduleRefreshed AuditAction = "schedule_refreshed"
)
