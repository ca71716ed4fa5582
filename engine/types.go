/*
types.go - Core entity types for the booking lifecycle engine

PURPOSE:
  Defines the entities the engine moves through the unit lifecycle:
  inventory units, investor assignments and consents, bookings,
  installments, payments and transfers. Builders and projects are owned
  by the surrounding service; the engine only reads their capacity.

KEY CONCEPTS:
  Inventory:    One sellable unit. available -> held -> booked -> sold.
  Hold:         A time-boxed reservation. The HoldID identifies one
                booking attempt; consents are recorded against it.
  Booking:      A customer's claim on a unit. At most one booking per unit
                is in an active status (confirmed or active).
  Installment:  One scheduled payment of a booking. Never deleted;
                cancellation voids it.

MONEY:
  All amounts are shopspring/decimal values. Never use float64 for money.

SEE ALSO:
  - errors.go: Error kinds returned by engine operations
  - store.go: Persistence contract for these types
  - schedule.go: Installment generation and due status
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	InventoryID   string
	BookingID     string
	InstallmentID string
	PaymentID     string
	TransferID    string
	HoldID        string
	AssignmentID  string
	CustomerID    string
	InvestorID    string
	ProjectID     string
	BuilderID     string
	ActorID       string
)

// =============================================================================
// INVENTORY
// =============================================================================

// InventoryStatus is the lifecycle state of a unit.
type InventoryStatus string

const (
	InventoryAvailable InventoryStatus = "available"
	InventoryHeld      InventoryStatus = "held"
	InventoryBooked    InventoryStatus = "booked"
	InventorySold      InventoryStatus = "sold"
)

// UnitType classifies the physical unit.
type UnitType string

const (
	UnitPlot       UnitType = "plot"
	UnitHouse      UnitType = "house"
	UnitApartment  UnitType = "apartment"
	UnitShop       UnitType = "shop"
	UnitCommercial UnitType = "commercial"
)

func (t UnitType) valid() bool {
	switch t {
	case UnitPlot, UnitHouse, UnitApartment, UnitShop, UnitCommercial:
		return true
	}
	return false
}

// UnitCategory is the zoning category of a unit.
type UnitCategory string

const (
	CategoryResidential UnitCategory = "residential"
	CategoryCommercial  UnitCategory = "commercial"
)

// Inventory is one sellable unit.
// HoldID, HeldBy and HoldExpiresAt are set iff Status is held.
type Inventory struct {
	ID             InventoryID
	Code           string // INV-0001, immutable once assigned
	ProjectID      ProjectID
	PhaseBlockID   string // optional
	UnitNumber     string
	UnitType       UnitType
	Category       UnitCategory
	Size           decimal.Decimal // square feet
	Price          decimal.Decimal
	Status         InventoryStatus
	HoldID         HoldID
	HeldBy         ActorID
	HoldExpiresAt  *time.Time
	InvestorLocked bool
	InvestorID     InvestorID // primary investor, optional
	BookedBy       ActorID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// HoldElapsed reports whether the unit carries a hold whose expiry is at or
// before now.
func (inv Inventory) HoldElapsed(now time.Time) bool {
	return inv.Status == InventoryHeld && inv.HoldExpiresAt != nil && !now.Before(*inv.HoldExpiresAt)
}

// clearHold returns the unit to available and drops every hold field.
func (inv *Inventory) clearHold() {
	inv.Status = InventoryAvailable
	inv.HoldID = ""
	inv.HeldBy = ""
	inv.HoldExpiresAt = nil
}

// =============================================================================
// BUILDERS AND PROJECTS - read by the capacity check
// =============================================================================

type RecordStatus string

const (
	StatusActive   RecordStatus = "active"
	StatusInactive RecordStatus = "inactive"
)

// Builder is a developer that owns projects.
type Builder struct {
	ID          BuilderID
	Code        string
	Name        string
	MaxProjects int
	Status      RecordStatus
	CreatedAt   time.Time
}

// Project groups units under one builder.
// UnitCapacity caps concurrently active bookings; zero means unlimited.
type Project struct {
	ID           ProjectID
	Code         string
	BuilderID    BuilderID
	Name         string
	Location     string
	UnitCapacity int
	Status       RecordStatus
	CreatedAt    time.Time
}

// =============================================================================
// INVESTORS
// =============================================================================

type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "active"
	AssignmentRevoked AssignmentStatus = "revoked"
)

// InvestorAssignment is a fractional share of a unit.
// The active shares of one unit never sum past 100.
type InvestorAssignment struct {
	ID              AssignmentID
	InvestorID      InvestorID
	InventoryID     InventoryID
	Share           decimal.Decimal // percent, 0 < share <= 100
	ConsentRequired bool
	Status          AssignmentStatus
	AssignedBy      ActorID
	CreatedAt       time.Time
	RevokedAt       *time.Time
}

// Consent is an investor's decision for one booking attempt.
// Unique per (HoldID, InvestorID); a later decision replaces an earlier one.
type Consent struct {
	HoldID      HoldID
	InventoryID InventoryID
	InvestorID  InvestorID
	Approved    bool
	RecordedBy  ActorID
	RecordedAt  time.Time
}

// =============================================================================
// BOOKINGS
// =============================================================================

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingConfirmed      BookingStatus = "confirmed"
	BookingActive         BookingStatus = "active"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingTransferredOut BookingStatus = "transferred_out"
)

// IsActive reports whether the status occupies the unit.
func (s BookingStatus) IsActive() bool {
	return s == BookingConfirmed || s == BookingActive
}

// IsTerminal reports whether no further transitions are allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled || s == BookingTransferredOut
}

type BookingType string

const (
	BookingSale        BookingType = "sale"
	BookingInstallment BookingType = "installment"
)

// Booking is a customer's claim on a unit.
type Booking struct {
	ID                 BookingID
	Code               string
	InventoryID        InventoryID
	ProjectID          ProjectID
	CustomerID         CustomerID
	Amount             decimal.Decimal
	Fees               decimal.Decimal // transfer fees added after confirmation
	Status             BookingStatus
	Type               BookingType
	HoldID             HoldID
	BookedBy           ActorID
	ApprovedBy         ActorID
	CancelledBy        ActorID
	CancellationReason string
	CancelledAt        *time.Time
	Remarks            string
	BookedAt           time.Time
	UpdatedAt          time.Time
	Version            int64
}

// Obligation is the total the customer owes: price plus accumulated fees.
func (b Booking) Obligation() decimal.Decimal {
	return b.Amount.Add(b.Fees)
}

// =============================================================================
// INSTALLMENTS AND PAYMENTS
// =============================================================================

// DueStatus is derived from amount, paid amount and due date.
type DueStatus string

const (
	DuePending DueStatus = "pending"
	DuePartial DueStatus = "partial"
	DuePaid    DueStatus = "paid"
	DueOverdue DueStatus = "overdue"
	DueVoid    DueStatus = "void"
)

type InstallmentKind string

const (
	InstallmentPrincipal InstallmentKind = "principal"
	InstallmentFee       InstallmentKind = "fee"
)

// Installment is one scheduled payment. Paid never exceeds Amount.
type Installment struct {
	ID         InstallmentID
	Code       string
	BookingID  BookingID
	Sequence   int
	Kind       InstallmentKind
	DueDate    time.Time
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	Status     DueStatus
	PaidDate   *time.Time
	Version    int64
}

// Balance is what remains to be paid.
func (i Installment) Balance() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCheque       PaymentMethod = "cheque"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOnline       PaymentMethod = "online"
)

func (m PaymentMethod) valid() bool {
	switch m {
	case MethodCash, MethodCheque, MethodBankTransfer, MethodOnline:
		return true
	}
	return false
}

// Payment is money received against a booking.
type Payment struct {
	ID              PaymentID
	Code            string
	BookingID       BookingID
	CustomerID      CustomerID
	Amount          decimal.Decimal
	Method          PaymentMethod
	ReceivedOn      time.Time
	ReferenceNumber string
	ChequeNumber    string
	BankName        string
	Status          string // "received"
	RecordedBy      ActorID
	Allocations     []Allocation
	CreatedAt       time.Time
}

// Allocation is the part of a payment applied to one installment.
type Allocation struct {
	InstallmentID InstallmentID   `json:"installment_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApproved TransferStatus = "approved"
	TransferRejected TransferStatus = "rejected"
)

// Transfer moves a booking from one customer to another.
type Transfer struct {
	ID             TransferID
	Code           string
	BookingID      BookingID
	InventoryID    InventoryID
	FromCustomer   CustomerID
	ToCustomer     CustomerID
	Fee            decimal.Decimal
	Status         TransferStatus
	RequestedBy    ActorID
	DecidedBy      ActorID
	DecidedAt      *time.Time
	Remarks        string
	BookingVersion int64
	CreatedAt      time.Time
}
