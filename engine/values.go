package engine

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE CONSTRUCTORS - reject invalid input before it reaches a transaction
// =============================================================================

var hundred = decimal.NewFromInt(100)

// NewPrice parses a strictly positive money amount.
func NewPrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, invalid("price", "%q is not a number", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, invalid("price", "must be positive, got %s", d)
	}
	if !d.Equal(d.Truncate(MaxScale)) {
		return decimal.Zero, invalid("price", "%s has more than %d decimal places", d, MaxScale)
	}
	return d, nil
}

// NewShare validates an investor percentage share: 0 < share <= 100.
func NewShare(share decimal.Decimal) (decimal.Decimal, error) {
	if !share.IsPositive() || share.GreaterThan(hundred) {
		return decimal.Zero, invalid("share", "must be in (0, 100], got %s", share)
	}
	return share, nil
}

// UnitInput describes a unit to register under a project.
type UnitInput struct {
	ProjectID    ProjectID
	PhaseBlockID string
	UnitNumber   string
	UnitType     UnitType
	Category     UnitCategory
	Size         decimal.Decimal
	Price        decimal.Decimal
}

// NewUnitInput validates and normalizes a unit definition.
func NewUnitInput(in UnitInput) (UnitInput, error) {
	in.UnitNumber = strings.TrimSpace(in.UnitNumber)
	if in.ProjectID == "" {
		return in, invalid("project_id", "required")
	}
	if in.UnitNumber == "" {
		return in, invalid("unit_number", "required")
	}
	if in.UnitType == "" {
		in.UnitType = UnitPlot
	}
	if !in.UnitType.valid() {
		return in, invalid("unit_type", "unknown type %q", in.UnitType)
	}
	if in.Category == "" {
		in.Category = CategoryResidential
	}
	if in.Category != CategoryResidential && in.Category != CategoryCommercial {
		return in, invalid("category", "unknown category %q", in.Category)
	}
	if in.Size.IsNegative() {
		return in, invalid("size", "must not be negative")
	}
	if !in.Price.IsPositive() {
		return in, invalid("price", "must be positive, got %s", in.Price)
	}
	return in, nil
}

// AssignmentInput describes a fractional share for one investor.
// ConsentRequired defaults to true when nil.
type AssignmentInput struct {
	InventoryID     InventoryID
	InvestorID      InvestorID
	Share           decimal.Decimal
	ConsentRequired *bool
}

// ConsentInput records one investor's decision on the current attempt.
type ConsentInput struct {
	InventoryID InventoryID
	HoldID      HoldID
	InvestorID  InvestorID
	Approved    bool
}

// BookingRequest converts a hold into a booking.
type BookingRequest struct {
	InventoryID InventoryID
	HoldID      HoldID
	CustomerID  CustomerID
	Amount      decimal.Decimal
	Type        BookingType
	Plan        PlanSpec
	Remarks     string
}

func (r BookingRequest) validate() error {
	if r.InventoryID == "" {
		return invalid("inventory_id", "required")
	}
	if r.HoldID == "" {
		return invalid("hold_id", "required")
	}
	if r.CustomerID == "" {
		return invalid("customer_id", "required")
	}
	if !r.Amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", r.Amount)
	}
	switch r.Type {
	case "", BookingSale, BookingInstallment:
	default:
		return invalid("booking_type", "unknown type %q", r.Type)
	}
	return nil
}

// PaymentInput is money received against a booking.
type PaymentInput struct {
	BookingID       BookingID
	Amount          decimal.Decimal
	Method          PaymentMethod
	ReceivedOn      time.Time // zero means today
	ReferenceNumber string
	ChequeNumber    string
	BankName        string
}

// NewPaymentInput validates a payment before it is applied.
func NewPaymentInput(in PaymentInput) (PaymentInput, error) {
	if in.BookingID == "" {
		return in, invalid("booking_id", "required")
	}
	if !in.Amount.IsPositive() {
		return in, invalid("amount", "must be positive, got %s", in.Amount)
	}
	if in.Method == "" {
		in.Method = MethodCash
	}
	if !in.Method.valid() {
		return in, invalid("payment_method", "unknown method %q", in.Method)
	}
	if in.Method == MethodCheque && strings.TrimSpace(in.ChequeNumber) == "" {
		return in, invalid("cheque_number", "required for cheque payments")
	}
	return in, nil
}

// TransferRequest asks to move a booking to another customer.
type TransferRequest struct {
	BookingID  BookingID
	ToCustomer CustomerID
	Fee        decimal.Decimal
	Remarks    string
}

// BuilderInput registers a builder.
type BuilderInput struct {
	Name        string
	MaxProjects int // zero uses DefaultMaxProjects
}

// ProjectInput registers a project under a builder.
type ProjectInput struct {
	BuilderID    BuilderID
	Name         string
	Location     string
	UnitCapacity int
}
