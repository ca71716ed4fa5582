package engine

// Role is the caller's role as established by the surrounding service.
// The engine does not authenticate; it only checks what a role may do.
type Role string

const (
	RoleMasterAdmin Role = "MASTER_ADMIN"
	RoleSuperAdmin  Role = "SUPER_ADMIN"
	RoleAdmin       Role = "ADMIN"
	RoleSalesAgent  Role = "SALES_AGENT"
	RoleInvestor    Role = "INVESTOR"
	RoleSystem      Role = "SYSTEM" // background jobs such as the hold sweeper
)

// Actor is who performs an operation. InvestorID is set for investor actors.
type Actor struct {
	ID         ActorID
	Role       Role
	InvestorID InvestorID
}

// SystemActor is used by background reconciliation.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Permission names an engine capability.
type Permission string

const (
	PermManageInventory Permission = "manage_inventory"
	PermPlaceHold       Permission = "place_hold"
	PermCancelHold      Permission = "cancel_hold"
	PermExpireHold      Permission = "expire_hold"
	PermManageInvestors Permission = "manage_investors"
	PermRecordConsent   Permission = "record_consent"
	PermConfirmBooking  Permission = "confirm_booking"
	PermRecordPayment   Permission = "record_payment"
	PermRequestTransfer Permission = "request_transfer"
	PermApproveTransfer Permission = "approve_transfer"
	PermCancelBooking   Permission = "cancel_booking"
)

// Authorizer decides whether an actor holds a permission.
type Authorizer interface {
	Authorize(actor Actor, perm Permission) error
}

// RoleAuthorizer grants permissions by role.
type RoleAuthorizer map[Role][]Permission

// DefaultRoles mirrors the roles of the sales back office: admins do
// everything, agents sell, investors only consent.
func DefaultRoles() RoleAuthorizer {
	all := []Permission{
		PermManageInventory, PermPlaceHold, PermCancelHold, PermExpireHold,
		PermManageInvestors, PermRecordConsent, PermConfirmBooking, PermRecordPayment,
		PermRequestTransfer, PermApproveTransfer, PermCancelBooking,
	}
	return RoleAuthorizer{
		RoleMasterAdmin: all,
		RoleSuperAdmin:  all,
		RoleAdmin:       all,
		RoleSalesAgent: {
			PermPlaceHold, PermConfirmBooking, PermRecordPayment, PermRequestTransfer,
		},
		RoleInvestor: {PermRecordConsent},
		RoleSystem:   {PermExpireHold},
	}
}

func (ra RoleAuthorizer) Authorize(actor Actor, perm Permission) error {
	for _, p := range ra[actor.Role] {
		if p == perm {
			return nil
		}
	}
	return &UnauthorizedError{ActorID: actor.ID, Role: actor.Role, Permission: perm}
}
