package common

import (
	"errors"
	"fmt"

	"creditnet/crypto"
)

// Actions gated by the access-control port. Each maps to exactly one role in
// the table below so authorization checks cannot drift between call sites.
const (
	ActionFinalizeMatch  = "settlement.finalize"
	ActionDebtBorrow     = "debt.borrow"
	ActionDebtRepay      = "debt.repay"
	ActionForceReduce    = "debt.force_reduce"
	ActionSetRate        = "admin.set_rate"
	ActionSetPause       = "admin.set_pause"
	ActionWithdrawFees   = "admin.withdraw_fees"
	ActionRefreshValues  = "debt.refresh_values"
	ActionReserveFunds   = "reservation.reserve"
	ActionCancelReserve  = "reservation.cancel"
	ActionReadPositions  = "ledger.read"
	ActionGuaranteeAdmin = "guarantee.admin"
)

// Role names understood by the access-control port.
const (
	RoleOrchestrator = "ROLE_ORCHESTRATOR"
	RoleLiquidator   = "ROLE_LIQUIDATOR"
	RoleAdmin        = "ROLE_ADMIN"
	RoleMember       = "ROLE_MEMBER"
)

// ErrUnauthorized is returned when the caller lacks the role an action
// requires.
var ErrUnauthorized = errors.New("caller lacks required role")

// AccessControl is the port to the external role service. RequireRole fails
// with an authorization error when the caller does not hold the role bound to
// the action.
type AccessControl interface {
	RequireRole(action string, caller crypto.Address) error
}

// roleTable binds every gated action to the single role allowed to invoke it.
var roleTable = map[string]string{
	ActionFinalizeMatch:  RoleOrchestrator,
	ActionDebtBorrow:     RoleOrchestrator,
	ActionDebtRepay:      RoleOrchestrator,
	ActionForceReduce:    RoleLiquidator,
	ActionSetRate:        RoleAdmin,
	ActionSetPause:       RoleAdmin,
	ActionWithdrawFees:   RoleAdmin,
	ActionRefreshValues:  RoleOrchestrator,
	ActionReserveFunds:   RoleMember,
	ActionCancelReserve:  RoleMember,
	ActionReadPositions:  RoleMember,
	ActionGuaranteeAdmin: RoleAdmin,
}

// RoleForAction resolves the role bound to an action. Unknown actions resolve
// to the admin role so a miswired caller fails closed.
func RoleForAction(action string) string {
	if role, ok := roleTable[action]; ok {
		return role
	}
	return RoleAdmin
}

// StaticRoles is a map-backed AccessControl implementation used by tests and
// single-process deployments where role assignments are configured up front.
type StaticRoles struct {
	grants map[string]map[string]struct{}
}

// NewStaticRoles constructs an empty role table.
func NewStaticRoles() *StaticRoles {
	return &StaticRoles{grants: make(map[string]map[string]struct{})}
}

// Grant assigns a role to the address.
func (s *StaticRoles) Grant(role string, addr crypto.Address) {
	if s.grants[role] == nil {
		s.grants[role] = make(map[string]struct{})
	}
	s.grants[role][string(addr.Bytes())] = struct{}{}
}

// RequireRole implements the AccessControl port.
func (s *StaticRoles) RequireRole(action string, caller crypto.Address) error {
	role := RoleForAction(action)
	if members, ok := s.grants[role]; ok {
		if _, ok := members[string(caller.Bytes())]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: action %s needs %s (caller %s)", ErrUnauthorized, action, role, caller.String())
}
