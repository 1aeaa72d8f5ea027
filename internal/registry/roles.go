package registry

import (
	"github.com/ethereum/go-ethereum/common"
)

// Role is a closed set; no role inherits another's capabilities.
type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleBroadcaster Role = "BROADCASTER"
	RoleRecovery    Role = "RECOVERY"
)

// Operation names a mutating or reading entry point for capability checks.
type Operation string

const (
	OpRequest       Operation = "request"
	OpCancel        Operation = "cancel"
	OpApproveSign   Operation = "approve-sign"
	OpBroadcast     Operation = "broadcast"
	OpAdminChains   Operation = "admin-chains"
	OpEmergency     Operation = "emergency"
	OpReadLedger    Operation = "read-ledger"
)

// capabilities is the closed role/operation matrix. Checked as the first
// step of every mutating entry point.
var capabilities = map[Role]map[Operation]bool{
	RoleOwner: {
		OpRequest:     true,
		OpCancel:      true,
		OpApproveSign: true,
		OpAdminChains: true,
		OpReadLedger:  true,
	},
	RoleBroadcaster: {
		OpBroadcast:  true,
		OpReadLedger: true,
	},
	RoleRecovery: {
		OpEmergency:  true,
		OpReadLedger: true,
	},
}

// Capability reports whether the role may perform the operation.
func Capability(role Role, op Operation) bool {
	return capabilities[role][op]
}

// Roles maps configured addresses to their single role.
type Roles struct {
	holders map[common.Address]Role
}

// NewRoles builds the registry from the configured role holders.
func NewRoles(owner, broadcaster, recovery common.Address) *Roles {
	return &Roles{holders: map[common.Address]Role{
		owner:       RoleOwner,
		broadcaster: RoleBroadcaster,
		recovery:    RoleRecovery,
	}}
}

// RoleOf returns the caller's role, if any.
func (r *Roles) RoleOf(addr common.Address) (Role, bool) {
	role, ok := r.holders[addr]
	return role, ok
}

// Allowed reports whether the caller holds a role permitting the operation.
func (r *Roles) Allowed(caller common.Address, op Operation) bool {
	role, ok := r.holders[caller]
	if !ok {
		return false
	}
	return Capability(role, op)
}
