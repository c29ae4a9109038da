package common

import (
	"math/big"

	"creditnet/crypto"
)

// FundsPort moves asset custody between participants. Implemented by the
// external balance bookkeeping subsystem; the core only issues transfers and
// never inspects balances through this port.
type FundsPort interface {
	Transfer(from, to crypto.Address, asset string, amount *big.Int) error
}

// CollateralPort exposes a read-only view of a user's posted collateral. The
// settlement core performs sufficiency checks only and never pulls collateral
// itself.
type CollateralPort interface {
	GetCollateralBalance(user crypto.Address, asset string) (*big.Int, error)
}

// CachePushPort is a best-effort notification to a read-optimization layer.
// Errors from implementations are swallowed at the call site; a failed push
// must never fail the economic operation.
type CachePushPort interface {
	PushPositionUpdate(user crypto.Address, asset string, collateral, debt *big.Int) error
}
