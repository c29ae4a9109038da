package debt

import (
	"math/big"

	"creditnet/crypto"
)

const (
	EventTypeBorrowed     = "debt.borrowed"
	EventTypeRepaid       = "debt.repaid"
	EventTypeForceReduced = "debt.force_reduced"
)

// BorrowedEvent is emitted when a new obligation is recorded.
type BorrowedEvent struct {
	User    crypto.Address
	Asset   string
	Amount  *big.Int
	NewDebt *big.Int
}

func (BorrowedEvent) EventType() string { return EventTypeBorrowed }

func (e BorrowedEvent) Attributes() map[string]string {
	return map[string]string{
		"user":    e.User.String(),
		"asset":   e.Asset,
		"amount":  formatAmount(e.Amount),
		"newDebt": formatAmount(e.NewDebt),
	}
}

// RepaidEvent is emitted when debt is reduced by a voluntary repayment.
type RepaidEvent struct {
	User    crypto.Address
	Asset   string
	Amount  *big.Int
	NewDebt *big.Int
}

func (RepaidEvent) EventType() string { return EventTypeRepaid }

func (e RepaidEvent) Attributes() map[string]string {
	return map[string]string{
		"user":    e.User.String(),
		"asset":   e.Asset,
		"amount":  formatAmount(e.Amount),
		"newDebt": formatAmount(e.NewDebt),
	}
}

// ForceReducedEvent is emitted on the liquidation path. Requested carries the
// caller's amount before clamping, Reduced the amount actually applied.
type ForceReducedEvent struct {
	User      crypto.Address
	Asset     string
	Requested *big.Int
	Reduced   *big.Int
	NewDebt   *big.Int
}

func (ForceReducedEvent) EventType() string { return EventTypeForceReduced }

func (e ForceReducedEvent) Attributes() map[string]string {
	return map[string]string{
		"user":      e.User.String(),
		"asset":     e.Asset,
		"requested": formatAmount(e.Requested),
		"reduced":   formatAmount(e.Reduced),
		"newDebt":   formatAmount(e.NewDebt),
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
