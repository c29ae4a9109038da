package guarantee

import (
	"math/big"

	"creditnet/crypto"
)

const (
	// EventTypeLocked marks a guarantee escrow being locked for a new loan.
	EventTypeLocked = "guarantee.locked"
	// EventTypeReleased marks an early repayment releasing the escrow.
	EventTypeReleased = "guarantee.released"
	// EventTypeForfeited marks a default forfeiting the escrow.
	EventTypeForfeited = "guarantee.forfeited"
)

type lockedEvent struct {
	id               string
	borrower, lender crypto.Address
	asset            string
	principal        *big.Int
}

func (lockedEvent) EventType() string { return EventTypeLocked }

func (e lockedEvent) Attributes() map[string]string {
	return map[string]string{
		"id":        e.id,
		"borrower":  e.borrower.String(),
		"lender":    e.lender.String(),
		"asset":     e.asset,
		"principal": e.principal.String(),
	}
}

type releasedEvent struct {
	borrower crypto.Address
	asset    string
	refund   *big.Int
}

func (releasedEvent) EventType() string { return EventTypeReleased }

func (e releasedEvent) Attributes() map[string]string {
	return map[string]string{
		"borrower": e.borrower.String(),
		"asset":    e.asset,
		"refund":   e.refund.String(),
	}
}

type forfeitedEvent struct {
	borrower  crypto.Address
	asset     string
	forfeited *big.Int
}

func (forfeitedEvent) EventType() string { return EventTypeForfeited }

func (e forfeitedEvent) Attributes() map[string]string {
	return map[string]string{
		"borrower":  e.borrower.String(),
		"asset":     e.asset,
		"forfeited": e.forfeited.String(),
	}
}
