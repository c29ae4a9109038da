package reservation

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"creditnet/crypto"
)

const (
	EventTypeCreated   = "reservation.created"
	EventTypeCancelled = "reservation.cancelled"
	EventTypeConsumed  = "reservation.consumed"
	EventTypeWithdrawn = "reservation.withdrawn"
)

// CreatedEvent is emitted when funds are earmarked against a lend intent.
type CreatedEvent struct{ Reservation *Reservation }

func (CreatedEvent) EventType() string { return EventTypeCreated }

func (e CreatedEvent) Attributes() map[string]string { return reservationAttrs(e.Reservation) }

// CancelledEvent is emitted when a reservation is cancelled and custody
// returned to its owner.
type CancelledEvent struct{ Reservation *Reservation }

func (CancelledEvent) EventType() string { return EventTypeCancelled }

func (e CancelledEvent) Attributes() map[string]string { return reservationAttrs(e.Reservation) }

// ConsumedEvent is emitted when a reservation is consumed into a settlement.
type ConsumedEvent struct{ Reservation *Reservation }

func (ConsumedEvent) EventType() string { return EventTypeConsumed }

func (e ConsumedEvent) Attributes() map[string]string { return reservationAttrs(e.Reservation) }

// WithdrawnEvent is emitted when unreserved custody is paid out during
// settlement.
type WithdrawnEvent struct {
	Asset  string
	To     crypto.Address
	Amount *big.Int
}

func (WithdrawnEvent) EventType() string { return EventTypeWithdrawn }

func (e WithdrawnEvent) Attributes() map[string]string {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return map[string]string{
		"asset":  e.Asset,
		"to":     e.To.String(),
		"amount": amount,
	}
}

func reservationAttrs(res *Reservation) map[string]string {
	if res == nil {
		return map[string]string{}
	}
	amount := "0"
	if res.Amount != nil {
		amount = res.Amount.String()
	}
	return map[string]string{
		"intentHash": hex.EncodeToString(res.IntentHash[:]),
		"owner":      res.Owner.String(),
		"asset":      res.Asset,
		"amount":     amount,
		"createdAt":  strconv.FormatInt(res.CreatedAt, 10),
	}
}
