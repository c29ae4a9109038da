package settlement

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"creditnet/crypto"
)

const (
	// EventTypeFinalized marks a completed settlement.
	EventTypeFinalized = "settlement.finalized"
	// EventTypeRateUpdated marks an admin fee-rate change.
	EventTypeRateUpdated = "settlement.rate_updated"
	// EventTypeRestoreFailed marks a reservation that could not be restored
	// after an aborted settlement and needs operator reconciliation.
	EventTypeRestoreFailed = "settlement.restore_failed"
	// EventTypeGuaranteeSkipped marks a guarantee lock that failed after the
	// settlement itself completed.
	EventTypeGuaranteeSkipped = "settlement.guarantee_skipped"
)

type finalizedEvent struct {
	borrowHash [32]byte
	borrower   crypto.Address
	asset      string
	amount     *big.Int
	fee        *big.Int
	lendCount  int
}

func (finalizedEvent) EventType() string { return EventTypeFinalized }

func (e finalizedEvent) Attributes() map[string]string {
	return map[string]string{
		"borrowHash": hex.EncodeToString(e.borrowHash[:]),
		"borrower":   e.borrower.String(),
		"asset":      e.asset,
		"amount":     e.amount.String(),
		"fee":        e.fee.String(),
		"lendCount":  strconv.Itoa(e.lendCount),
	}
}

type rateUpdatedEvent struct {
	asset string
	bps   uint64
}

func (rateUpdatedEvent) EventType() string { return EventTypeRateUpdated }

func (e rateUpdatedEvent) Attributes() map[string]string {
	return map[string]string{
		"asset": e.asset,
		"bps":   strconv.FormatUint(e.bps, 10),
	}
}

type restoreFailedEvent struct {
	hash [32]byte
	err  error
}

func (restoreFailedEvent) EventType() string { return EventTypeRestoreFailed }

func (e restoreFailedEvent) Attributes() map[string]string {
	return map[string]string{
		"intentHash": hex.EncodeToString(e.hash[:]),
		"error":      e.err.Error(),
	}
}

type guaranteeSkippedEvent struct {
	borrower crypto.Address
	lender   crypto.Address
	err      error
}

func (guaranteeSkippedEvent) EventType() string { return EventTypeGuaranteeSkipped }

func (e guaranteeSkippedEvent) Attributes() map[string]string {
	return map[string]string{
		"borrower": e.borrower.String(),
		"lender":   e.lender.String(),
		"error":    e.err.Error(),
	}
}
