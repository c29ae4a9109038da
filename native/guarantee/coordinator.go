package guarantee

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"creditnet/core/events"
	"creditnet/crypto"
)

var (
	// ErrNoSuchGuarantee is returned when a settlement or default call
	// references a borrower/asset pair with no locked guarantee.
	ErrNoSuchGuarantee = errors.New("guarantee: no locked guarantee")

	errInvalidPrincipal = errors.New("guarantee: principal must be positive")
	errZeroParty        = errors.New("guarantee: zero party address")
)

// Settlement is the breakdown a coordinator returns when a loan is repaid
// ahead of term.
type Settlement struct {
	PenaltyToLender    *big.Int
	RefundToBorrower   *big.Int
	PlatformFee        *big.Int
	ActualInterestPaid *big.Int
}

// Coordinator is the downstream interest-guarantee escrow. The settlement
// core locks a guarantee when a loan is opened and notifies the coordinator
// on early repayment or default; the proportional-forfeiture math lives
// entirely behind this interface.
type Coordinator interface {
	Lock(borrower, lender crypto.Address, asset string, principal, promisedInterest *big.Int, termDays uint32) (string, error)
	SettleEarlyRepayment(borrower crypto.Address, asset string, actualRepayAmount *big.Int) (*Settlement, error)
	ProcessDefault(borrower crypto.Address, asset string) (*big.Int, error)
}

// NoopCoordinator accepts every lock and reports empty settlements. It is the
// stand-in used when no guarantee escrow is deployed.
type NoopCoordinator struct{}

// Lock implements the Coordinator interface.
func (NoopCoordinator) Lock(borrower, lender crypto.Address, asset string, principal, promisedInterest *big.Int, termDays uint32) (string, error) {
	return uuid.NewString(), nil
}

// SettleEarlyRepayment implements the Coordinator interface.
func (NoopCoordinator) SettleEarlyRepayment(crypto.Address, string, *big.Int) (*Settlement, error) {
	zero := big.NewInt(0)
	return &Settlement{
		PenaltyToLender:    zero,
		RefundToBorrower:   zero,
		PlatformFee:        zero,
		ActualInterestPaid: zero,
	}, nil
}

// ProcessDefault implements the Coordinator interface.
func (NoopCoordinator) ProcessDefault(crypto.Address, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

type lockRecord struct {
	id               string
	borrower, lender crypto.Address
	asset            string
	principal        *big.Int
	promisedInterest *big.Int
	termDays         uint32
}

// MemoryCoordinator keeps locked guarantees in process memory and emits
// lifecycle events. It performs no forfeiture math of its own: early
// repayment releases the full promised interest back to the borrower and a
// default forfeits it to the lender in full. Deployments that need the
// graduated schedules plug in their own Coordinator.
type MemoryCoordinator struct {
	mu      sync.Mutex
	locks   map[string][]*lockRecord
	emitter events.Emitter
}

// NewMemoryCoordinator constructs an empty coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		locks:   make(map[string][]*lockRecord),
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter overrides the event sink.
func (c *MemoryCoordinator) SetEmitter(emitter events.Emitter) {
	if c == nil || emitter == nil {
		return
	}
	c.mu.Lock()
	c.emitter = emitter
	c.mu.Unlock()
}

func guaranteeKey(borrower crypto.Address, asset string) string {
	return string(borrower.Bytes()) + "/" + asset
}

// Lock implements the Coordinator interface.
func (c *MemoryCoordinator) Lock(borrower, lender crypto.Address, asset string, principal, promisedInterest *big.Int, termDays uint32) (string, error) {
	if borrower.IsZero() || lender.IsZero() {
		return "", errZeroParty
	}
	if principal == nil || principal.Sign() <= 0 {
		return "", errInvalidPrincipal
	}
	interest := big.NewInt(0)
	if promisedInterest != nil {
		interest = new(big.Int).Set(promisedInterest)
	}
	rec := &lockRecord{
		id:               uuid.NewString(),
		borrower:         borrower,
		lender:           lender,
		asset:            asset,
		principal:        new(big.Int).Set(principal),
		promisedInterest: interest,
		termDays:         termDays,
	}
	key := guaranteeKey(borrower, asset)
	c.mu.Lock()
	c.locks[key] = append(c.locks[key], rec)
	emitter := c.emitter
	c.mu.Unlock()
	emitter.Emit(lockedEvent{id: rec.id, borrower: borrower, lender: lender, asset: asset, principal: rec.principal})
	return rec.id, nil
}

// SettleEarlyRepayment implements the Coordinator interface. All locks for
// the borrower/asset pair are released; the promised interest is refunded.
func (c *MemoryCoordinator) SettleEarlyRepayment(borrower crypto.Address, asset string, actualRepayAmount *big.Int) (*Settlement, error) {
	recs, err := c.take(borrower, asset)
	if err != nil {
		return nil, err
	}
	refund := big.NewInt(0)
	for _, rec := range recs {
		refund.Add(refund, rec.promisedInterest)
	}
	settlement := &Settlement{
		PenaltyToLender:    big.NewInt(0),
		RefundToBorrower:   refund,
		PlatformFee:        big.NewInt(0),
		ActualInterestPaid: big.NewInt(0),
	}
	c.emit(releasedEvent{borrower: borrower, asset: asset, refund: refund})
	return settlement, nil
}

// ProcessDefault implements the Coordinator interface. The promised interest
// of every lock for the pair is forfeited to the lenders.
func (c *MemoryCoordinator) ProcessDefault(borrower crypto.Address, asset string) (*big.Int, error) {
	recs, err := c.take(borrower, asset)
	if err != nil {
		return nil, err
	}
	forfeited := big.NewInt(0)
	for _, rec := range recs {
		forfeited.Add(forfeited, rec.promisedInterest)
	}
	c.emit(forfeitedEvent{borrower: borrower, asset: asset, forfeited: forfeited})
	return forfeited, nil
}

// LockedCount reports how many guarantees are live for the pair.
func (c *MemoryCoordinator) LockedCount(borrower crypto.Address, asset string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks[guaranteeKey(borrower, asset)])
}

func (c *MemoryCoordinator) take(borrower crypto.Address, asset string) ([]*lockRecord, error) {
	key := guaranteeKey(borrower, asset)
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.locks[key]
	if len(recs) == 0 {
		return nil, ErrNoSuchGuarantee
	}
	delete(c.locks, key)
	return recs, nil
}

func (c *MemoryCoordinator) emit(evt events.Event) {
	c.mu.Lock()
	emitter := c.emitter
	c.mu.Unlock()
	emitter.Emit(evt)
}
