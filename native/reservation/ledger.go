package reservation

import (
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"creditnet/core/events"
	"creditnet/crypto"
	nativecommon "creditnet/native/common"
)

const moduleName = "reservation"

var (
	// ErrNoSuchReservation is returned when no live reservation exists for
	// the intent hash. A consumed or cancelled reservation fails the same
	// way: the record is gone.
	ErrNoSuchReservation = errors.New("reservation ledger: no live reservation for hash")
	// ErrOwnerMismatch is returned when the caller is not the reservation's
	// owner.
	ErrOwnerMismatch = errors.New("reservation ledger: owner mismatch")
	// ErrDuplicateReservation is returned when a reservation already exists
	// for the intent hash.
	ErrDuplicateReservation = errors.New("reservation ledger: reservation already exists for hash")
	// ErrInsufficientUnreserved is returned when a withdrawal would dip into
	// custody still backing live reservations.
	ErrInsufficientUnreserved = errors.New("reservation ledger: withdrawal exceeds unreserved custody")

	errNilState      = errors.New("reservation ledger: state not configured")
	errNilFunds      = errors.New("reservation ledger: funds port not configured")
	errInvalidAmount = errors.New("reservation ledger: amount must be positive")
	errZeroAddress   = errors.New("reservation ledger: zero address")
	errEmptyAsset    = errors.New("reservation ledger: asset symbol required")
)

type ledgerState interface {
	ReservationGet(hash [32]byte) (*Reservation, bool, error)
	ReservationPut(*Reservation) error
	ReservationDelete(hash [32]byte) error
	PoolGet(asset string) (*Pool, error)
	PoolPut(*Pool) error
}

// Ledger holds funds earmarked by lender intents until consumed or cancelled.
// Custody is transferred through the funds port into a dedicated pool address;
// the ledger maintains the invariant that the sum of live reservations per
// asset never exceeds the pool's custody for that asset, checked on every
// write path.
type Ledger struct {
	state    ledgerState
	funds    nativecommon.FundsPort
	poolAddr crypto.Address
	guard    *nativecommon.KeyedGuard
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	nowFn    func() int64
}

// NewLedger constructs a reservation ledger custodied at poolAddr.
func NewLedger(poolAddr crypto.Address) *Ledger {
	return &Ledger{
		poolAddr: poolAddr,
		guard:    nativecommon.NewKeyedGuard(),
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the ledger to the persistence layer.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetFundsPort wires the external custody transfer capability.
func (l *Ledger) SetFundsPort(funds nativecommon.FundsPort) { l.funds = funds }

// SetPauses configures the pause view consulted before mutations.
func (l *Ledger) SetPauses(p nativecommon.PauseView) {
	if l == nil {
		return
	}
	l.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil || now == nil {
		return
	}
	l.nowFn = now
}

// PoolAddress returns the custody address of the reservation pool.
func (l *Ledger) PoolAddress() crypto.Address { return l.poolAddr }

func hashKey(hash [32]byte) string {
	return "res:" + hex.EncodeToString(hash[:])
}

func poolKey(asset string) string {
	return "pool:" + NormalizeAsset(asset)
}

// Reserve earmarks amount of asset from owner against the lend intent hash.
// Custody moves from the owner into the pool address as part of the call; on
// any later failure the transfer is compensated so no partial state survives.
func (l *Ledger) Reserve(owner crypto.Address, asset string, amount *big.Int, intentHash [32]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.funds == nil {
		return errNilFunds
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if owner.IsZero() {
		return errZeroAddress
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return errEmptyAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	keys := []string{hashKey(intentHash), poolKey(normalized)}
	if err := l.guard.AcquireAll(keys); err != nil {
		return err
	}
	defer l.guard.Release(keys...)

	if _, exists, err := l.state.ReservationGet(intentHash); err != nil {
		return err
	} else if exists {
		return ErrDuplicateReservation
	}

	if err := l.funds.Transfer(owner, l.poolAddr, normalized, amount); err != nil {
		return err
	}

	pool, err := l.loadPool(normalized)
	if err != nil {
		l.compensate(owner, normalized, amount)
		return err
	}
	pool.Custody = new(big.Int).Add(pool.Custody, amount)
	pool.Reserved = new(big.Int).Add(pool.Reserved, amount)

	res := &Reservation{
		IntentHash: intentHash,
		Owner:      owner,
		Asset:      normalized,
		Amount:     new(big.Int).Set(amount),
		CreatedAt:  l.nowFn(),
	}
	if err := l.state.ReservationPut(res); err != nil {
		l.compensate(owner, normalized, amount)
		return err
	}
	if err := l.state.PoolPut(pool); err != nil {
		_ = l.state.ReservationDelete(intentHash)
		l.compensate(owner, normalized, amount)
		return err
	}

	l.emit(CreatedEvent{Reservation: res})
	return nil
}

// Cancel destroys the reservation and returns custody to its owner. Only the
// owner may cancel; a second cancel for the same hash fails with
// ErrNoSuchReservation.
func (l *Ledger) Cancel(intentHash [32]byte, caller crypto.Address) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.funds == nil {
		return errNilFunds
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}

	res, exists, err := l.state.ReservationGet(intentHash)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchReservation
	}

	keys := []string{hashKey(intentHash), poolKey(res.Asset)}
	if err := l.guard.AcquireAll(keys); err != nil {
		return err
	}
	defer l.guard.Release(keys...)

	// Re-read under the guard; a concurrent consume may have won.
	res, exists, err = l.state.ReservationGet(intentHash)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchReservation
	}
	if res.Owner != caller {
		return ErrOwnerMismatch
	}

	pool, err := l.loadPool(res.Asset)
	if err != nil {
		return err
	}
	pool.Custody = new(big.Int).Sub(pool.Custody, res.Amount)
	pool.Reserved = new(big.Int).Sub(pool.Reserved, res.Amount)
	if pool.Reserved.Sign() < 0 || pool.Custody.Cmp(pool.Reserved) < 0 {
		return ErrInsufficientUnreserved
	}

	if err := l.state.ReservationDelete(intentHash); err != nil {
		return err
	}
	if err := l.state.PoolPut(pool); err != nil {
		return err
	}
	if err := l.funds.Transfer(l.poolAddr, res.Owner, res.Asset, res.Amount); err != nil {
		return err
	}

	l.emit(CancelledEvent{Reservation: res})
	return nil
}

// Consume destroys the reservation and releases its amount for settlement.
// The record is deleted on first consumption, so a replay for the same hash
// fails loudly with ErrNoSuchReservation instead of double-spending. Custody
// stays in the pool until the settlement engine withdraws it.
func (l *Ledger) Consume(intentHash [32]byte, expectedOwner crypto.Address) (crypto.Address, string, *big.Int, error) {
	if l == nil || l.state == nil {
		return crypto.Address{}, "", nil, errNilState
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return crypto.Address{}, "", nil, err
	}

	res, exists, err := l.state.ReservationGet(intentHash)
	if err != nil {
		return crypto.Address{}, "", nil, err
	}
	if !exists {
		return crypto.Address{}, "", nil, ErrNoSuchReservation
	}

	keys := []string{hashKey(intentHash), poolKey(res.Asset)}
	if err := l.guard.AcquireAll(keys); err != nil {
		return crypto.Address{}, "", nil, err
	}
	defer l.guard.Release(keys...)

	res, exists, err = l.state.ReservationGet(intentHash)
	if err != nil {
		return crypto.Address{}, "", nil, err
	}
	if !exists {
		return crypto.Address{}, "", nil, ErrNoSuchReservation
	}
	if res.Owner != expectedOwner {
		return crypto.Address{}, "", nil, ErrOwnerMismatch
	}

	pool, err := l.loadPool(res.Asset)
	if err != nil {
		return crypto.Address{}, "", nil, err
	}
	pool.Reserved = new(big.Int).Sub(pool.Reserved, res.Amount)
	if pool.Reserved.Sign() < 0 {
		return crypto.Address{}, "", nil, ErrInsufficientUnreserved
	}

	if err := l.state.ReservationDelete(intentHash); err != nil {
		return crypto.Address{}, "", nil, err
	}
	if err := l.state.PoolPut(pool); err != nil {
		return crypto.Address{}, "", nil, err
	}

	l.emit(ConsumedEvent{Reservation: res})
	return res.Owner, res.Asset, new(big.Int).Set(res.Amount), nil
}

// Restore re-materialises a reservation that was consumed within an aborted
// settlement so the abort leaves no observable trace. It must only be called
// by the settlement engine while it still holds the intent guard.
func (l *Ledger) Restore(res *Reservation) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if res == nil {
		return errInvalidAmount
	}
	normalized := NormalizeAsset(res.Asset)
	key := poolKey(normalized)
	if err := l.guard.Acquire(key); err != nil {
		return err
	}
	defer l.guard.Release(key)

	pool, err := l.loadPool(normalized)
	if err != nil {
		return err
	}
	pool.Reserved = new(big.Int).Add(pool.Reserved, res.Amount)
	if pool.Custody.Cmp(pool.Reserved) < 0 {
		return ErrInsufficientUnreserved
	}
	if err := l.state.ReservationPut(res.Clone()); err != nil {
		return err
	}
	return l.state.PoolPut(pool)
}

// Payout names one recipient of a settlement disbursement.
type Payout struct {
	To     crypto.Address
	Amount *big.Int
}

// Withdraw pays out unreserved custody to a settlement recipient. It fails
// when the payout would dip below the sum of live reservations, which is how
// the conservation invariant is enforced on the disbursement path.
func (l *Ledger) Withdraw(asset string, to crypto.Address, amount *big.Int) error {
	return l.Disburse(asset, []Payout{{To: to, Amount: amount}})
}

// Disburse pays out unreserved custody to several recipients as a unit:
// either every transfer lands or custody is left exactly as found. A transfer
// failure mid-batch compensates the transfers already made before returning.
func (l *Ledger) Disburse(asset string, payouts []Payout) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.funds == nil {
		return errNilFunds
	}
	if len(payouts) == 0 {
		return errInvalidAmount
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return errEmptyAsset
	}
	sum := big.NewInt(0)
	for _, p := range payouts {
		if p.To.IsZero() {
			return errZeroAddress
		}
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return errInvalidAmount
		}
		sum.Add(sum, p.Amount)
	}

	key := poolKey(normalized)
	if err := l.guard.Acquire(key); err != nil {
		return err
	}
	defer l.guard.Release(key)

	pool, err := l.loadPool(normalized)
	if err != nil {
		return err
	}
	unreserved := new(big.Int).Sub(pool.Custody, pool.Reserved)
	if unreserved.Cmp(sum) < 0 {
		return ErrInsufficientUnreserved
	}
	custodyBefore := pool.Custody
	pool.Custody = new(big.Int).Sub(pool.Custody, sum)

	if err := l.state.PoolPut(pool); err != nil {
		return err
	}
	for i, p := range payouts {
		if err := l.funds.Transfer(l.poolAddr, p.To, normalized, p.Amount); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = l.funds.Transfer(payouts[j].To, l.poolAddr, normalized, payouts[j].Amount)
			}
			pool.Custody = custodyBefore
			if perr := l.state.PoolPut(pool); perr != nil {
				return perr
			}
			return err
		}
	}

	for _, p := range payouts {
		l.emit(WithdrawnEvent{Asset: normalized, To: p.To, Amount: new(big.Int).Set(p.Amount)})
	}
	return nil
}

// Get returns the live reservation for the hash, if any. Pure read.
func (l *Ledger) Get(intentHash [32]byte) (*Reservation, bool, error) {
	if l == nil || l.state == nil {
		return nil, false, errNilState
	}
	res, ok, err := l.state.ReservationGet(intentHash)
	if err != nil || !ok {
		return nil, false, err
	}
	return res.Clone(), true, nil
}

// PoolBalances returns the custody and reserved totals for an asset. Pure
// read.
func (l *Ledger) PoolBalances(asset string) (custody, reserved *big.Int, err error) {
	if l == nil || l.state == nil {
		return nil, nil, errNilState
	}
	pool, err := l.loadPool(NormalizeAsset(asset))
	if err != nil {
		return nil, nil, err
	}
	return pool.Custody, pool.Reserved, nil
}

func (l *Ledger) loadPool(asset string) (*Pool, error) {
	pool, err := l.state.PoolGet(asset)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &Pool{Asset: asset}
	}
	if pool.Custody == nil {
		pool.Custody = big.NewInt(0)
	}
	if pool.Reserved == nil {
		pool.Reserved = big.NewInt(0)
	}
	return pool, nil
}

// compensate returns custody to the owner after a failed reserve. A failing
// compensation transfer has no further recourse here; the funds port is the
// system of record for custody and surfaces the discrepancy.
func (l *Ledger) compensate(owner crypto.Address, asset string, amount *big.Int) {
	_ = l.funds.Transfer(l.poolAddr, owner, asset, amount)
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}
