package settlement

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"creditnet/core/events"
	"creditnet/crypto"
	nativecommon "creditnet/native/common"
	"creditnet/native/debt"
	"creditnet/native/guarantee"
	"creditnet/native/intent"
	"creditnet/native/reservation"
)

const moduleName = "settlement"

// DefaultFeeBps is the protocol fee applied to a matched loan when no
// per-asset rate is configured.
const DefaultFeeBps uint64 = 50

const feeDenominator = 10_000

const daysPerYear = 365

var (
	// ErrInsufficientReservedSum is returned when the consumed lend legs do
	// not cover the borrow amount.
	ErrInsufficientReservedSum = errors.New("settlement: reserved sum below borrow amount")
	// ErrInsufficientCollateral is returned when the borrower's posted
	// collateral is below the amount the intent declares.
	ErrInsufficientCollateral = errors.New("settlement: collateral below declared amount")
	// ErrAssetMismatch is returned when a lend leg offers a different asset
	// than the borrow intent requests.
	ErrAssetMismatch = errors.New("settlement: lend asset differs from borrow asset")
	// ErrLengthMismatch is returned when the lend intents and lender
	// signatures do not pair up.
	ErrLengthMismatch = errors.New("settlement: lend intents and signatures length mismatch")
	// ErrReservationMismatch is returned when the reservation recorded under
	// a lend intent's hash carries a different amount than the intent was
	// signed for. Only the signed amount is ever consumed.
	ErrReservationMismatch = errors.New("settlement: reservation amount differs from signed intent")
	// ErrRateOutOfRange is returned when a fee rate exceeds 100 percent.
	ErrRateOutOfRange = errors.New("settlement: fee rate above denominator")

	errNilValidator    = errors.New("settlement: intent validator not configured")
	errNilReservations = errors.New("settlement: reservation ledger not configured")
	errNilDebts        = errors.New("settlement: debt ledger not configured")
	errNilRateState    = errors.New("settlement: rate state not configured")
	errNoLendIntents   = errors.New("settlement: at least one lend intent required")
	errZeroFeeSink     = errors.New("settlement: fee sink address not configured")
)

type rateState interface {
	FeeRateGet(asset string) (uint64, bool, error)
	FeeRatePut(asset string, bps uint64) error
}

// MatchResult reports what a finalized settlement moved.
type MatchResult struct {
	BorrowHash   [32]byte
	LendHashes   [][32]byte
	Total        *big.Int
	FeeAmount    *big.Int
	NetAmount    *big.Int
	GuaranteeIDs []string
}

// Engine turns a borrow intent and a set of reserved lend intents into one
// atomic settlement: intents are authenticated, reservations consumed, the
// debt position recorded and the proceeds disbursed net of the protocol fee.
type Engine struct {
	validator    *intent.Validator
	reservations *reservation.Ledger
	debts        *debt.Ledger
	rates        rateState

	collateral nativecommon.CollateralPort
	access     nativecommon.AccessControl
	guarantees guarantee.Coordinator
	cache      nativecommon.CachePushPort
	pauses     nativecommon.PauseView

	guard   *nativecommon.KeyedGuard
	emitter events.Emitter
	domain  intent.Domain
	feeSink crypto.Address
	feeBps  uint64
	nowFn   func() int64
}

// NewEngine constructs a settlement engine over the given domain and core
// ledgers. Collateral, access control, guarantees, cache and pause wiring are
// attached through the setters.
func NewEngine(domain intent.Domain, validator *intent.Validator, reservations *reservation.Ledger, debts *debt.Ledger) *Engine {
	return &Engine{
		validator:    validator,
		reservations: reservations,
		debts:        debts,
		guard:        nativecommon.NewKeyedGuard(),
		emitter:      events.NoopEmitter{},
		domain:       domain,
		feeBps:       DefaultFeeBps,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetRateState wires the per-asset fee rate persistence.
func (e *Engine) SetRateState(state rateState) { e.rates = state }

// SetCollateralPort wires the read-only collateral balance source.
func (e *Engine) SetCollateralPort(port nativecommon.CollateralPort) { e.collateral = port }

// SetAccessControl wires the role service gating settlement entry points.
func (e *Engine) SetAccessControl(ac nativecommon.AccessControl) { e.access = ac }

// SetGuaranteeCoordinator wires the optional interest-guarantee escrow.
func (e *Engine) SetGuaranteeCoordinator(c guarantee.Coordinator) { e.guarantees = c }

// SetCachePush wires the optional position cache. Push failures never fail a
// settlement.
func (e *Engine) SetCachePush(cache nativecommon.CachePushPort) { e.cache = cache }

// SetPauses wires the pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter overrides the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.emitter = emitter
}

// SetFeeSink configures the address protocol fees are disbursed to.
func (e *Engine) SetFeeSink(sink crypto.Address) { e.feeSink = sink }

// SetDefaultFeeBps overrides the fee applied to assets without a configured
// rate.
func (e *Engine) SetDefaultFeeBps(bps uint64) error {
	if e == nil {
		return errNilDebts
	}
	if bps > feeDenominator {
		return ErrRateOutOfRange
	}
	e.feeBps = bps
	return nil
}

// SetNowFunc overrides the time source for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// Domain returns the intent-hash domain the engine settles under.
func (e *Engine) Domain() intent.Domain { return e.domain }

// SetRateBps stores the protocol fee rate for an asset. Admin gated.
func (e *Engine) SetRateBps(caller crypto.Address, asset string, bps uint64) error {
	if e == nil || e.rates == nil {
		return errNilRateState
	}
	if err := e.requireRole(nativecommon.ActionSetRate, caller); err != nil {
		return err
	}
	if bps > feeDenominator {
		return ErrRateOutOfRange
	}
	asset = intent.NormalizeAsset(asset)
	if err := e.rates.FeeRatePut(asset, bps); err != nil {
		return err
	}
	e.emitter.Emit(rateUpdatedEvent{asset: asset, bps: bps})
	return nil
}

// RateBps returns the fee rate for the asset, falling back to the default
// when none is configured.
func (e *Engine) RateBps(asset string) (uint64, error) {
	if e == nil {
		return 0, errNilDebts
	}
	if e.rates == nil {
		return e.feeBps, nil
	}
	bps, ok, err := e.rates.FeeRateGet(intent.NormalizeAsset(asset))
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.feeBps, nil
	}
	return bps, nil
}

// FinalizeMatch settles a borrow intent against the given lend intents. All
// validation happens before any state is touched; once reservations start
// being consumed the remaining steps cannot fail on their own preconditions,
// and a storage fault mid-way restores the consumed reservations.
func (e *Engine) FinalizeMatch(caller crypto.Address, borrow *intent.BorrowIntent, lends []*intent.LendIntent, sigBorrower []byte, sigLenders [][]byte) (*MatchResult, error) {
	if e == nil || e.validator == nil {
		return nil, errNilValidator
	}
	if e.reservations == nil {
		return nil, errNilReservations
	}
	if e.debts == nil {
		return nil, errNilDebts
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, "debt"); err != nil {
		return nil, err
	}
	if err := e.requireRole(nativecommon.ActionFinalizeMatch, caller); err != nil {
		return nil, err
	}
	if len(lends) == 0 {
		return nil, errNoLendIntents
	}
	if len(lends) != len(sigLenders) {
		return nil, ErrLengthMismatch
	}
	if e.feeSink.IsZero() {
		return nil, errZeroFeeSink
	}

	borrowHash, err := intent.HashBorrow(e.domain, borrow)
	if err != nil {
		return nil, err
	}
	asset := intent.NormalizeAsset(borrow.Asset)

	lendHashes := make([][32]byte, len(lends))
	keys := make([]string, 0, len(lends)+1)
	keys = append(keys, hex.EncodeToString(borrowHash[:]))
	for i, li := range lends {
		h, err := intent.HashLend(e.domain, li)
		if err != nil {
			return nil, fmt.Errorf("lend intent %d: %w", i, err)
		}
		lendHashes[i] = h
		keys = append(keys, hex.EncodeToString(h[:]))
	}
	if err := e.guard.AcquireAll(keys); err != nil {
		return nil, err
	}
	defer e.guard.Release(keys...)

	if err := e.validator.ValidateOpen(borrowHash, borrow.Expiry); err != nil {
		return nil, fmt.Errorf("borrow intent: %w", err)
	}
	if err := e.validator.VerifySignature(borrow.Borrower, borrowHash, sigBorrower); err != nil {
		return nil, fmt.Errorf("borrow intent: %w", err)
	}

	// Read-only pass over every lend leg. Nothing is consumed until all
	// legs, the reserved sum and the collateral check have passed.
	total := big.NewInt(0)
	for i, li := range lends {
		if intent.NormalizeAsset(li.Asset) != asset {
			return nil, fmt.Errorf("lend intent %d: %w", i, ErrAssetMismatch)
		}
		if err := e.validator.ValidateOpen(lendHashes[i], li.Expiry); err != nil {
			return nil, fmt.Errorf("lend intent %d: %w", i, err)
		}
		if err := e.validator.VerifySignature(li.Lender, lendHashes[i], sigLenders[i]); err != nil {
			return nil, fmt.Errorf("lend intent %d: %w", i, err)
		}
		res, ok, err := e.reservations.Get(lendHashes[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("lend intent %d: %w", i, reservation.ErrNoSuchReservation)
		}
		if res.Owner != li.Lender {
			return nil, fmt.Errorf("lend intent %d: %w", i, reservation.ErrOwnerMismatch)
		}
		if intent.NormalizeAsset(res.Asset) != asset {
			return nil, fmt.Errorf("lend intent %d: reservation holds %s: %w", i, res.Asset, ErrAssetMismatch)
		}
		if res.Amount == nil || res.Amount.Cmp(li.Amount) != 0 {
			return nil, fmt.Errorf("lend intent %d: %w", i, ErrReservationMismatch)
		}
		total.Add(total, li.Amount)
	}
	if total.Cmp(borrow.Amount) < 0 {
		return nil, fmt.Errorf("%w: reserved %s, need %s", ErrInsufficientReservedSum, total, borrow.Amount)
	}

	if borrow.HasCollateral() {
		if e.collateral == nil {
			return nil, fmt.Errorf("%w: collateral port not configured", ErrInsufficientCollateral)
		}
		balance, err := e.collateral.GetCollateralBalance(borrow.Borrower, intent.NormalizeAsset(borrow.CollateralAsset))
		if err != nil {
			return nil, fmt.Errorf("collateral balance: %w", err)
		}
		if balance == nil || balance.Cmp(borrow.CollateralAmount) < 0 {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, balance, borrow.CollateralAmount)
		}
	}

	rateBps, err := e.RateBps(asset)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(borrow.Amount, new(big.Int).SetUint64(rateBps))
	fee.Quo(fee, big.NewInt(feeDenominator))
	net := new(big.Int).Sub(borrow.Amount, fee)

	// Mutation phase. Consumed reservations are restored, and the debt write
	// reversed, if a later step fails so the pool is never left holding
	// orphaned custody.
	consumed := make([]*reservation.Reservation, 0, len(lends))
	restore := func() {
		for i := len(consumed) - 1; i >= 0; i-- {
			if rerr := e.reservations.Restore(consumed[i]); rerr != nil {
				e.emitter.Emit(restoreFailedEvent{hash: consumed[i].IntentHash, err: rerr})
			}
		}
	}
	for i, li := range lends {
		owner, resAsset, amount, err := e.reservations.Consume(lendHashes[i], li.Lender)
		if err != nil {
			restore()
			return nil, fmt.Errorf("lend intent %d: %w", i, err)
		}
		consumed = append(consumed, &reservation.Reservation{
			IntentHash: lendHashes[i],
			Owner:      owner,
			Asset:      resAsset,
			Amount:     amount,
			CreatedAt:  e.nowFn(),
		})
	}

	if err := e.debts.Borrow(caller, borrow.Borrower, asset, borrow.Amount); err != nil {
		restore()
		return nil, fmt.Errorf("record debt: %w", err)
	}

	payouts := []reservation.Payout{{To: borrow.Borrower, Amount: net}}
	if fee.Sign() > 0 {
		payouts = append(payouts, reservation.Payout{To: e.feeSink, Amount: fee})
	}
	if err := e.reservations.Disburse(asset, payouts); err != nil {
		if rerr := e.debts.Repay(caller, borrow.Borrower, asset, borrow.Amount); rerr != nil {
			e.emitter.Emit(restoreFailedEvent{hash: borrowHash, err: rerr})
		}
		restore()
		return nil, fmt.Errorf("disburse proceeds: %w", err)
	}

	guaranteeIDs := e.lockGuarantees(borrow, consumed)

	if err := e.validator.MarkMatched(borrowHash); err != nil {
		return nil, fmt.Errorf("mark borrow matched: %w", err)
	}
	for i := range lendHashes {
		if err := e.validator.MarkMatched(lendHashes[i]); err != nil {
			return nil, fmt.Errorf("mark lend %d matched: %w", i, err)
		}
	}

	e.pushCache(borrow)
	e.emitter.Emit(finalizedEvent{
		borrowHash: borrowHash,
		borrower:   borrow.Borrower,
		asset:      asset,
		amount:     borrow.Amount,
		fee:        fee,
		lendCount:  len(lends),
	})
	return &MatchResult{
		BorrowHash:   borrowHash,
		LendHashes:   lendHashes,
		Total:        total,
		FeeAmount:    fee,
		NetAmount:    net,
		GuaranteeIDs: guaranteeIDs,
	}, nil
}

// RepayLoan applies a repayment to the borrower's debt position and, when the
// position reaches zero, settles the interest guarantee early. A missing
// guarantee is not an error.
func (e *Engine) RepayLoan(caller, borrower crypto.Address, asset string, amount *big.Int) (*guarantee.Settlement, error) {
	if e == nil || e.debts == nil {
		return nil, errNilDebts
	}
	asset = intent.NormalizeAsset(asset)
	if err := e.debts.Repay(caller, borrower, asset, amount); err != nil {
		return nil, err
	}
	remaining, err := e.debts.GetDebtByAsset(borrower, asset)
	if err != nil {
		return nil, err
	}
	if remaining.Sign() != 0 || e.guarantees == nil {
		return nil, nil
	}
	settlement, err := e.guarantees.SettleEarlyRepayment(borrower, asset, amount)
	if errors.Is(err, guarantee.ErrNoSuchGuarantee) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settle guarantee: %w", err)
	}
	return settlement, nil
}

// HandleDefault zeroes the borrower's remaining debt through the liquidation
// path and forfeits any locked interest guarantee. Returns the reduced debt
// and the forfeited guarantee amount.
func (e *Engine) HandleDefault(caller, borrower crypto.Address, asset string) (reduced, forfeited *big.Int, err error) {
	if e == nil || e.debts == nil {
		return nil, nil, errNilDebts
	}
	asset = intent.NormalizeAsset(asset)
	remaining, err := e.debts.GetDebtByAsset(borrower, asset)
	if err != nil {
		return nil, nil, err
	}
	reduced = big.NewInt(0)
	if remaining.Sign() > 0 {
		reduced, err = e.debts.ForceReduceDebt(caller, borrower, asset, remaining)
		if err != nil {
			return nil, nil, err
		}
	}
	forfeited = big.NewInt(0)
	if e.guarantees != nil {
		amount, gerr := e.guarantees.ProcessDefault(borrower, asset)
		if gerr != nil && !errors.Is(gerr, guarantee.ErrNoSuchGuarantee) {
			return nil, nil, fmt.Errorf("forfeit guarantee: %w", gerr)
		}
		if gerr == nil {
			forfeited = amount
		}
	}
	return reduced, forfeited, nil
}

func (e *Engine) lockGuarantees(borrow *intent.BorrowIntent, consumed []*reservation.Reservation) []string {
	if e.guarantees == nil || borrow.RateBps == 0 || borrow.TermDays == 0 {
		return nil
	}
	ids := make([]string, 0, len(consumed))
	for _, res := range consumed {
		interest := promisedInterest(res.Amount, borrow.RateBps, borrow.TermDays)
		id, err := e.guarantees.Lock(borrow.Borrower, res.Owner, res.Asset, res.Amount, interest, borrow.TermDays)
		if err != nil {
			// The guarantee escrow is downstream glue; a lock failure
			// must not unwind a completed settlement.
			e.emitter.Emit(guaranteeSkippedEvent{borrower: borrow.Borrower, lender: res.Owner, err: err})
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// promisedInterest computes simple interest on a principal for the loan term:
// principal * rateBps * termDays / (10000 * 365).
func promisedInterest(principal *big.Int, rateBps uint64, termDays uint32) *big.Int {
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, new(big.Int).SetUint64(uint64(termDays)))
	interest.Quo(interest, big.NewInt(feeDenominator*daysPerYear))
	return interest
}

func (e *Engine) pushCache(borrow *intent.BorrowIntent) {
	if e.cache == nil {
		return
	}
	debtAmount, err := e.debts.GetDebtByAsset(borrow.Borrower, intent.NormalizeAsset(borrow.Asset))
	if err != nil {
		return
	}
	collateralAmount := big.NewInt(0)
	if borrow.HasCollateral() && borrow.CollateralAmount != nil {
		collateralAmount = borrow.CollateralAmount
	}
	// Best effort only.
	_ = e.cache.PushPositionUpdate(borrow.Borrower, intent.NormalizeAsset(borrow.Asset), collateralAmount, debtAmount)
}

func (e *Engine) requireRole(action string, caller crypto.Address) error {
	if e.access == nil {
		return nil
	}
	return e.access.RequireRole(action, caller)
}
