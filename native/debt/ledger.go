package debt

import (
	"errors"
	"math/big"

	"creditnet/core/events"
	"creditnet/crypto"
	nativecommon "creditnet/native/common"
	"creditnet/native/valuation"
)

const moduleName = "debt"

// DefaultRefreshBatchCeiling bounds how many users a single batch revaluation
// may touch. Configurable via SetRefreshBatchCeiling.
const DefaultRefreshBatchCeiling = 100

var (
	// ErrOverpay is returned when a repayment exceeds the outstanding debt.
	ErrOverpay = errors.New("debt ledger: repay amount exceeds outstanding debt")
	// ErrBatchTooLarge is returned when a batch refresh exceeds the ceiling.
	ErrBatchTooLarge = errors.New("debt ledger: batch exceeds configured ceiling")
	// ErrLedgerInconsistent signals that an aggregate would go negative,
	// which can only happen if stored state was corrupted out of band.
	ErrLedgerInconsistent = errors.New("debt ledger: aggregate inconsistency detected")

	errNilState      = errors.New("debt ledger: state not configured")
	errNilValuation  = errors.New("debt ledger: valuation service not configured")
	errInvalidAmount = errors.New("debt ledger: amount must be positive")
	errZeroAddress   = errors.New("debt ledger: zero address")
	errEmptyAsset    = errors.New("debt ledger: asset symbol required")
)

type ledgerState interface {
	DebtGet(user crypto.Address, asset string) (*big.Int, error)
	DebtPut(user crypto.Address, asset string, amount *big.Int) error
	UserAssetsGet(user crypto.Address) ([]string, error)
	UserAssetsPut(user crypto.Address, assets []string) error
	AssetTotalGet(asset string) (*big.Int, error)
	AssetTotalPut(asset string, total *big.Int) error
	UserValueGet(user crypto.Address) (*big.Int, error)
	UserValuePut(user crypto.Address, value *big.Int) error
	SystemValueGet() (*big.Int, error)
	SystemValuePut(value *big.Int) error
}

// Ledger tracks per-user per-asset debt together with valued running totals.
// Aggregates are maintained by symmetric deltas on every write path: the
// per-asset total always equals the sum of user positions, and the system
// valued total moves only by the signed difference of the affected user's
// valued total.
type Ledger struct {
	state        ledgerState
	valuation    *valuation.Service
	access       nativecommon.AccessControl
	cache        nativecommon.CachePushPort
	guard        *nativecommon.KeyedGuard
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	batchCeiling int
}

// NewLedger constructs a debt ledger over the given valuation service.
func NewLedger(vs *valuation.Service) *Ledger {
	return &Ledger{
		valuation:    vs,
		guard:        nativecommon.NewKeyedGuard(),
		emitter:      events.NoopEmitter{},
		batchCeiling: DefaultRefreshBatchCeiling,
	}
}

// SetState wires the ledger to the persistence layer.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetAccessControl wires the role-check port. A nil port disables the check,
// which is only acceptable inside tests.
func (l *Ledger) SetAccessControl(ac nativecommon.AccessControl) { l.access = ac }

// SetCachePush wires the optional read-cache notification port.
func (l *Ledger) SetCachePush(cache nativecommon.CachePushPort) { l.cache = cache }

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

// SetRefreshBatchCeiling overrides the batch-size ceiling. Non-positive
// values restore the default.
func (l *Ledger) SetRefreshBatchCeiling(n int) {
	if l == nil {
		return
	}
	if n <= 0 {
		n = DefaultRefreshBatchCeiling
	}
	l.batchCeiling = n
}

func userKey(user crypto.Address) string {
	return "debt:" + string(user.Bytes())
}

// Borrow records a new obligation for the user. The first nonzero position in
// an asset adds it to the user's tracked asset list; valued totals are then
// recomputed from that bounded list and the system total adjusted by delta.
func (l *Ledger) Borrow(caller, user crypto.Address, asset string, amount *big.Int) error {
	normalized, err := l.checkMutation(nativecommon.ActionDebtBorrow, caller, user, asset, amount)
	if err != nil {
		return err
	}

	key := userKey(user)
	if err := l.guard.Acquire(key); err != nil {
		return err
	}
	defer l.guard.Release(key)

	current, err := l.loadDebt(user, normalized)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(current, amount)

	if current.Sign() == 0 {
		if err := l.trackAsset(user, normalized); err != nil {
			return err
		}
	}
	if err := l.state.DebtPut(user, normalized, updated); err != nil {
		return err
	}
	if err := l.adjustAssetTotal(normalized, amount); err != nil {
		return err
	}
	if err := l.revalueUser(user); err != nil {
		return err
	}

	l.emit(BorrowedEvent{User: user, Asset: normalized, Amount: amount, NewDebt: updated})
	l.pushCache(user, normalized, updated)
	return nil
}

// Repay reduces the user's debt. It fails with ErrOverpay when the amount
// exceeds the outstanding balance; a position repaid to zero drops the asset
// from the user's tracked list.
func (l *Ledger) Repay(caller, user crypto.Address, asset string, amount *big.Int) error {
	normalized, err := l.checkMutation(nativecommon.ActionDebtRepay, caller, user, asset, amount)
	if err != nil {
		return err
	}

	key := userKey(user)
	if err := l.guard.Acquire(key); err != nil {
		return err
	}
	defer l.guard.Release(key)

	current, err := l.loadDebt(user, normalized)
	if err != nil {
		return err
	}
	if amount.Cmp(current) > 0 {
		return ErrOverpay
	}
	updated := new(big.Int).Sub(current, amount)

	if err := l.state.DebtPut(user, normalized, updated); err != nil {
		return err
	}
	if updated.Sign() == 0 {
		if err := l.untrackAsset(user, normalized); err != nil {
			return err
		}
	}
	if err := l.adjustAssetTotal(normalized, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if err := l.revalueUser(user); err != nil {
		return err
	}

	l.emit(RepaidEvent{User: user, Asset: normalized, Amount: amount, NewDebt: updated})
	l.pushCache(user, normalized, updated)
	return nil
}

// ForceReduceDebt is the liquidation entry point. The amount is clamped to
// the current balance so the call always succeeds in zeroing out at least the
// available debt and never produces a negative position. The actual reduction
// is returned.
func (l *Ledger) ForceReduceDebt(caller, user crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	normalized, err := l.checkMutation(nativecommon.ActionForceReduce, caller, user, asset, amount)
	if err != nil {
		return nil, err
	}

	key := userKey(user)
	if err := l.guard.Acquire(key); err != nil {
		return nil, err
	}
	defer l.guard.Release(key)

	current, err := l.loadDebt(user, normalized)
	if err != nil {
		return nil, err
	}
	reduced := new(big.Int).Set(amount)
	if reduced.Cmp(current) > 0 {
		reduced = new(big.Int).Set(current)
	}
	updated := new(big.Int).Sub(current, reduced)

	if err := l.state.DebtPut(user, normalized, updated); err != nil {
		return nil, err
	}
	if updated.Sign() == 0 && current.Sign() > 0 {
		if err := l.untrackAsset(user, normalized); err != nil {
			return nil, err
		}
	}
	if reduced.Sign() > 0 {
		if err := l.adjustAssetTotal(normalized, new(big.Int).Neg(reduced)); err != nil {
			return nil, err
		}
	}
	if err := l.revalueUser(user); err != nil {
		return nil, err
	}

	l.emit(ForceReducedEvent{User: user, Asset: normalized, Requested: amount, Reduced: reduced, NewDebt: updated})
	l.pushCache(user, normalized, updated)
	return reduced, nil
}

// RefreshDebtValues recomputes valued totals for a batch of users. Entries
// are processed independently in array order; a failing entry aborts the
// batch at that point with earlier entries already applied, matching the
// per-entry atomicity contract.
func (l *Ledger) RefreshDebtValues(caller crypto.Address, users []crypto.Address) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if err := l.requireRole(nativecommon.ActionRefreshValues, caller); err != nil {
		return err
	}
	if len(users) > l.batchCeiling {
		return ErrBatchTooLarge
	}
	for _, user := range users {
		if user.IsZero() {
			return errZeroAddress
		}
		key := userKey(user)
		if err := l.guard.Acquire(key); err != nil {
			return err
		}
		err := l.revalueUser(user)
		l.guard.Release(key)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetUserDebtAssets returns the assets in which the user currently owes a
// nonzero amount. Pure read.
func (l *Ledger) GetUserDebtAssets(user crypto.Address) ([]string, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.UserAssetsGet(user)
}

// GetDebtByAsset returns the user's outstanding debt in one asset. Pure read.
func (l *Ledger) GetDebtByAsset(user crypto.Address, asset string) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.loadDebt(user, NormalizeAsset(asset))
}

// GetUserTotalDebtValue returns the user's valued debt total in the
// settlement unit as of the last recomputation. Pure read.
func (l *Ledger) GetUserTotalDebtValue(user crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	value, err := l.state.UserValueGet(user)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

// GetSystemTotalDebtValue returns the system-wide valued total. Pure read.
func (l *Ledger) GetSystemTotalDebtValue() (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	value, err := l.state.SystemValueGet()
	if err != nil {
		return nil, err
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

// GetAssetTotalDebt returns the aggregate debt across all users for one
// asset. Pure read.
func (l *Ledger) GetAssetTotalDebt(asset string) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	total, err := l.state.AssetTotalGet(NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	return total, nil
}

func (l *Ledger) checkMutation(action string, caller, user crypto.Address, asset string, amount *big.Int) (string, error) {
	if l == nil || l.state == nil {
		return "", errNilState
	}
	if l.valuation == nil {
		return "", errNilValuation
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return "", err
	}
	if err := l.requireRole(action, caller); err != nil {
		return "", err
	}
	if user.IsZero() {
		return "", errZeroAddress
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return "", errEmptyAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", errInvalidAmount
	}
	return normalized, nil
}

func (l *Ledger) requireRole(action string, caller crypto.Address) error {
	if l.access == nil {
		return nil
	}
	return l.access.RequireRole(action, caller)
}

func (l *Ledger) loadDebt(user crypto.Address, asset string) (*big.Int, error) {
	amount, err := l.state.DebtGet(user, asset)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (l *Ledger) trackAsset(user crypto.Address, asset string) error {
	assets, err := l.state.UserAssetsGet(user)
	if err != nil {
		return err
	}
	for _, existing := range assets {
		if existing == asset {
			return nil
		}
	}
	return l.state.UserAssetsPut(user, append(assets, asset))
}

func (l *Ledger) untrackAsset(user crypto.Address, asset string) error {
	assets, err := l.state.UserAssetsGet(user)
	if err != nil {
		return err
	}
	filtered := assets[:0]
	for _, existing := range assets {
		if existing != asset {
			filtered = append(filtered, existing)
		}
	}
	return l.state.UserAssetsPut(user, filtered)
}

func (l *Ledger) adjustAssetTotal(asset string, delta *big.Int) error {
	total, err := l.state.AssetTotalGet(asset)
	if err != nil {
		return err
	}
	if total == nil {
		total = big.NewInt(0)
	}
	updated := new(big.Int).Add(total, delta)
	if updated.Sign() < 0 {
		return ErrLedgerInconsistent
	}
	return l.state.AssetTotalPut(asset, updated)
}

// revalueUser walks the user's tracked asset list, values each position via
// the valuation service (which reports degradations itself) and swaps the
// stored total, moving the system total by the signed difference. Cost is
// bounded by the user's distinct borrowed assets, never by global state.
func (l *Ledger) revalueUser(user crypto.Address) error {
	assets, err := l.state.UserAssetsGet(user)
	if err != nil {
		return err
	}
	total := big.NewInt(0)
	for _, asset := range assets {
		amount, err := l.loadDebt(user, asset)
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			continue
		}
		value, _, _, err := l.valuation.ValueOf(asset, amount)
		if err != nil {
			return err
		}
		total.Add(total, value)
	}

	old, err := l.state.UserValueGet(user)
	if err != nil {
		return err
	}
	if old == nil {
		old = big.NewInt(0)
	}
	if err := l.state.UserValuePut(user, total); err != nil {
		return err
	}

	system, err := l.state.SystemValueGet()
	if err != nil {
		return err
	}
	if system == nil {
		system = big.NewInt(0)
	}
	delta := new(big.Int).Sub(total, old)
	updated := new(big.Int).Add(system, delta)
	if updated.Sign() < 0 {
		updated = big.NewInt(0)
	}
	return l.state.SystemValuePut(updated)
}

// pushCache notifies the optional read-cache port. Failures are swallowed:
// the cache is best-effort and must never fail an economic operation.
func (l *Ledger) pushCache(user crypto.Address, asset string, debtAmount *big.Int) {
	if l.cache == nil {
		return
	}
	_ = l.cache.PushPositionUpdate(user, asset, nil, debtAmount)
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}
