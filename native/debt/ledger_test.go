package debt

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"creditnet/core/events"
	"creditnet/crypto"
	nativecommon "creditnet/native/common"
	"creditnet/native/valuation"
)

type mockLedgerState struct {
	debts       map[string]*big.Int
	userAssets  map[string][]string
	assetTotals map[string]*big.Int
	userValues  map[string]*big.Int
	systemValue *big.Int
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{
		debts:       make(map[string]*big.Int),
		userAssets:  make(map[string][]string),
		assetTotals: make(map[string]*big.Int),
		userValues:  make(map[string]*big.Int),
	}
}

func (m *mockLedgerState) debtKey(user crypto.Address, asset string) string {
	return string(user.Bytes()) + "/" + asset
}

func (m *mockLedgerState) DebtGet(user crypto.Address, asset string) (*big.Int, error) {
	if v, ok := m.debts[m.debtKey(user, asset)]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, nil
}

func (m *mockLedgerState) DebtPut(user crypto.Address, asset string, amount *big.Int) error {
	m.debts[m.debtKey(user, asset)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockLedgerState) UserAssetsGet(user crypto.Address) ([]string, error) {
	return append([]string{}, m.userAssets[string(user.Bytes())]...), nil
}

func (m *mockLedgerState) UserAssetsPut(user crypto.Address, assets []string) error {
	m.userAssets[string(user.Bytes())] = append([]string{}, assets...)
	return nil
}

func (m *mockLedgerState) AssetTotalGet(asset string) (*big.Int, error) {
	if v, ok := m.assetTotals[asset]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, nil
}

func (m *mockLedgerState) AssetTotalPut(asset string, total *big.Int) error {
	m.assetTotals[asset] = new(big.Int).Set(total)
	return nil
}

func (m *mockLedgerState) UserValueGet(user crypto.Address) (*big.Int, error) {
	if v, ok := m.userValues[string(user.Bytes())]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, nil
}

func (m *mockLedgerState) UserValuePut(user crypto.Address, value *big.Int) error {
	m.userValues[string(user.Bytes())] = new(big.Int).Set(value)
	return nil
}

func (m *mockLedgerState) SystemValueGet() (*big.Int, error) {
	if m.systemValue == nil {
		return nil, nil
	}
	return new(big.Int).Set(m.systemValue), nil
}

func (m *mockLedgerState) SystemValuePut(value *big.Int) error {
	m.systemValue = new(big.Int).Set(value)
	return nil
}

func makeAddress(fill byte) crypto.Address {
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = fill
	}
	return crypto.MustAddress(b)
}

func testNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestLedger(t *testing.T, prices map[string]int64) (*Ledger, *mockLedgerState, *valuation.ManualSource) {
	t.Helper()
	source := valuation.NewManualSource()
	for asset, price := range prices {
		source.Set(asset, big.NewRat(price, 1), 0, testNow())
	}
	svc := valuation.NewService(source, time.Hour)
	svc.SetNowFunc(testNow)
	ledger := NewLedger(svc)
	state := newMockLedgerState()
	ledger.SetState(state)
	return ledger, state, source
}

func unitScale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(valuation.SettlementUnitDecimals), nil)
}

func TestBorrowRepayLifecycle(t *testing.T) {
	ledger, _, _ := newTestLedger(t, map[string]int64{"ATK": 1})
	caller := makeAddress(0x01)
	user := makeAddress(0x02)

	if err := ledger.Borrow(caller, user, "ATK", big.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	assets, err := ledger.GetUserDebtAssets(user)
	if err != nil || len(assets) != 1 || assets[0] != "ATK" {
		t.Fatalf("tracked assets after borrow: %v (%v)", assets, err)
	}

	if err := ledger.Repay(caller, user, "ATK", big.NewInt(1_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := ledger.Repay(caller, user, "ATK", big.NewInt(1)); !errors.Is(err, ErrOverpay) {
		t.Fatalf("expected ErrOverpay, got %v", err)
	}

	assets, err = ledger.GetUserDebtAssets(user)
	if err != nil || len(assets) != 0 {
		t.Fatalf("tracked assets after full repay: %v (%v)", assets, err)
	}
	total, err := ledger.GetAssetTotalDebt("ATK")
	if err != nil || total.Sign() != 0 {
		t.Fatalf("asset total after full repay: %s (%v)", total, err)
	}
}

func TestForceReduceClampsToBalance(t *testing.T) {
	ledger, _, _ := newTestLedger(t, map[string]int64{"ATK": 1})
	orchestrator := makeAddress(0x01)
	liquidator := makeAddress(0x03)
	user := makeAddress(0x02)

	if err := ledger.Borrow(orchestrator, user, "ATK", big.NewInt(300)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	reduced, err := ledger.ForceReduceDebt(liquidator, user, "ATK", big.NewInt(10_000))
	if err != nil {
		t.Fatalf("force reduce: %v", err)
	}
	if reduced.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected clamp to 300, got %s", reduced)
	}
	remaining, err := ledger.GetDebtByAsset(user, "ATK")
	if err != nil || remaining.Sign() != 0 {
		t.Fatalf("expected zero debt, got %s (%v)", remaining, err)
	}
}

func TestValuedTotalsTrackDeltas(t *testing.T) {
	ledger, _, _ := newTestLedger(t, map[string]int64{"ATK": 2, "BTK": 3})
	caller := makeAddress(0x01)
	alice := makeAddress(0x02)
	bob := makeAddress(0x04)

	if err := ledger.Borrow(caller, alice, "ATK", big.NewInt(500)); err != nil {
		t.Fatalf("borrow alice: %v", err)
	}
	if err := ledger.Borrow(caller, bob, "BTK", big.NewInt(100)); err != nil {
		t.Fatalf("borrow bob: %v", err)
	}

	aliceValue, err := ledger.GetUserTotalDebtValue(alice)
	if err != nil {
		t.Fatalf("alice value: %v", err)
	}
	wantAlice := new(big.Int).Mul(big.NewInt(1_000), unitScale())
	if aliceValue.Cmp(wantAlice) != 0 {
		t.Fatalf("alice valued total: got %s want %s", aliceValue, wantAlice)
	}

	system, err := ledger.GetSystemTotalDebtValue()
	if err != nil {
		t.Fatalf("system value: %v", err)
	}
	wantSystem := new(big.Int).Mul(big.NewInt(1_300), unitScale())
	if system.Cmp(wantSystem) != 0 {
		t.Fatalf("system valued total: got %s want %s", system, wantSystem)
	}

	if err := ledger.Repay(caller, alice, "ATK", big.NewInt(250)); err != nil {
		t.Fatalf("repay alice: %v", err)
	}
	system, _ = ledger.GetSystemTotalDebtValue()
	wantSystem = new(big.Int).Mul(big.NewInt(800), unitScale())
	if system.Cmp(wantSystem) != 0 {
		t.Fatalf("system valued total after repay: got %s want %s", system, wantSystem)
	}
}

func TestDegradedPriceStillValues(t *testing.T) {
	ledger, _, source := newTestLedger(t, map[string]int64{"ATK": 2})
	log := events.NewLog(16)
	// Route valuation degradations through an observable log.
	svc := valuation.NewService(source, time.Hour)
	svc.SetNowFunc(testNow)
	svc.SetEmitter(log)
	ledger = NewLedger(svc)
	ledger.SetState(newMockLedgerState())

	caller := makeAddress(0x01)
	user := makeAddress(0x02)
	if err := ledger.Borrow(caller, user, "ATK", big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Zero out the price; the refresh must degrade to the last known good
	// price instead of failing.
	source.Set("ATK", new(big.Rat), 0, testNow())
	if err := ledger.RefreshDebtValues(caller, []crypto.Address{user}); err != nil {
		t.Fatalf("refresh with zero price: %v", err)
	}
	value, err := ledger.GetUserTotalDebtValue(user)
	if err != nil {
		t.Fatalf("user value: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(1_000), unitScale())
	if value.Cmp(want) != 0 {
		t.Fatalf("expected last-good valuation %s, got %s", want, value)
	}

	found := false
	for _, rec := range log.Records() {
		if rec.Type == valuation.EventTypeDegraded {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a degradation event")
	}
}

func TestAssetTotalMatchesSumOfPositions(t *testing.T) {
	ledger, state, _ := newTestLedger(t, map[string]int64{"ATK": 1})
	caller := makeAddress(0x01)
	users := []crypto.Address{makeAddress(0x10), makeAddress(0x11), makeAddress(0x12)}
	amounts := []int64{100, 250, 475}

	for i, user := range users {
		if err := ledger.Borrow(caller, user, "ATK", big.NewInt(amounts[i])); err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
	}
	if _, err := ledger.ForceReduceDebt(caller, users[1], "ATK", big.NewInt(50)); err != nil {
		t.Fatalf("force reduce: %v", err)
	}

	sum := big.NewInt(0)
	for _, user := range users {
		debtAmount, err := ledger.GetDebtByAsset(user, "ATK")
		if err != nil {
			t.Fatalf("debt read: %v", err)
		}
		sum.Add(sum, debtAmount)
	}
	total := state.assetTotals["ATK"]
	if total.Cmp(sum) != 0 {
		t.Fatalf("aggregate drifted: total=%s sum=%s", total, sum)
	}
}

func TestRefreshBatchCeiling(t *testing.T) {
	ledger, _, _ := newTestLedger(t, map[string]int64{"ATK": 1})
	ledger.SetRefreshBatchCeiling(2)
	caller := makeAddress(0x01)
	batch := []crypto.Address{makeAddress(0x10), makeAddress(0x11), makeAddress(0x12)}

	if err := ledger.RefreshDebtValues(caller, batch); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestAccessControlGatesMutations(t *testing.T) {
	ledger, _, _ := newTestLedger(t, map[string]int64{"ATK": 1})
	roles := nativecommon.NewStaticRoles()
	orchestrator := makeAddress(0x01)
	roles.Grant(nativecommon.RoleOrchestrator, orchestrator)
	ledger.SetAccessControl(roles)
	user := makeAddress(0x02)

	if err := ledger.Borrow(orchestrator, user, "ATK", big.NewInt(100)); err != nil {
		t.Fatalf("authorized borrow: %v", err)
	}
	intruder := makeAddress(0x09)
	if err := ledger.Borrow(intruder, user, "ATK", big.NewInt(100)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := ledger.ForceReduceDebt(orchestrator, user, "ATK", big.NewInt(10)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("force reduce needs liquidator role, got %v", err)
	}
}
