package reservation

import (
	"errors"
	"math/big"
	"testing"

	"creditnet/crypto"
)

type mockLedgerState struct {
	reservations map[[32]byte]*Reservation
	pools        map[string]*Pool
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{
		reservations: make(map[[32]byte]*Reservation),
		pools:        make(map[string]*Pool),
	}
}

func (m *mockLedgerState) ReservationGet(hash [32]byte) (*Reservation, bool, error) {
	res, ok := m.reservations[hash]
	if !ok {
		return nil, false, nil
	}
	return res.Clone(), true, nil
}

func (m *mockLedgerState) ReservationPut(res *Reservation) error {
	m.reservations[res.IntentHash] = res.Clone()
	return nil
}

func (m *mockLedgerState) ReservationDelete(hash [32]byte) error {
	delete(m.reservations, hash)
	return nil
}

func (m *mockLedgerState) PoolGet(asset string) (*Pool, error) {
	return m.pools[asset].Clone(), nil
}

func (m *mockLedgerState) PoolPut(pool *Pool) error {
	m.pools[pool.Asset] = pool.Clone()
	return nil
}

type mockFunds struct {
	balances map[string]map[string]*big.Int
	failNext error
	failTo   map[string]error
}

func newMockFunds() *mockFunds {
	return &mockFunds{
		balances: make(map[string]map[string]*big.Int),
		failTo:   make(map[string]error),
	}
}

func (m *mockFunds) credit(addr crypto.Address, asset string, amount int64) {
	if m.balances[asset] == nil {
		m.balances[asset] = make(map[string]*big.Int)
	}
	m.balances[asset][string(addr.Bytes())] = big.NewInt(amount)
}

func (m *mockFunds) balance(addr crypto.Address, asset string) *big.Int {
	if m.balances[asset] == nil {
		return big.NewInt(0)
	}
	if bal, ok := m.balances[asset][string(addr.Bytes())]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockFunds) Transfer(from, to crypto.Address, asset string, amount *big.Int) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if err := m.failTo[string(to.Bytes())]; err != nil {
		return err
	}
	if m.balances[asset] == nil {
		m.balances[asset] = make(map[string]*big.Int)
	}
	fromBal := m.balance(from, asset)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock funds: insufficient balance")
	}
	m.balances[asset][string(from.Bytes())] = fromBal.Sub(fromBal, amount)
	toBal := m.balance(to, asset)
	m.balances[asset][string(to.Bytes())] = toBal.Add(toBal, amount)
	return nil
}

func makeAddress(fill byte) crypto.Address {
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = fill
	}
	return crypto.MustAddress(b)
}

func makeHash(fill byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = fill
	}
	return h
}

func newTestLedger(funds *mockFunds) (*Ledger, *mockLedgerState, crypto.Address) {
	poolAddr := makeAddress(0xAA)
	ledger := NewLedger(poolAddr)
	state := newMockLedgerState()
	ledger.SetState(state)
	ledger.SetFundsPort(funds)
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	return ledger, state, poolAddr
}

func TestReserveCancelRestoresOwnerBalance(t *testing.T) {
	funds := newMockFunds()
	ledger, _, poolAddr := newTestLedger(funds)
	owner := makeAddress(0x01)
	funds.credit(owner, "ATK", 5_000)
	hash := makeHash(0x11)

	if err := ledger.Reserve(owner, "ATK", big.NewInt(1_000), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := funds.balance(owner, "ATK"); got.Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("owner balance after reserve: %s", got)
	}
	if got := funds.balance(poolAddr, "ATK"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pool balance after reserve: %s", got)
	}

	if err := ledger.Cancel(hash, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := funds.balance(owner, "ATK"); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("owner balance not restored: %s", got)
	}

	if err := ledger.Cancel(hash, owner); !errors.Is(err, ErrNoSuchReservation) {
		t.Fatalf("second cancel: expected ErrNoSuchReservation, got %v", err)
	}
}

func TestCancelRequiresOwner(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	owner := makeAddress(0x01)
	stranger := makeAddress(0x02)
	funds.credit(owner, "ATK", 1_000)
	hash := makeHash(0x12)

	if err := ledger.Reserve(owner, "ATK", big.NewInt(1_000), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Cancel(hash, stranger); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
}

func TestConsumeDeletesRecordAndFailsOnReplay(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	owner := makeAddress(0x03)
	funds.credit(owner, "ATK", 700)
	hash := makeHash(0x13)

	if err := ledger.Reserve(owner, "ATK", big.NewInt(700), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	gotOwner, asset, amount, err := ledger.Consume(hash, owner)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if gotOwner != owner || asset != "ATK" || amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("unexpected consume result: %s %s %s", gotOwner, asset, amount)
	}

	if _, _, _, err := ledger.Consume(hash, owner); !errors.Is(err, ErrNoSuchReservation) {
		t.Fatalf("replayed consume: expected ErrNoSuchReservation, got %v", err)
	}

	custody, reserved, err := ledger.PoolBalances("ATK")
	if err != nil {
		t.Fatalf("pool balances: %v", err)
	}
	if custody.Cmp(big.NewInt(700)) != 0 || reserved.Sign() != 0 {
		t.Fatalf("unexpected pool totals: custody=%s reserved=%s", custody, reserved)
	}
}

func TestConsumeChecksExpectedOwner(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	owner := makeAddress(0x04)
	funds.credit(owner, "ATK", 100)
	hash := makeHash(0x14)

	if err := ledger.Reserve(owner, "ATK", big.NewInt(100), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, _, err := ledger.Consume(hash, makeAddress(0x05)); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
}

func TestDuplicateReserveRejected(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	owner := makeAddress(0x06)
	funds.credit(owner, "ATK", 2_000)
	hash := makeHash(0x15)

	if err := ledger.Reserve(owner, "ATK", big.NewInt(500), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Reserve(owner, "ATK", big.NewInt(500), hash); !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("expected ErrDuplicateReservation, got %v", err)
	}
}

func TestWithdrawNeverDipsIntoLiveReservations(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	lenderA := makeAddress(0x07)
	lenderB := makeAddress(0x08)
	funds.credit(lenderA, "ATK", 700)
	funds.credit(lenderB, "ATK", 400)

	if err := ledger.Reserve(lenderA, "ATK", big.NewInt(700), makeHash(0x16)); err != nil {
		t.Fatalf("reserve A: %v", err)
	}
	if err := ledger.Reserve(lenderB, "ATK", big.NewInt(400), makeHash(0x17)); err != nil {
		t.Fatalf("reserve B: %v", err)
	}

	// Nothing consumed yet: all custody is still reserved.
	borrower := makeAddress(0x09)
	if err := ledger.Withdraw("ATK", borrower, big.NewInt(1)); !errors.Is(err, ErrInsufficientUnreserved) {
		t.Fatalf("expected ErrInsufficientUnreserved, got %v", err)
	}

	if _, _, _, err := ledger.Consume(makeHash(0x16), lenderA); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := ledger.Withdraw("ATK", borrower, big.NewInt(700)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := funds.balance(borrower, "ATK"); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("borrower balance: %s", got)
	}

	custody, reserved, err := ledger.PoolBalances("ATK")
	if err != nil {
		t.Fatalf("pool balances: %v", err)
	}
	if custody.Cmp(big.NewInt(400)) != 0 || reserved.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("conservation violated: custody=%s reserved=%s", custody, reserved)
	}
}

func TestReserveFailedTransferLeavesNoRecord(t *testing.T) {
	funds := newMockFunds()
	ledger, state, _ := newTestLedger(funds)
	owner := makeAddress(0x0A)
	funds.credit(owner, "ATK", 100)
	funds.failNext = errors.New("custody offline")

	err := ledger.Reserve(owner, "ATK", big.NewInt(100), makeHash(0x18))
	if err == nil {
		t.Fatal("expected transfer failure to surface")
	}
	if len(state.reservations) != 0 {
		t.Fatalf("expected no reservation record, got %d", len(state.reservations))
	}
	if got := funds.balance(owner, "ATK"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("owner balance changed on failed reserve: %s", got)
	}
}

func TestRestoreReinstatesConsumedReservation(t *testing.T) {
	funds := newMockFunds()
	ledger, _, _ := newTestLedger(funds)
	owner := makeAddress(0x0B)
	hash := makeHash(0x19)
	funds.credit(owner, "ATK", 900)
	if err := ledger.Reserve(owner, "ATK", big.NewInt(900), hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	custodyBefore, reservedBefore, err := ledger.PoolBalances("ATK")
	if err != nil {
		t.Fatalf("pool balances: %v", err)
	}

	resOwner, asset, amount, err := ledger.Consume(hash, owner)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := ledger.Restore(&Reservation{
		IntentHash: hash,
		Owner:      resOwner,
		Asset:      asset,
		Amount:     amount,
		CreatedAt:  1_700_000_000,
	}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	custody, reserved, err := ledger.PoolBalances("ATK")
	if err != nil {
		t.Fatalf("pool balances: %v", err)
	}
	if custody.Cmp(custodyBefore) != 0 || reserved.Cmp(reservedBefore) != 0 {
		t.Fatalf("pool totals not restored: custody=%s reserved=%s", custody, reserved)
	}
	res, live, err := ledger.Get(hash)
	if err != nil || !live {
		t.Fatalf("reservation not reinstated: live=%v err=%v", live, err)
	}
	if res.Owner != owner || res.Amount.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("reinstated record diverges: %+v", res)
	}

	// A reinstated reservation is consumable again.
	if _, _, _, err := ledger.Consume(hash, owner); err != nil {
		t.Fatalf("consume after restore: %v", err)
	}
}

func TestDisburseCompensatesFailedTransfer(t *testing.T) {
	funds := newMockFunds()
	ledger, _, poolAddr := newTestLedger(funds)
	owner := makeAddress(0x0C)
	funds.credit(owner, "ATK", 1_000)
	if err := ledger.Reserve(owner, "ATK", big.NewInt(1_000), makeHash(0x1A)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, _, err := ledger.Consume(makeHash(0x1A), owner); err != nil {
		t.Fatalf("consume: %v", err)
	}

	first := makeAddress(0x31)
	second := makeAddress(0x32)
	funds.failTo[string(second.Bytes())] = errors.New("custody offline")

	err := ledger.Disburse("ATK", []Payout{
		{To: first, Amount: big.NewInt(600)},
		{To: second, Amount: big.NewInt(400)},
	})
	if err == nil {
		t.Fatal("expected transfer failure to surface")
	}

	// The first payout was compensated and custody put back.
	if got := funds.balance(first, "ATK"); got.Sign() != 0 {
		t.Fatalf("first recipient kept funds after failed batch: %s", got)
	}
	if got := funds.balance(poolAddr, "ATK"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pool custody balance: %s", got)
	}
	custody, _, err := ledger.PoolBalances("ATK")
	if err != nil {
		t.Fatalf("pool balances: %v", err)
	}
	if custody.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("custody not restored: %s", custody)
	}

	// The same batch lands once the funds port recovers.
	delete(funds.failTo, string(second.Bytes()))
	if err := ledger.Disburse("ATK", []Payout{
		{To: first, Amount: big.NewInt(600)},
		{To: second, Amount: big.NewInt(400)},
	}); err != nil {
		t.Fatalf("disburse after recovery: %v", err)
	}
	if got := funds.balance(first, "ATK"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("first recipient balance: %s", got)
	}
	if got := funds.balance(second, "ATK"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("second recipient balance: %s", got)
	}
}
