package state

import (
	"errors"
	"math/big"

	"creditnet/crypto"
	"creditnet/storage"
)

// ErrInsufficientFunds is returned when a transfer exceeds the sender's
// balance.
var ErrInsufficientFunds = errors.New("state: insufficient funds")

var errNonPositiveAmount = errors.New("state: amount must be positive")

// Balances is a minimal persisted account book keyed by (address, asset). It
// backs the funds and collateral ports when the daemon runs without an
// external custody service.
type Balances struct {
	db     storage.Database
	prefix []byte
}

// NewBalances opens an account book under the given namespace.
func NewBalances(db storage.Database, namespace string) *Balances {
	return &Balances{db: db, prefix: []byte("cn/balance/" + namespace + "/")}
}

func (b *Balances) key(addr crypto.Address, asset string) []byte {
	return joinKey(b.prefix, addr.Bytes(), []byte("/"), []byte(asset))
}

// Get returns the balance, zero when the account has never been credited.
func (b *Balances) Get(addr crypto.Address, asset string) (*big.Int, error) {
	raw, err := b.db.Get(b.key(addr, asset))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (b *Balances) put(addr crypto.Address, asset string, amount *big.Int) error {
	return b.db.Put(b.key(addr, asset), amount.Bytes())
}

// Credit adds to the account. Used for seeding and external deposits.
func (b *Balances) Credit(addr crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errNonPositiveAmount
	}
	bal, err := b.Get(addr, asset)
	if err != nil {
		return err
	}
	return b.put(addr, asset, bal.Add(bal, amount))
}

// Transfer implements the funds port.
func (b *Balances) Transfer(from, to crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errNonPositiveAmount
	}
	fromBal, err := b.Get(from, asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBal, err := b.Get(to, asset)
	if err != nil {
		return err
	}
	if err := b.put(from, asset, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	return b.put(to, asset, toBal.Add(toBal, amount))
}

// GetCollateralBalance implements the collateral port.
func (b *Balances) GetCollateralBalance(user crypto.Address, asset string) (*big.Int, error) {
	return b.Get(user, asset)
}
