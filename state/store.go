package state

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"creditnet/crypto"
	"creditnet/native/reservation"
	"creditnet/storage"
)

// Key prefixes for the persisted state surface. Every record lives under its
// own prefix so unrelated modules never collide in the shared key-value
// store.
var (
	reservationPrefix = []byte("cn/reservation/")
	poolPrefix        = []byte("cn/pool/")
	debtPrefix        = []byte("cn/debt/pos/")
	userAssetsPrefix  = []byte("cn/debt/assets/")
	assetTotalPrefix  = []byte("cn/debt/total/")
	userValuePrefix   = []byte("cn/debt/value/")
	systemValueKey    = []byte("cn/debt/system")
	matchedPrefix     = []byte("cn/intent/matched/")
	feeRatePrefix     = []byte("cn/fee/rate/")
	pausePrefix       = []byte("cn/pause/")
)

var errNilRecord = errors.New("state: nil record")

// Store persists the settlement core's state surface in a key-value database
// using RLP encoding. One Store instance backs every engine: reservations,
// pools, debt positions and aggregates, the matched-intent set and the
// per-asset fee rates.
type Store struct {
	db storage.Database
}

// NewStore wraps the database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func joinKey(prefix []byte, parts ...[]byte) []byte {
	key := append([]byte{}, prefix...)
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}

func (s *Store) getRLP(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) putRLP(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.db.Put(key, raw)
}

type storedReservation struct {
	Owner     [20]byte
	Asset     string
	Amount    *big.Int
	CreatedAt uint64
}

// ReservationGet loads the reservation for the intent hash.
func (s *Store) ReservationGet(hash [32]byte) (*reservation.Reservation, bool, error) {
	var rec storedReservation
	ok, err := s.getRLP(joinKey(reservationPrefix, hash[:]), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return &reservation.Reservation{
		IntentHash: hash,
		Owner:      crypto.Address(rec.Owner),
		Asset:      rec.Asset,
		Amount:     rec.Amount,
		CreatedAt:  int64(rec.CreatedAt),
	}, true, nil
}

// ReservationPut stores the reservation keyed by its intent hash.
func (s *Store) ReservationPut(res *reservation.Reservation) error {
	if res == nil {
		return errNilRecord
	}
	amount := res.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	created := uint64(0)
	if res.CreatedAt > 0 {
		created = uint64(res.CreatedAt)
	}
	rec := storedReservation{
		Owner:     res.Owner,
		Asset:     res.Asset,
		Amount:    amount,
		CreatedAt: created,
	}
	return s.putRLP(joinKey(reservationPrefix, res.IntentHash[:]), &rec)
}

// ReservationDelete removes the reservation record.
func (s *Store) ReservationDelete(hash [32]byte) error {
	return s.db.Delete(joinKey(reservationPrefix, hash[:]))
}

type storedPool struct {
	Asset    string
	Custody  *big.Int
	Reserved *big.Int
}

// PoolGet loads the per-asset pool totals. A missing pool reads as nil.
func (s *Store) PoolGet(asset string) (*reservation.Pool, error) {
	var rec storedPool
	ok, err := s.getRLP(joinKey(poolPrefix, []byte(asset)), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &reservation.Pool{Asset: rec.Asset, Custody: rec.Custody, Reserved: rec.Reserved}, nil
}

// PoolPut stores the per-asset pool totals.
func (s *Store) PoolPut(pool *reservation.Pool) error {
	if pool == nil {
		return errNilRecord
	}
	rec := storedPool{Asset: pool.Asset, Custody: pool.Custody, Reserved: pool.Reserved}
	if rec.Custody == nil {
		rec.Custody = big.NewInt(0)
	}
	if rec.Reserved == nil {
		rec.Reserved = big.NewInt(0)
	}
	return s.putRLP(joinKey(poolPrefix, []byte(pool.Asset)), &rec)
}

func debtKey(user crypto.Address, asset string) []byte {
	return joinKey(debtPrefix, user.Bytes(), []byte("/"), []byte(asset))
}

// DebtGet loads the debt amount for the (user, asset) pair. A missing
// position reads as nil.
func (s *Store) DebtGet(user crypto.Address, asset string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := s.getRLP(debtKey(user, asset), amount)
	if err != nil || !ok {
		return nil, err
	}
	return amount, nil
}

// DebtPut stores the debt amount for the (user, asset) pair.
func (s *Store) DebtPut(user crypto.Address, asset string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.putRLP(debtKey(user, asset), amount)
}

// UserAssetsGet loads the user's tracked asset list.
func (s *Store) UserAssetsGet(user crypto.Address) ([]string, error) {
	var assets []string
	if _, err := s.getRLP(joinKey(userAssetsPrefix, user.Bytes()), &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// UserAssetsPut stores the user's tracked asset list.
func (s *Store) UserAssetsPut(user crypto.Address, assets []string) error {
	return s.putRLP(joinKey(userAssetsPrefix, user.Bytes()), assets)
}

// AssetTotalGet loads the aggregate debt for an asset.
func (s *Store) AssetTotalGet(asset string) (*big.Int, error) {
	total := new(big.Int)
	ok, err := s.getRLP(joinKey(assetTotalPrefix, []byte(asset)), total)
	if err != nil || !ok {
		return nil, err
	}
	return total, nil
}

// AssetTotalPut stores the aggregate debt for an asset.
func (s *Store) AssetTotalPut(asset string, total *big.Int) error {
	if total == nil {
		total = big.NewInt(0)
	}
	return s.putRLP(joinKey(assetTotalPrefix, []byte(asset)), total)
}

// UserValueGet loads the user's cached valued debt total.
func (s *Store) UserValueGet(user crypto.Address) (*big.Int, error) {
	value := new(big.Int)
	ok, err := s.getRLP(joinKey(userValuePrefix, user.Bytes()), value)
	if err != nil || !ok {
		return nil, err
	}
	return value, nil
}

// UserValuePut stores the user's cached valued debt total.
func (s *Store) UserValuePut(user crypto.Address, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	return s.putRLP(joinKey(userValuePrefix, user.Bytes()), value)
}

// SystemValueGet loads the system-wide valued debt total.
func (s *Store) SystemValueGet() (*big.Int, error) {
	value := new(big.Int)
	ok, err := s.getRLP(systemValueKey, value)
	if err != nil || !ok {
		return nil, err
	}
	return value, nil
}

// SystemValuePut stores the system-wide valued debt total.
func (s *Store) SystemValuePut(value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	return s.putRLP(systemValueKey, value)
}

// MatchedHas reports whether the intent hash is marked matched.
func (s *Store) MatchedHas(hash [32]byte) (bool, error) {
	return s.db.Has(joinKey(matchedPrefix, hash[:]))
}

// MatchedPut marks the intent hash matched. The mark is never removed.
func (s *Store) MatchedPut(hash [32]byte) error {
	return s.db.Put(joinKey(matchedPrefix, hash[:]), []byte{1})
}

// FeeRateGet loads the configured fee rate for an asset.
func (s *Store) FeeRateGet(asset string) (uint64, bool, error) {
	var bps uint64
	ok, err := s.getRLP(joinKey(feeRatePrefix, []byte(asset)), &bps)
	if err != nil || !ok {
		return 0, false, err
	}
	return bps, true, nil
}

// FeeRatePut stores the fee rate for an asset.
func (s *Store) FeeRatePut(asset string, bps uint64) error {
	return s.putRLP(joinKey(feeRatePrefix, []byte(asset)), bps)
}

// SetPaused flips the persisted pause switch for a module.
func (s *Store) SetPaused(module string, paused bool) error {
	key := joinKey(pausePrefix, []byte(strings.ToLower(module)))
	if !paused {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}

// IsPaused implements the pause view consumed by the engines.
func (s *Store) IsPaused(module string) bool {
	ok, err := s.db.Has(joinKey(pausePrefix, []byte(strings.ToLower(module))))
	return err == nil && ok
}
