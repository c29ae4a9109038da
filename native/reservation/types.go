package reservation

import (
	"math/big"
	"strings"

	"creditnet/crypto"
)

// Reservation records funds earmarked against a lend intent. It is keyed by
// the intent hash and destroyed by exactly one of Cancel or Consume.
type Reservation struct {
	IntentHash [32]byte
	Owner      crypto.Address
	Asset      string
	Amount     *big.Int
	CreatedAt  int64
}

// Clone returns a deep copy so callers can mutate the copy freely.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Pool tracks the custody totals for one asset inside the reservation pool.
// Reserved is the sum of live reservations; Custody is what the pool actually
// holds. Reserved never exceeds Custody.
type Pool struct {
	Asset    string
	Custody  *big.Int
	Reserved *big.Int
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := &Pool{Asset: p.Asset}
	clone.Custody = cloneOrZero(p.Custody)
	clone.Reserved = cloneOrZero(p.Reserved)
	return clone
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NormalizeAsset canonicalises an asset symbol for map and storage keys.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
