package debt

import (
	"math/big"
	"strings"

	"creditnet/crypto"
)

// Position is one user's outstanding debt in a single asset.
type Position struct {
	User   crypto.Address
	Asset  string
	Amount *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{User: p.User, Asset: p.Asset}
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// NormalizeAsset canonicalises an asset symbol for ledger keys.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
