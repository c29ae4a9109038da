package intent

import (
	"errors"
	"math/big"
	"strings"

	"creditnet/crypto"
)

var (
	errNilIntent     = errors.New("intent: nil intent")
	errZeroSigner    = errors.New("intent: zero signer address")
	errEmptyAsset    = errors.New("intent: asset symbol required")
	errInvalidAmount = errors.New("intent: amount must be positive")
)

// LendIntent is a lender's signed off-chain declaration of willingness to
// lend Amount of Asset until Expiry. Salt makes otherwise identical intents
// hash differently.
type LendIntent struct {
	Lender crypto.Address
	Asset  string
	Amount *big.Int
	Expiry int64
	Salt   [32]byte
}

// BorrowIntent is a borrower's signed off-chain declaration of the loan it
// seeks, including the collateral it pledges to keep posted and the agreed
// terms.
type BorrowIntent struct {
	Borrower         crypto.Address
	Asset            string
	Amount           *big.Int
	CollateralAsset  string
	CollateralAmount *big.Int
	TermDays         uint32
	RateBps          uint64
	Expiry           int64
	Salt             [32]byte
}

// Validate rejects structurally invalid lend intents before any hashing or
// signature work happens.
func (li *LendIntent) Validate() error {
	if li == nil {
		return errNilIntent
	}
	if li.Lender.IsZero() {
		return errZeroSigner
	}
	if NormalizeAsset(li.Asset) == "" {
		return errEmptyAsset
	}
	if li.Amount == nil || li.Amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return nil
}

// Validate rejects structurally invalid borrow intents. A borrow intent may
// omit collateral entirely; when a collateral asset is named the amount must
// be positive.
func (bi *BorrowIntent) Validate() error {
	if bi == nil {
		return errNilIntent
	}
	if bi.Borrower.IsZero() {
		return errZeroSigner
	}
	if NormalizeAsset(bi.Asset) == "" {
		return errEmptyAsset
	}
	if bi.Amount == nil || bi.Amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if NormalizeAsset(bi.CollateralAsset) != "" {
		if bi.CollateralAmount == nil || bi.CollateralAmount.Sign() <= 0 {
			return errInvalidAmount
		}
	}
	return nil
}

// HasCollateral reports whether the borrow intent pledges collateral.
func (bi *BorrowIntent) HasCollateral() bool {
	return bi != nil && NormalizeAsset(bi.CollateralAsset) != ""
}

// NormalizeAsset canonicalises an asset symbol for hashing and lookups.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
