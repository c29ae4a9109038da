package intent

import (
	"encoding/hex"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DomainV1 is the protocol identifier mixed into every intent digest so a
// signature produced for one deployment can never be replayed against
// another.
const DomainV1 = "CREDITNET_INTENT_V1"

// Domain pins an intent digest to a concrete deployment: protocol version,
// network identifier and the settlement module instance.
type Domain struct {
	Name      string
	ChainID   uint64
	ModuleRef string
}

// DefaultDomain returns the v1 domain for the given network and module
// reference.
func DefaultDomain(chainID uint64, moduleRef string) Domain {
	return Domain{Name: DomainV1, ChainID: chainID, ModuleRef: strings.TrimSpace(moduleRef)}
}

func (d Domain) render(builder *strings.Builder) {
	builder.WriteString(d.Name)
	builder.WriteString("|chain=")
	builder.WriteString(strconv.FormatUint(d.ChainID, 10))
	builder.WriteString("|module=")
	builder.WriteString(d.ModuleRef)
}

// HashLend computes the canonical digest of a lend intent: a keccak256 over
// the domain and the intent fields rendered in a fixed order. The function is
// pure; identical intents always produce identical hashes.
func HashLend(domain Domain, li *LendIntent) ([32]byte, error) {
	var digest [32]byte
	if err := li.Validate(); err != nil {
		return digest, err
	}
	builder := &strings.Builder{}
	domain.render(builder)
	builder.WriteString("|kind=lend")
	builder.WriteString("|signer=")
	builder.WriteString(hex.EncodeToString(li.Lender.Bytes()))
	builder.WriteString("|asset=")
	builder.WriteString(NormalizeAsset(li.Asset))
	builder.WriteString("|amount=")
	builder.WriteString(li.Amount.String())
	builder.WriteString("|expiry=")
	builder.WriteString(strconv.FormatInt(li.Expiry, 10))
	builder.WriteString("|salt=")
	builder.WriteString(hex.EncodeToString(li.Salt[:]))
	copy(digest[:], ethcrypto.Keccak256([]byte(builder.String())))
	return digest, nil
}

// HashBorrow computes the canonical digest of a borrow intent over the same
// domain separator, covering the loan terms and the collateral declaration.
func HashBorrow(domain Domain, bi *BorrowIntent) ([32]byte, error) {
	var digest [32]byte
	if err := bi.Validate(); err != nil {
		return digest, err
	}
	builder := &strings.Builder{}
	domain.render(builder)
	builder.WriteString("|kind=borrow")
	builder.WriteString("|signer=")
	builder.WriteString(hex.EncodeToString(bi.Borrower.Bytes()))
	builder.WriteString("|asset=")
	builder.WriteString(NormalizeAsset(bi.Asset))
	builder.WriteString("|amount=")
	builder.WriteString(bi.Amount.String())
	builder.WriteString("|collateralAsset=")
	builder.WriteString(NormalizeAsset(bi.CollateralAsset))
	builder.WriteString("|collateralAmount=")
	if bi.CollateralAmount != nil {
		builder.WriteString(bi.CollateralAmount.String())
	} else {
		builder.WriteString("0")
	}
	builder.WriteString("|termDays=")
	builder.WriteString(strconv.FormatUint(uint64(bi.TermDays), 10))
	builder.WriteString("|rateBps=")
	builder.WriteString(strconv.FormatUint(bi.RateBps, 10))
	builder.WriteString("|expiry=")
	builder.WriteString(strconv.FormatInt(bi.Expiry, 10))
	builder.WriteString("|salt=")
	builder.WriteString(hex.EncodeToString(bi.Salt[:]))
	copy(digest[:], ethcrypto.Keccak256([]byte(builder.String())))
	return digest, nil
}
