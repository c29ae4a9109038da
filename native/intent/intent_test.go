package intent

import (
	"errors"
	"math/big"
	"testing"

	"creditnet/crypto"
)

func testDomain() Domain {
	return DefaultDomain(1887, "settlement")
}

func newSigner(t *testing.T) (*crypto.PrivateKey, crypto.Address) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, key.PubKey().Address()
}

func sampleLend(lender crypto.Address) *LendIntent {
	return &LendIntent{
		Lender: lender,
		Asset:  "usdc",
		Amount: big.NewInt(1_000),
		Expiry: 2_000,
		Salt:   [32]byte{0x01},
	}
}

func sampleBorrow(borrower crypto.Address) *BorrowIntent {
	return &BorrowIntent{
		Borrower:         borrower,
		Asset:            "USDC",
		Amount:           big.NewInt(900),
		CollateralAsset:  "WETH",
		CollateralAmount: big.NewInt(2),
		TermDays:         30,
		RateBps:          250,
		Expiry:           2_000,
		Salt:             [32]byte{0x02},
	}
}

func TestHashLendDeterministic(t *testing.T) {
	_, lender := newSigner(t)
	first, err := HashLend(testDomain(), sampleLend(lender))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := HashLend(testDomain(), sampleLend(lender))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("identical intents hashed differently: %x vs %x", first, second)
	}

	// Asset casing is canonicalised before hashing.
	lower := sampleLend(lender)
	lower.Asset = "USDC"
	third, err := HashLend(testDomain(), lower)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != third {
		t.Fatalf("asset casing changed the digest")
	}
}

func TestHashSaltAndDomainSeparation(t *testing.T) {
	_, lender := newSigner(t)
	base, err := HashLend(testDomain(), sampleLend(lender))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	salted := sampleLend(lender)
	salted.Salt = [32]byte{0xFF}
	saltedHash, err := HashLend(testDomain(), salted)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if base == saltedHash {
		t.Fatalf("different salts produced the same digest")
	}

	otherChain, err := HashLend(DefaultDomain(9999, "settlement"), sampleLend(lender))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if base == otherChain {
		t.Fatalf("different chain ids produced the same digest")
	}

	otherModule, err := HashLend(DefaultDomain(1887, "settlement-v2"), sampleLend(lender))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if base == otherModule {
		t.Fatalf("different module refs produced the same digest")
	}
}

func TestHashRejectsInvalidIntents(t *testing.T) {
	_, lender := newSigner(t)

	missingAmount := sampleLend(lender)
	missingAmount.Amount = nil
	if _, err := HashLend(testDomain(), missingAmount); err == nil {
		t.Fatalf("expected validation error for nil amount")
	}

	zeroSigner := sampleLend(crypto.Address{})
	if _, err := HashLend(testDomain(), zeroSigner); err == nil {
		t.Fatalf("expected validation error for zero signer")
	}

	badCollateral := sampleBorrow(lender)
	badCollateral.CollateralAmount = big.NewInt(0)
	if _, err := HashBorrow(testDomain(), badCollateral); err == nil {
		t.Fatalf("expected validation error for zero collateral amount")
	}
}

func TestKeySchemeVerify(t *testing.T) {
	key, signer := newSigner(t)
	digest, err := HashBorrow(testDomain(), sampleBorrow(signer))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var scheme KeyScheme
	if err := scheme.Verify(signer, digest, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	_, other := newSigner(t)
	if err := scheme.Verify(other, digest, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong signer, got %v", err)
	}

	tampered := append([]byte(nil), sig...)
	tampered[3] ^= 0x40
	if err := scheme.Verify(signer, digest, tampered); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered signature, got %v", err)
	}
}

type stubPolicy struct {
	valid bool
	err   error
	calls int
}

func (p *stubPolicy) IsValidSignature(digest [32]byte, signature []byte) (bool, error) {
	p.calls++
	return p.valid, p.err
}

func TestPolicyScheme(t *testing.T) {
	_, signer := newSigner(t)
	scheme := NewPolicyScheme()
	digest := [32]byte{0xAA}

	if err := scheme.Verify(signer, digest, []byte{0x01}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for unregistered signer, got %v", err)
	}

	policy := &stubPolicy{valid: true}
	scheme.Register(signer, policy)
	if !scheme.Registered(signer) {
		t.Fatalf("policy not registered")
	}
	if err := scheme.Verify(signer, digest, []byte{0x01}); err != nil {
		t.Fatalf("accepting policy rejected: %v", err)
	}
	if policy.calls != 1 {
		t.Fatalf("policy consulted %d times, want 1", policy.calls)
	}

	policy.valid = false
	if err := scheme.Verify(signer, digest, []byte{0x01}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature when policy rejects, got %v", err)
	}

	policy.valid = true
	policy.err = errors.New("policy offline")
	if err := scheme.Verify(signer, digest, []byte{0x01}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature when policy errors, got %v", err)
	}
}

func TestVerifierRoutesBySigner(t *testing.T) {
	key, keyed := newSigner(t)
	_, programmatic := newSigner(t)

	verifier := NewVerifier()
	policy := &stubPolicy{valid: true}
	verifier.RegisterPolicy(programmatic, policy)

	digest, err := HashLend(testDomain(), sampleLend(keyed))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := verifier.Verify(keyed, digest, sig); err != nil {
		t.Fatalf("key-backed signer rejected: %v", err)
	}
	if policy.calls != 0 {
		t.Fatalf("policy consulted for keyed signer")
	}

	// A registered signer never falls back to recovery, even with a
	// recoverable signature attached.
	if err := verifier.Verify(programmatic, digest, []byte{0x01}); err != nil {
		t.Fatalf("programmatic signer rejected: %v", err)
	}
	if policy.calls != 1 {
		t.Fatalf("policy consulted %d times, want 1", policy.calls)
	}
}

type memValidatorState struct {
	matched map[[32]byte]bool
}

func newMemValidatorState() *memValidatorState {
	return &memValidatorState{matched: make(map[[32]byte]bool)}
}

func (m *memValidatorState) MatchedHas(hash [32]byte) (bool, error) {
	return m.matched[hash], nil
}

func (m *memValidatorState) MatchedPut(hash [32]byte) error {
	m.matched[hash] = true
	return nil
}

func TestValidatorLifecycle(t *testing.T) {
	validator := NewValidator(NewVerifier())
	validator.SetState(newMemValidatorState())
	validator.SetNowFunc(func() int64 { return 1_000 })

	hash := [32]byte{0x01}
	if err := validator.ValidateOpen(hash, 2_000); err != nil {
		t.Fatalf("open intent rejected: %v", err)
	}
	if err := validator.ValidateOpen(hash, 500); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Zero expiry means the intent never expires.
	if err := validator.ValidateOpen(hash, 0); err != nil {
		t.Fatalf("non-expiring intent rejected: %v", err)
	}

	if err := validator.MarkMatched(hash); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	matched, err := validator.IsMatched(hash)
	if err != nil || !matched {
		t.Fatalf("IsMatched = %v, %v; want true, nil", matched, err)
	}
	if err := validator.ValidateOpen(hash, 2_000); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}
	if err := validator.MarkMatched(hash); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("second MarkMatched: expected ErrAlreadyMatched, got %v", err)
	}
}

func TestValidatorVerifySignature(t *testing.T) {
	key, signer := newSigner(t)
	validator := NewValidator(NewVerifier())
	validator.SetState(newMemValidatorState())

	digest, err := HashLend(testDomain(), sampleLend(signer))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := validator.VerifySignature(signer, digest, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	_, other := newSigner(t)
	if err := validator.VerifySignature(other, digest, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
