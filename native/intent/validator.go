package intent

import (
	"errors"
	"time"

	"creditnet/crypto"
)

var (
	// ErrAlreadyMatched is returned when the intent hash is permanently
	// terminal. The transition is one-way: no retry can reopen it.
	ErrAlreadyMatched = errors.New("intent: already matched")
	// ErrExpired is returned when the current time is past the intent's
	// expiry. There is no grace period and no retroactive matching.
	ErrExpired = errors.New("intent: expired")

	errNilValidatorState = errors.New("intent: validator state not configured")
)

type validatorState interface {
	MatchedHas(hash [32]byte) (bool, error)
	MatchedPut(hash [32]byte) error
}

// Validator tracks the Open → Matched lifecycle of intent hashes and applies
// the expiry check. Signature verification is delegated to the configured
// scheme.
type Validator struct {
	state    validatorState
	verifier SignatureScheme
	nowFn    func() int64
}

// NewValidator constructs a validator using the given signature scheme.
func NewValidator(verifier SignatureScheme) *Validator {
	return &Validator{
		verifier: verifier,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the validator to the matched-set persistence.
func (v *Validator) SetState(state validatorState) { v.state = state }

// SetNowFunc overrides the time source for deterministic tests.
func (v *Validator) SetNowFunc(now func() int64) {
	if v == nil || now == nil {
		return
	}
	v.nowFn = now
}

// ValidateOpen fails with ErrAlreadyMatched when the hash is terminal and
// with ErrExpired when the expiry has passed. A non-positive expiry means the
// intent carries no deadline and stays open until matched. It performs no
// mutation.
func (v *Validator) ValidateOpen(hash [32]byte, expiry int64) error {
	if v == nil || v.state == nil {
		return errNilValidatorState
	}
	matched, err := v.state.MatchedHas(hash)
	if err != nil {
		return err
	}
	if matched {
		return ErrAlreadyMatched
	}
	if expiry > 0 && v.nowFn() > expiry {
		return ErrExpired
	}
	return nil
}

// VerifySignature authenticates the digest signature for the signer through
// the configured scheme (key recovery or programmatic policy).
func (v *Validator) VerifySignature(signer crypto.Address, digest [32]byte, signature []byte) error {
	if v == nil || v.verifier == nil {
		return ErrBadSignature
	}
	return v.verifier.Verify(signer, digest, signature)
}

// MarkMatched records the one-way Open → Matched transition. Marking an
// already matched hash fails with ErrAlreadyMatched so concurrent winners are
// always distinguishable from no-ops.
func (v *Validator) MarkMatched(hash [32]byte) error {
	if v == nil || v.state == nil {
		return errNilValidatorState
	}
	matched, err := v.state.MatchedHas(hash)
	if err != nil {
		return err
	}
	if matched {
		return ErrAlreadyMatched
	}
	return v.state.MatchedPut(hash)
}

// IsMatched reports whether the hash is terminal. Pure read.
func (v *Validator) IsMatched(hash [32]byte) (bool, error) {
	if v == nil || v.state == nil {
		return false, errNilValidatorState
	}
	return v.state.MatchedHas(hash)
}

// Verifier returns the configured signature scheme.
func (v *Validator) Verifier() SignatureScheme {
	if v == nil {
		return nil
	}
	return v.verifier
}
