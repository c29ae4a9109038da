package intent

import (
	"errors"
	"fmt"
	"sync"

	"creditnet/crypto"
)

// ErrBadSignature is returned when a signature does not authenticate the
// claimed signer under any applicable scheme.
var ErrBadSignature = errors.New("intent: signature verification failed")

// SignatureScheme authenticates a digest signature for a signer address.
// Implementations cover the two signer kinds the protocol supports: an
// individually keyed signer and a programmatic signer whose own policy
// decides validity.
type SignatureScheme interface {
	Verify(signer crypto.Address, digest [32]byte, signature []byte) error
}

// KeyScheme verifies 65-byte recoverable secp256k1 signatures: the recovered
// address must equal the claimed signer.
type KeyScheme struct{}

// Verify implements the SignatureScheme interface.
func (KeyScheme) Verify(signer crypto.Address, digest [32]byte, signature []byte) error {
	if signer.IsZero() {
		return errZeroSigner
	}
	recovered, err := crypto.RecoverAddress(digest[:], signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != signer {
		return fmt.Errorf("%w: recovered %s, want %s", ErrBadSignature, recovered, signer)
	}
	return nil
}

// SignerPolicy is the hook a programmatic signer exposes to validate
// signatures under its own rules (threshold sets, session keys, delegation).
type SignerPolicy interface {
	IsValidSignature(digest [32]byte, signature []byte) (bool, error)
}

// PolicyScheme verifies signatures by delegating to the policy registered
// for the signer address.
type PolicyScheme struct {
	mu       sync.RWMutex
	policies map[crypto.Address]SignerPolicy
}

// NewPolicyScheme constructs an empty policy registry.
func NewPolicyScheme() *PolicyScheme {
	return &PolicyScheme{policies: make(map[crypto.Address]SignerPolicy)}
}

// Register binds a policy to a programmatic signer address.
func (p *PolicyScheme) Register(signer crypto.Address, policy SignerPolicy) {
	if p == nil || policy == nil || signer.IsZero() {
		return
	}
	p.mu.Lock()
	p.policies[signer] = policy
	p.mu.Unlock()
}

// Registered reports whether the signer has a bound policy.
func (p *PolicyScheme) Registered(signer crypto.Address) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	_, ok := p.policies[signer]
	p.mu.RUnlock()
	return ok
}

// Verify implements the SignatureScheme interface.
func (p *PolicyScheme) Verify(signer crypto.Address, digest [32]byte, signature []byte) error {
	if p == nil {
		return fmt.Errorf("%w: no policy registry", ErrBadSignature)
	}
	p.mu.RLock()
	policy, ok := p.policies[signer]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no policy registered for %s", ErrBadSignature, signer)
	}
	valid, err := policy.IsValidSignature(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: policy error: %v", ErrBadSignature, err)
	}
	if !valid {
		return fmt.Errorf("%w: policy rejected signature for %s", ErrBadSignature, signer)
	}
	return nil
}

// Verifier routes signature checks to the right scheme per signer: a signer
// with a registered policy is treated as programmatic, everything else falls
// back to plain key recovery.
type Verifier struct {
	key      KeyScheme
	policies *PolicyScheme
}

// NewVerifier constructs a verifier with an empty policy registry.
func NewVerifier() *Verifier {
	return &Verifier{policies: NewPolicyScheme()}
}

// RegisterPolicy binds a programmatic-signer policy.
func (v *Verifier) RegisterPolicy(signer crypto.Address, policy SignerPolicy) {
	if v == nil {
		return
	}
	v.policies.Register(signer, policy)
}

// Verify implements the SignatureScheme interface.
func (v *Verifier) Verify(signer crypto.Address, digest [32]byte, signature []byte) error {
	if v == nil {
		return fmt.Errorf("%w: verifier not configured", ErrBadSignature)
	}
	if v.policies.Registered(signer) {
		return v.policies.Verify(signer, digest, signature)
	}
	return v.key.Verify(signer, digest, signature)
}
