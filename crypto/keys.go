package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part used when rendering participant
// addresses in bech32 form.
const AddressPrefix = "cn"

// AddressLength is the canonical byte length of a participant address.
const AddressLength = 20

// Address identifies a protocol participant. The zero value is the null
// address and is rejected by every mutating operation.
type Address [AddressLength]byte

// NewAddress copies the provided bytes into an Address. It returns an error
// when the slice is not exactly AddressLength bytes.
func NewAddress(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressLength {
		return addr, fmt.Errorf("crypto: address must be %d bytes, got %d", AddressLength, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// MustAddress is a convenience constructor for code paths (tests, fixtures)
// where the input length is known to be valid.
func MustAddress(b []byte) Address {
	addr, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return addr
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is the null address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders the address in bech32 form with the canonical prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

// DecodeAddress parses a bech32 address string and validates the prefix.
func DecodeAddress(s string) (Address, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a new random secp256k1 key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes reconstructs a private key from its raw byte form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the public half of the key pair.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over the provided 32-byte
// digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, k.PrivateKey)
}

// Address derives the participant address for the public key.
func (k *PublicKey) Address() Address {
	raw := ethcrypto.PubkeyToAddress(*k.PublicKey)
	addr, _ := NewAddress(raw.Bytes())
	return addr
}

// RecoverAddress recovers the signer address from a 65-byte recoverable
// signature over the given digest.
func RecoverAddress(digest, signature []byte) (Address, error) {
	if len(digest) != 32 {
		return Address{}, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return (&PublicKey{pub}).Address(), nil
}

// VerifySignature reports whether the signature over digest was produced by
// the key controlling the expected address.
func VerifySignature(expected Address, digest, signature []byte) bool {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return bytes.Equal(recovered[:], expected[:])
}
