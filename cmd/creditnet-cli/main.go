package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"creditnet/crypto"
	"creditnet/gateway/auth"
	"creditnet/native/intent"
)

const usage = `creditnet-cli <command> [flags]

Commands:
  keygen       generate a keypair and write an encrypted keystore
  address      print the address of a keystore
  sign-lend    hash and sign a lend intent
  sign-borrow  hash and sign a borrow intent
  token        mint a gateway bearer token for a keystore address
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "address":
		err = runAddress(os.Args[2:])
	case "sign-lend":
		err = runSignLend(os.Args[2:])
	case "sign-borrow":
		err = runSignBorrow(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(first), nil
	}
	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "creditnet.keystore", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase, err := promptPassphrase(true)
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.WriteKeystore(*out, key, passphrase); err != nil {
		return err
	}
	fmt.Printf("address: %s\nkeystore: %s\n", key.PubKey().Address(), *out)
	return nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	passphrase, err := promptPassphrase(false)
	if err != nil {
		return nil, err
	}
	return crypto.ReadKeystore(path, passphrase)
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	keystore := fs.String("keystore", "creditnet.keystore", "keystore path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address())
	return nil
}

func parseSalt(raw string) ([32]byte, error) {
	var salt [32]byte
	if strings.TrimSpace(raw) == "" {
		if _, err := rand.Read(salt[:]); err != nil {
			return salt, err
		}
		return salt, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != 32 {
		return salt, fmt.Errorf("salt must be 32 hex-encoded bytes")
	}
	copy(salt[:], b)
	return salt, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

type domainFlags struct {
	chainID   *uint64
	moduleRef *string
}

func addDomainFlags(fs *flag.FlagSet) domainFlags {
	return domainFlags{
		chainID:   fs.Uint64("chain-id", 1887, "network identifier"),
		moduleRef: fs.String("module-ref", "settlement", "settlement module reference"),
	}
}

func (d domainFlags) domain() intent.Domain {
	return intent.DefaultDomain(*d.chainID, *d.moduleRef)
}

func runSignLend(args []string) error {
	fs := flag.NewFlagSet("sign-lend", flag.ExitOnError)
	keystore := fs.String("keystore", "creditnet.keystore", "keystore path")
	asset := fs.String("asset", "", "asset symbol")
	amount := fs.String("amount", "", "amount in base units")
	expiry := fs.Int64("expiry", time.Now().Add(24*time.Hour).Unix(), "unix expiry, 0 for none")
	saltFlag := fs.String("salt", "", "32-byte hex salt, random when empty")
	domain := addDomainFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return err
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	salt, err := parseSalt(*saltFlag)
	if err != nil {
		return err
	}
	li := &intent.LendIntent{
		Lender: key.PubKey().Address(),
		Asset:  *asset,
		Amount: value,
		Expiry: *expiry,
		Salt:   salt,
	}
	digest, err := intent.HashLend(domain.domain(), li)
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		return err
	}
	fmt.Printf("lender:    %s\nhash:      %s\nsalt:      %s\nsignature: %s\n",
		li.Lender, hex.EncodeToString(digest[:]), hex.EncodeToString(salt[:]), hex.EncodeToString(sig))
	return nil
}

func runSignBorrow(args []string) error {
	fs := flag.NewFlagSet("sign-borrow", flag.ExitOnError)
	keystore := fs.String("keystore", "creditnet.keystore", "keystore path")
	asset := fs.String("asset", "", "asset symbol")
	amount := fs.String("amount", "", "amount in base units")
	collateralAsset := fs.String("collateral-asset", "", "collateral asset symbol")
	collateralAmount := fs.String("collateral-amount", "0", "collateral amount in base units")
	termDays := fs.Uint("term-days", 30, "loan term in days")
	rateBps := fs.Uint64("rate-bps", 0, "agreed interest rate in basis points")
	expiry := fs.Int64("expiry", time.Now().Add(24*time.Hour).Unix(), "unix expiry, 0 for none")
	saltFlag := fs.String("salt", "", "32-byte hex salt, random when empty")
	domain := addDomainFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return err
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	salt, err := parseSalt(*saltFlag)
	if err != nil {
		return err
	}
	bi := &intent.BorrowIntent{
		Borrower: key.PubKey().Address(),
		Asset:    *asset,
		Amount:   value,
		TermDays: uint32(*termDays),
		RateBps:  *rateBps,
		Expiry:   *expiry,
		Salt:     salt,
	}
	if strings.TrimSpace(*collateralAsset) != "" {
		collateral, err := parseAmount(*collateralAmount)
		if err != nil {
			return err
		}
		bi.CollateralAsset = *collateralAsset
		bi.CollateralAmount = collateral
	}
	digest, err := intent.HashBorrow(domain.domain(), bi)
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		return err
	}
	fmt.Printf("borrower:  %s\nhash:      %s\nsalt:      %s\nsignature: %s\n",
		bi.Borrower, hex.EncodeToString(digest[:]), hex.EncodeToString(salt[:]), hex.EncodeToString(sig))
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	keystore := fs.String("keystore", "creditnet.keystore", "keystore path")
	secretEnv := fs.String("secret-env", "CREDITNET_JWT_SECRET", "environment variable holding the gateway secret")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv(*secretEnv)
	if secret == "" {
		return fmt.Errorf("environment variable %s is empty", *secretEnv)
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return err
	}
	token, err := auth.NewAuthenticator(secret, "creditnetd").MintToken(key.PubKey().Address(), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
