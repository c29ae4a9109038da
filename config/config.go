package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"creditnet/crypto"
	nativecommon "creditnet/native/common"
)

// Asset describes one settleable asset: its base-unit decimals, the external
// price-feed identifier and an optional default unit value used when the
// price source is unusable.
type Asset struct {
	Symbol           string `toml:"Symbol"`
	Decimals         uint8  `toml:"Decimals"`
	FeedID           string `toml:"FeedID"`
	DefaultUnitValue string `toml:"DefaultUnitValue"`
}

// Config is the daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	ChainID       uint64 `toml:"ChainID"`
	ModuleRef     string `toml:"ModuleRef"`

	PoolAddress string `toml:"PoolAddress"`
	FeeSink     string `toml:"FeeSink"`

	QuoteSymbol        string  `toml:"QuoteSymbol"`
	PriceFeedURL       string  `toml:"PriceFeedURL"`
	PriceMaxAgeSeconds uint64  `toml:"PriceMaxAgeSeconds"`
	Assets             []Asset `toml:"Assets"`

	DefaultFeeBps       uint64 `toml:"DefaultFeeBps"`
	RefreshBatchCeiling int    `toml:"RefreshBatchCeiling"`

	KeystorePath string   `toml:"KeystorePath"`
	JWTSecretEnv string   `toml:"JWTSecretEnv"`
	Paused       []string `toml:"Paused"`

	// Roles maps a role name onto the bech32 addresses holding it.
	Roles map[string][]string `toml:"Roles"`
}

const (
	defaultListenAddress = ":8545"
	defaultNetworkName   = "creditnet-local"
	defaultChainID       = 1887
	defaultModuleRef     = "settlement"
	defaultQuoteSymbol   = "USD"
	defaultPriceMaxAge   = 300
	defaultFeeBps        = 50
	defaultBatchCeiling  = 100
	defaultJWTSecretEnv  = "CREDITNET_JWT_SECRET"
)

// Load reads the configuration from path, creating a default file when none
// exists, and applies Normalise.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills defaults and validates the fields that would otherwise fail
// deep inside engine wiring.
func (c *Config) Normalise() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = defaultNetworkName
	}
	if c.ChainID == 0 {
		c.ChainID = defaultChainID
	}
	if strings.TrimSpace(c.ModuleRef) == "" {
		c.ModuleRef = defaultModuleRef
	}
	if strings.TrimSpace(c.QuoteSymbol) == "" {
		c.QuoteSymbol = defaultQuoteSymbol
	}
	if c.PriceMaxAgeSeconds == 0 {
		c.PriceMaxAgeSeconds = defaultPriceMaxAge
	}
	if c.DefaultFeeBps == 0 {
		c.DefaultFeeBps = defaultFeeBps
	}
	if c.DefaultFeeBps > 10_000 {
		return fmt.Errorf("config: DefaultFeeBps %d exceeds 10000", c.DefaultFeeBps)
	}
	if c.RefreshBatchCeiling <= 0 {
		c.RefreshBatchCeiling = defaultBatchCeiling
	}
	if strings.TrimSpace(c.JWTSecretEnv) == "" {
		c.JWTSecretEnv = defaultJWTSecretEnv
	}
	if c.Assets == nil {
		c.Assets = []Asset{}
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(c.Assets[i].Symbol))
		if symbol == "" {
			return fmt.Errorf("config: asset %d has no symbol", i)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("config: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
		c.Assets[i].Symbol = symbol
	}
	for _, field := range []struct{ name, value string }{
		{"PoolAddress", c.PoolAddress},
		{"FeeSink", c.FeeSink},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(field.value); err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	return nil
}

// BuildRoles materialises the configured role grants into a role table the
// engines can consult.
func (c *Config) BuildRoles() (*nativecommon.StaticRoles, error) {
	roles := nativecommon.NewStaticRoles()
	for role, members := range c.Roles {
		for _, member := range members {
			addr, err := crypto.DecodeAddress(strings.TrimSpace(member))
			if err != nil {
				return nil, fmt.Errorf("config: role %s member %q: %w", role, member, err)
			}
			roles.Grant(role, addr)
		}
	}
	return roles, nil
}

// PoolAddr decodes the configured reservation pool address.
func (c *Config) PoolAddr() (crypto.Address, error) {
	if strings.TrimSpace(c.PoolAddress) == "" {
		return crypto.Address{}, fmt.Errorf("config: PoolAddress not set")
	}
	return crypto.DecodeAddress(c.PoolAddress)
}

// FeeSinkAddr decodes the configured fee sink address.
func (c *Config) FeeSinkAddr() (crypto.Address, error) {
	if strings.TrimSpace(c.FeeSink) == "" {
		return crypto.Address{}, fmt.Errorf("config: FeeSink not set")
	}
	return crypto.DecodeAddress(c.FeeSink)
}

// IsPaused implements the pause view over the static config list. Runtime
// pause flips live in the state store; this covers boot-time configuration.
func (c *Config) IsPaused(module string) bool {
	for _, m := range c.Paused {
		if strings.EqualFold(strings.TrimSpace(m), module) {
			return true
		}
	}
	return false
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Assets: []Asset{
			{Symbol: "USDC", Decimals: 6, FeedID: "usd-coin", DefaultUnitValue: "1"},
			{Symbol: "WETH", Decimals: 18, FeedID: "ethereum"},
		},
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	return cfg, nil
}
