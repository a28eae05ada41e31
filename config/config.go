package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"margincore/native/credit"
	"margincore/native/pool"
)

// Config is the margind node configuration parsed from TOML.
type Config struct {
	Node    NodeConfig     `toml:"node"`
	Risk    RiskConfig     `toml:"risk"`
	Pool    PoolConfig     `toml:"pool"`
	Oracle  OracleConfig   `toml:"oracle"`
	Tokens  []TokenConfig  `toml:"tokens"`
	Gateway GatewayRef     `toml:"gateway"`
	Storage StorageConfig  `toml:"storage"`
	Bots    []BotGrantSeed `toml:"bots"`
}

// NodeConfig names the service for logging and metrics.
type NodeConfig struct {
	Service     string `toml:"Service"`
	Environment string `toml:"Environment"`
	// BlockIntervalSeconds sets how often the daemon advances its block
	// height, which drives interest accrual and the per-block borrow limits.
	BlockIntervalSeconds int `toml:"BlockIntervalSeconds"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "leveldb".
	Backend string `toml:"Backend"`
	Path    string `toml:"Path"`
}

// GatewayRef points at the gateway's own YAML configuration.
type GatewayRef struct {
	ConfigPath string `toml:"ConfigPath"`
}

// RiskConfig captures the credit risk schedule as operators write it.
// Amounts are decimal strings in underlying base units.
type RiskConfig struct {
	FeeInterestBps                uint16 `toml:"FeeInterestBps"`
	FeeLiquidationBps             uint16 `toml:"FeeLiquidationBps"`
	LiquidationDiscountBps        uint16 `toml:"LiquidationDiscountBps"`
	FeeLiquidationExpiredBps      uint16 `toml:"FeeLiquidationExpiredBps"`
	LiquidationDiscountExpiredBps uint16 `toml:"LiquidationDiscountExpiredBps"`
	MinDebt                       string `toml:"MinDebt"`
	MaxDebt                       string `toml:"MaxDebt"`
	MaxDebtPerBlockMultiplier     uint8  `toml:"MaxDebtPerBlockMultiplier"`
	MaxEnabledTokens              uint8  `toml:"MaxEnabledTokens"`
	MaxCumulativeLoss             string `toml:"MaxCumulativeLoss"`
	Expirable                     bool   `toml:"Expirable"`
	ExpirationDate                int64  `toml:"ExpirationDate"`
	WhitelistedMode               bool   `toml:"WhitelistedMode"`
	PreferExpiredSchedule         bool   `toml:"PreferExpiredSchedule"`
}

// PoolConfig shapes the lending pool's interest curve.
type PoolConfig struct {
	Underlying string  `toml:"Underlying"`
	Address    string  `toml:"Address"`
	BaseRate   float64 `toml:"BaseRate"`
	Slope1     float64 `toml:"Slope1"`
	Slope2     float64 `toml:"Slope2"`
	Kink       float64 `toml:"Kink"`
}

// OracleConfig seeds price feeds.
type OracleConfig struct {
	// ProofKeyHex is the shared attester key verifying on-demand updates.
	ProofKeyHex string       `toml:"ProofKeyHex"`
	Feeds       []FeedConfig `toml:"feeds"`
}

// FeedConfig is one token's price feed seed.
type FeedConfig struct {
	Token          string `toml:"Token"`
	Price          string `toml:"Price"`
	SafePrice      string `toml:"SafePrice"`
	UpdateRequired bool   `toml:"UpdateRequired"`
	MaxStale       int64  `toml:"MaxStale"`
}

// TokenConfig is one collateral registry seed entry.
type TokenConfig struct {
	Token                   string `toml:"Token"`
	LiquidationThresholdBps uint16 `toml:"LiquidationThresholdBps"`
	// Quoted tokens get a quota market with the given rate and global limit.
	Quoted        bool   `toml:"Quoted"`
	QuotaRateBps  uint16 `toml:"QuotaRateBps"`
	QuotaLimit    string `toml:"QuotaLimit"`
	IncreaseFee   uint16 `toml:"QuotaIncreaseFeeBps"`
	ForbiddenFlag bool   `toml:"Forbidden"`
}

// BotGrantSeed blacklists bots at boot.
type BotGrantSeed struct {
	Bot       string `toml:"Bot"`
	Forbidden bool   `toml:"Forbidden"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalise trims strings and applies defaults in place.
func (c *Config) Normalise() {
	c.Node.Service = strings.TrimSpace(c.Node.Service)
	if c.Node.Service == "" {
		c.Node.Service = "margind"
	}
	if c.Node.BlockIntervalSeconds <= 0 {
		c.Node.BlockIntervalSeconds = 1
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Risk.MaxEnabledTokens == 0 {
		c.Risk.MaxEnabledTokens = 12
	}
	if c.Risk.LiquidationDiscountBps == 0 {
		c.Risk.LiquidationDiscountBps = 9500
	}
	if c.Risk.LiquidationDiscountExpiredBps == 0 {
		c.Risk.LiquidationDiscountExpiredBps = 9800
	}
}

// Validate rejects configurations the engines would refuse at runtime.
func (c *Config) Validate() error {
	for _, bps := range []struct {
		name  string
		value uint16
	}{
		{"FeeInterestBps", c.Risk.FeeInterestBps},
		{"FeeLiquidationBps", c.Risk.FeeLiquidationBps},
		{"LiquidationDiscountBps", c.Risk.LiquidationDiscountBps},
		{"FeeLiquidationExpiredBps", c.Risk.FeeLiquidationExpiredBps},
		{"LiquidationDiscountExpiredBps", c.Risk.LiquidationDiscountExpiredBps},
	} {
		if bps.value > 10_000 {
			return fmt.Errorf("config: %s above 100%%", bps.name)
		}
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "leveldb" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "leveldb" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("config: leveldb backend requires Storage.Path")
	}
	if c.Pool.Underlying != "" && !common.IsHexAddress(c.Pool.Underlying) {
		return fmt.Errorf("config: invalid pool underlying address %q", c.Pool.Underlying)
	}
	for _, token := range c.Tokens {
		if !common.IsHexAddress(token.Token) {
			return fmt.Errorf("config: invalid token address %q", token.Token)
		}
		if token.LiquidationThresholdBps > 10_000 {
			return fmt.Errorf("config: token %s threshold above 100%%", token.Token)
		}
	}
	for _, feed := range c.Oracle.Feeds {
		if !common.IsHexAddress(feed.Token) {
			return fmt.Errorf("config: invalid feed token address %q", feed.Token)
		}
	}
	return nil
}

// ManagerParams converts the risk section into engine parameters.
func (c *Config) ManagerParams() (credit.ManagerParams, error) {
	maxLoss, err := parseAmount(c.Risk.MaxCumulativeLoss, "MaxCumulativeLoss")
	if err != nil {
		return credit.ManagerParams{}, err
	}
	return credit.ManagerParams{
		Fees: credit.FeeParams{
			FeeInterest:                c.Risk.FeeInterestBps,
			FeeLiquidation:             c.Risk.FeeLiquidationBps,
			LiquidationDiscount:        c.Risk.LiquidationDiscountBps,
			FeeLiquidationExpired:      c.Risk.FeeLiquidationExpiredBps,
			LiquidationDiscountExpired: c.Risk.LiquidationDiscountExpiredBps,
		},
		MaxEnabledTokens:  c.Risk.MaxEnabledTokens,
		MaxCumulativeLoss: maxLoss,
	}, nil
}

// FacadeParams converts the risk section into facade parameters.
func (c *Config) FacadeParams() (credit.FacadeParams, error) {
	minDebt, err := parseAmount(c.Risk.MinDebt, "MinDebt")
	if err != nil {
		return credit.FacadeParams{}, err
	}
	maxDebt, err := parseAmount(c.Risk.MaxDebt, "MaxDebt")
	if err != nil {
		return credit.FacadeParams{}, err
	}
	return credit.FacadeParams{
		Limits:                    credit.DebtLimits{MinDebt: minDebt, MaxDebt: maxDebt},
		MaxDebtPerBlockMultiplier: c.Risk.MaxDebtPerBlockMultiplier,
		Expirable:                 c.Risk.Expirable,
		ExpirationDate:            c.Risk.ExpirationDate,
		WhitelistedMode:           c.Risk.WhitelistedMode,
		PreferExpiredSchedule:     c.Risk.PreferExpiredSchedule,
	}, nil
}

// InterestModel builds the pool's rate curve.
func (c *Config) InterestModel() *pool.InterestModel {
	return pool.NewInterestModel(c.Pool.BaseRate, c.Pool.Slope1, c.Pool.Slope2, c.Pool.Kink)
}

func parseAmount(value, name string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid %s amount %q", name, value)
	}
	return amount, nil
}
