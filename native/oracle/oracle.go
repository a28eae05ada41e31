package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrPriceFeedDoesNotExist = errors.New("oracle: no price feed for token")
	ErrPriceStale            = errors.New("oracle: price update required before read")
	ErrInvalidProof          = errors.New("oracle: update proof rejected")
	ErrInvalidPrice          = errors.New("oracle: price must be positive")
)

// PriceScale is the fixed-point denominator of feed prices: a price of
// 1e8 values one token unit at exactly one USD unit.
var PriceScale = big.NewInt(100_000_000)

// Feed configures one token's price source.
type Feed struct {
	// Price is the spot price in PriceScale units of USD per token unit.
	Price *big.Int
	// SafePrice is the conservative fallback used by safe reads; zero means
	// safe reads fall back to spot.
	SafePrice *big.Int
	// UpdateRequired feeds refuse reads until an on-demand update lands
	// within MaxStale seconds of the read.
	UpdateRequired bool
	// MaxStale is the freshness window in seconds for update-required feeds.
	MaxStale int64
	// UpdatedAt is the unix time of the last accepted update.
	UpdatedAt int64
}

// Oracle is a registry-backed price source with on-demand update support.
// Update proofs are keyed keccak digests over (token, price, timestamp); the
// key is shared with the off-chain price attester.
type Oracle struct {
	mu       sync.RWMutex
	feeds    map[common.Address]*Feed
	proofKey []byte
	nowFn    func() int64
}

// New creates an oracle verifying update proofs against the given key.
func New(proofKey []byte) *Oracle {
	return &Oracle{
		feeds:    make(map[common.Address]*Feed),
		proofKey: append([]byte(nil), proofKey...),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the staleness clock for tests.
func (o *Oracle) SetNowFunc(now func() int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	o.nowFn = now
}

// SetFeed installs or replaces a token's feed. Configurator action.
func (o *Oracle) SetFeed(token common.Address, feed Feed) error {
	if feed.Price == nil || feed.Price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stored := feed
	stored.Price = new(big.Int).Set(feed.Price)
	if feed.SafePrice != nil {
		stored.SafePrice = new(big.Int).Set(feed.SafePrice)
	}
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = o.nowFn()
	}
	o.feeds[token] = &stored
	return nil
}

// UpdateDigest is the preimage an attester signs for an on-demand update.
func UpdateDigest(key []byte, token common.Address, price *big.Int, timestamp int64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return ethcrypto.Keccak256(key, token.Bytes(), common.BigToHash(price).Bytes(), ts[:])
}

// ApplyUpdate lands a signed on-demand price update. Updates older than the
// stored one are ignored rather than rejected, so racing bots stay idempotent.
func (o *Oracle) ApplyUpdate(token common.Address, price *big.Int, timestamp int64, proof []byte) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if !bytes.Equal(proof, UpdateDigest(o.proofKey, token, price, timestamp)) {
		return ErrInvalidProof
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	feed, ok := o.feeds[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPriceFeedDoesNotExist, token.Hex())
	}
	if timestamp <= feed.UpdatedAt {
		return nil
	}
	feed.Price = new(big.Int).Set(price)
	feed.UpdatedAt = timestamp
	return nil
}

// price resolves the effective price for a read. Callers hold o.mu.
func (o *Oracle) price(token common.Address, safe bool) (*big.Int, error) {
	feed, ok := o.feeds[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceFeedDoesNotExist, token.Hex())
	}
	if feed.UpdateRequired {
		age := o.nowFn() - feed.UpdatedAt
		if feed.MaxStale > 0 && age > feed.MaxStale {
			return nil, fmt.Errorf("%w: %s last updated %ds ago", ErrPriceStale, token.Hex(), age)
		}
	}
	price := feed.Price
	if safe && feed.SafePrice != nil && feed.SafePrice.Sign() > 0 && feed.SafePrice.Cmp(price) < 0 {
		price = feed.SafePrice
	}
	return new(big.Int).Set(price), nil
}

// ValueUSD prices an amount of token in USD units at PriceScale precision of
// the amount's own scale.
func (o *Oracle) ValueUSD(token common.Address, amount *big.Int, safe bool) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, err := o.price(token, safe)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, PriceScale), nil
}

// Convert reprices an amount of one token into another via their USD feeds.
func (o *Oracle) Convert(amount *big.Int, from, to common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if from == to {
		if amount == nil {
			return big.NewInt(0), nil
		}
		return new(big.Int).Set(amount), nil
	}
	fromPrice, err := o.price(from, false)
	if err != nil {
		return nil, err
	}
	toPrice, err := o.price(to, false)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(amount, fromPrice)
	return out.Quo(out, toPrice), nil
}
