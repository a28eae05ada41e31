package quotas

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"margincore/native/credit"
)

var (
	ErrTokenNotQuoted  = errors.New("quotas: token has no quota market")
	ErrTokenQuoted     = errors.New("quotas: token already has a quota market")
	ErrQuotaBelowMin   = errors.New("quotas: clamped quota below requested minimum")
	ErrQuotaOutOfRange = errors.New("quotas: quota exceeds representable range")
)

const (
	percentageFactor = 10_000
	secondsPerYear   = 31_536_000
)

// maxQuota bounds a single quota at the 96-bit signed range carried over from
// the wire format quotas originally lived in.
var maxQuota = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 95), big.NewInt(1))

// tokenMarket is the global quota state of one quoted token.
type tokenMarket struct {
	limit          *big.Int
	totalQuoted    *big.Int
	rateBps        uint16
	increaseFeeBps uint16
	// index accumulates rateBps-seconds; an account's interest since its
	// last touch is quota * (index - indexLU) / (10000 * secondsPerYear).
	index     *big.Int
	updatedAt int64
}

func (m *tokenMarket) clone() *tokenMarket {
	return &tokenMarket{
		limit:          new(big.Int).Set(m.limit),
		totalQuoted:    new(big.Int).Set(m.totalQuoted),
		rateBps:        m.rateBps,
		increaseFeeBps: m.increaseFeeBps,
		index:          new(big.Int).Set(m.index),
		updatedAt:      m.updatedAt,
	}
}

// accountQuota is one (account, token) quota position.
type accountQuota struct {
	quota   *big.Int
	indexLU *big.Int
	// pending is interest realized by quota updates but not yet pulled by
	// the credit manager.
	pending *big.Int
}

func (q *accountQuota) clone() *accountQuota {
	return &accountQuota{
		quota:   new(big.Int).Set(q.quota),
		indexLU: new(big.Int).Set(q.indexLU),
		pending: new(big.Int).Set(q.pending),
	}
}

type quotaKey struct {
	account credit.AccountID
	token   common.Address
}

type keeperState struct {
	markets map[common.Address]*tokenMarket
	quotas  map[quotaKey]*accountQuota
}

func (s keeperState) clone() keeperState {
	out := keeperState{
		markets: make(map[common.Address]*tokenMarket, len(s.markets)),
		quotas:  make(map[quotaKey]*accountQuota, len(s.quotas)),
	}
	for token, market := range s.markets {
		out.markets[token] = market.clone()
	}
	for key, quota := range s.quotas {
		out.quotas[key] = quota.clone()
	}
	return out
}

// Keeper tracks per-token global quota caps and per-account quota interest.
type Keeper struct {
	mu        sync.Mutex
	state     keeperState
	snapshots []keeperState
	nowFn     func() int64
}

// NewKeeper creates an empty quota keeper.
func NewKeeper() *Keeper {
	return &Keeper{
		state: keeperState{
			markets: make(map[common.Address]*tokenMarket),
			quotas:  make(map[quotaKey]*accountQuota),
		},
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the accrual clock for tests.
func (k *Keeper) SetNowFunc(now func() int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	k.nowFn = now
}

// AddMarket opens a quota market for a token. Configurator action.
func (k *Keeper) AddMarket(token common.Address, rateBps uint16, limit *big.Int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.state.markets[token]; exists {
		return ErrTokenQuoted
	}
	k.state.markets[token] = &tokenMarket{
		limit:       cloneOrZero(limit),
		totalQuoted: big.NewInt(0),
		rateBps:     rateBps,
		index:       big.NewInt(0),
		updatedAt:   k.nowFn(),
	}
	return nil
}

// SetTokenLimit replaces a token's global quota cap.
func (k *Keeper) SetTokenLimit(token common.Address, limit *big.Int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	market, ok := k.state.markets[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotQuoted, token.Hex())
	}
	market.limit = cloneOrZero(limit)
	return nil
}

// SetTokenRate adjusts a token's annual quota interest rate.
func (k *Keeper) SetTokenRate(token common.Address, rateBps uint16) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	market, ok := k.state.markets[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotQuoted, token.Hex())
	}
	k.accrueMarket(market)
	market.rateBps = rateBps
	return nil
}

// SetTokenQuotaIncreaseFee sets the one-time fee charged on quota increases.
func (k *Keeper) SetTokenQuotaIncreaseFee(token common.Address, feeBps uint16) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	market, ok := k.state.markets[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotQuoted, token.Hex())
	}
	market.increaseFeeBps = feeBps
	return nil
}

// SetLimitsToZero floors the given tokens' limits at one unit, halting
// quota-backed borrowing against them after a loss liquidation.
func (k *Keeper) SetLimitsToZero(tokens []common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, token := range tokens {
		if market, ok := k.state.markets[token]; ok {
			market.limit = big.NewInt(1)
		}
	}
}

// accrueMarket folds elapsed time into the market's interest index. Callers
// hold k.mu.
func (k *Keeper) accrueMarket(market *tokenMarket) {
	now := k.nowFn()
	if now <= market.updatedAt {
		return
	}
	elapsed := now - market.updatedAt
	market.updatedAt = now
	if market.rateBps == 0 {
		return
	}
	delta := new(big.Int).Mul(big.NewInt(int64(market.rateBps)), big.NewInt(elapsed))
	market.index = new(big.Int).Add(market.index, delta)
}

// realize moves the interest a quota earned since its last touch into its
// pending bucket. Callers hold k.mu.
func realize(market *tokenMarket, quota *accountQuota) {
	if quota.quota.Sign() > 0 {
		deltaIdx := new(big.Int).Sub(market.index, quota.indexLU)
		if deltaIdx.Sign() > 0 {
			interest := new(big.Int).Mul(quota.quota, deltaIdx)
			interest.Quo(interest, big.NewInt(percentageFactor*secondsPerYear))
			quota.pending.Add(quota.pending, interest)
		}
	}
	quota.indexLU = new(big.Int).Set(market.index)
}

// UpdateQuota applies a signed quota change for the account, clamped by the
// token's remaining global capacity, and reports whether the token's slot
// should be force-enabled or force-disabled.
func (k *Keeper) UpdateQuota(account credit.AccountID, change credit.QuotaChange) (enable, disable bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	market, ok := k.state.markets[change.Token]
	if !ok {
		return false, false, fmt.Errorf("%w: %s", ErrTokenNotQuoted, change.Token.Hex())
	}
	k.accrueMarket(market)

	key := quotaKey{account: account, token: change.Token}
	quota := k.state.quotas[key]
	if quota == nil {
		quota = &accountQuota{
			quota:   big.NewInt(0),
			indexLU: new(big.Int).Set(market.index),
			pending: big.NewInt(0),
		}
		k.state.quotas[key] = quota
	}
	realize(market, quota)

	delta := cloneOrZero(change.Change)
	old := new(big.Int).Set(quota.quota)
	next := new(big.Int).Add(old, delta)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	if next.Cmp(maxQuota) > 0 {
		return false, false, ErrQuotaOutOfRange
	}

	if next.Cmp(old) > 0 {
		// Increases compete for the token's remaining global capacity and
		// get truncated rather than rejected.
		headroom := new(big.Int).Sub(market.limit, market.totalQuoted)
		if headroom.Sign() < 0 {
			headroom = big.NewInt(0)
		}
		increase := new(big.Int).Sub(next, old)
		if increase.Cmp(headroom) > 0 {
			increase = headroom
			next = new(big.Int).Add(old, increase)
		}
		if market.increaseFeeBps > 0 && increase.Sign() > 0 {
			fee := new(big.Int).Mul(increase, big.NewInt(int64(market.increaseFeeBps)))
			fee.Quo(fee, big.NewInt(percentageFactor))
			quota.pending.Add(quota.pending, fee)
		}
	}
	if change.MinQuota != nil && next.Cmp(change.MinQuota) < 0 {
		return false, false, fmt.Errorf("%w: got %s, want at least %s", ErrQuotaBelowMin, next, change.MinQuota)
	}

	market.totalQuoted = new(big.Int).Add(market.totalQuoted, new(big.Int).Sub(next, old))
	quota.quota = next
	return old.Sign() == 0 && next.Sign() > 0, old.Sign() > 0 && next.Sign() == 0, nil
}

// Quota returns the account's quota for the token in underlying units.
func (k *Keeper) Quota(account credit.AccountID, token common.Address) *big.Int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if quota, ok := k.state.quotas[quotaKey{account: account, token: token}]; ok {
		return new(big.Int).Set(quota.quota)
	}
	return big.NewInt(0)
}

// AccrueInterest realizes and drains the account's quota interest across all
// of its quoted tokens. The credit manager books the returned amount onto the
// account record.
func (k *Keeper) AccrueInterest(account credit.AccountID) (*big.Int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	total := big.NewInt(0)
	for key, quota := range k.state.quotas {
		if key.account != account {
			continue
		}
		market := k.state.markets[key.token]
		if market == nil {
			continue
		}
		k.accrueMarket(market)
		realize(market, quota)
		if quota.pending.Sign() > 0 {
			total.Add(total, quota.pending)
			quota.pending = big.NewInt(0)
		}
	}
	return total, nil
}

// RemoveAccount releases all of a closed account's quotas back to the global
// capacity. Unpulled pending interest dies with the account; the manager
// realizes interest before closing.
func (k *Keeper) RemoveAccount(account credit.AccountID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, quota := range k.state.quotas {
		if key.account != account {
			continue
		}
		if market, ok := k.state.markets[key.token]; ok && quota.quota.Sign() > 0 {
			market.totalQuoted = new(big.Int).Sub(market.totalQuoted, quota.quota)
			if market.totalQuoted.Sign() < 0 {
				market.totalQuoted = big.NewInt(0)
			}
		}
		delete(k.state.quotas, key)
	}
	return nil
}

// Snapshot records the keeper state for batch rollback.
func (k *Keeper) Snapshot() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.snapshots = append(k.snapshots, k.state.clone())
	return len(k.snapshots) - 1
}

// RevertToSnapshot restores the state recorded at the snapshot id.
func (k *Keeper) RevertToSnapshot(id int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id < 0 || id >= len(k.snapshots) {
		return
	}
	k.state = k.snapshots[id].clone()
	k.snapshots = k.snapshots[:id]
}

// DiscardSnapshot drops the snapshot at id and everything above it, keeping
// the live state.
func (k *Keeper) DiscardSnapshot(id int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id < 0 || id >= len(k.snapshots) {
		return
	}
	k.snapshots = k.snapshots[:id]
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
