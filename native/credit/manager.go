package credit

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"margincore/core/events"
	"margincore/observability"
)

// Manager owns credit account state: debt bookkeeping, the enabled-token
// masks, the collateral registry and the platform-wide risk counters. It
// performs no permission gating of its own; the Facade is the only caller of
// its mutating operations and serializes them per account.
type Manager struct {
	registry *TokenRegistry
	pool     Pool
	oracle   PriceOracle
	quotas   QuotaKeeper
	vault    TokenVault
	bots     BotRegistry
	store    AccountStore
	factory  *accountFactory
	locks    *lockTable
	emitter  events.Emitter
	metrics  *observability.CreditMetricsRegistry

	mu sync.RWMutex
	// Global mutable state below is guarded by mu; per-account state is
	// guarded by the lock table.
	params                ManagerParams
	forbidden             TokenMask
	currentCumulativeLoss *big.Int
	paused                bool

	nowFn       func() int64
	blockHeight uint64
}

// NewManager wires a credit manager to its collaborators.
func NewManager(registry *TokenRegistry, pool Pool, oracle PriceOracle, quotas QuotaKeeper, vault TokenVault, bots BotRegistry, store AccountStore, params ManagerParams) *Manager {
	return &Manager{
		registry:              registry,
		pool:                  pool,
		oracle:                oracle,
		quotas:                quotas,
		vault:                 vault,
		bots:                  bots,
		store:                 store,
		factory:               newAccountFactory("margincore/credit-account"),
		locks:                 newLockTable(),
		emitter:               events.NoopEmitter{},
		metrics:               observability.CreditMetrics(),
		params:                params.Clone(),
		currentCumulativeLoss: big.NewInt(0),
		nowFn:                 func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter wires the event sink. Engines default to discarding events.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// SetNowFunc overrides the clock for tests. It is forwarded to the registry
// so ramps and valuations agree on the time.
func (m *Manager) SetNowFunc(now func() int64) {
	m.mu.Lock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	m.nowFn = now
	m.mu.Unlock()
	m.registry.SetNowFunc(now)
}

// SetBlockHeight records the block height stamped onto borrow operations.
func (m *Manager) SetBlockHeight(height uint64) {
	m.mu.Lock()
	m.blockHeight = height
	m.mu.Unlock()
}

// BlockHeight returns the current block height.
func (m *Manager) BlockHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blockHeight
}

func (m *Manager) now() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nowFn()
}

// Registry exposes the collateral token registry for configurator surfaces.
func (m *Manager) Registry() *TokenRegistry { return m.registry }

// Params returns a copy of the live risk parameters.
func (m *Manager) Params() ManagerParams {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params.Clone()
}

// Pause stops all non-configuration entry points.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Unpause re-enables user entry points. Configurator action only.
func (m *Manager) Unpause() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Paused reports whether user operations are suspended.
func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// ForbidToken adds a registered token to the forbidden mask. Existing
// balances stay; batches may only reduce exposure from here on.
func (m *Manager) ForbidToken(token common.Address) error {
	mask, err := m.registry.MaskOf(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.forbidden = m.forbidden.Enable(mask)
	m.mu.Unlock()
	return nil
}

// AllowToken removes a token from the forbidden mask.
func (m *Manager) AllowToken(token common.Address) error {
	mask, err := m.registry.MaskOf(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.forbidden = m.forbidden.Disable(mask)
	m.mu.Unlock()
	return nil
}

// ForbiddenMask returns the platform-wide forbidden token mask.
func (m *Manager) ForbiddenMask() TokenMask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forbidden
}

// CurrentCumulativeLoss reports the losses absorbed so far.
func (m *Manager) CurrentCumulativeLoss() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBigInt(m.currentCumulativeLoss)
}

// ResetCumulativeLoss clears the loss counter. Configurator action only; the
// trip itself is one-way until this is called.
func (m *Manager) ResetCumulativeLoss() {
	m.mu.Lock()
	m.currentCumulativeLoss = big.NewInt(0)
	m.mu.Unlock()
}

// registerLoss accumulates a liquidation loss and reports whether the
// cumulative ceiling was crossed, pausing the platform when it is.
func (m *Manager) registerLoss(loss *big.Int) bool {
	if loss == nil || loss.Sign() == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentCumulativeLoss = new(big.Int).Add(m.currentCumulativeLoss, loss)
	if m.params.MaxCumulativeLoss != nil && m.currentCumulativeLoss.Cmp(m.params.MaxCumulativeLoss) > 0 {
		m.paused = true
		return true
	}
	return false
}

// GetAccount loads an account snapshot.
func (m *Manager) GetAccount(id AccountID) (*CreditAccount, error) {
	acct, err := m.store.GetAccount(id)
	if err != nil || acct == nil {
		return nil, ErrAccountDoesNotExist
	}
	acct.ensureDefaults()
	return acct, nil
}

// ListAccounts returns every live account.
func (m *Manager) ListAccounts() ([]*CreditAccount, error) {
	return m.store.ListAccounts()
}

// openAccount allocates a handle, pulls principal from the pool and persists
// the fresh account. Debt limits and block caps are the facade's job.
func (m *Manager) openAccount(owner common.Address, principal *big.Int) (*CreditAccount, error) {
	id := m.factory.take()
	acct := &CreditAccount{
		ID:                      id,
		Owner:                   owner,
		DebtPrincipal:           big.NewInt(0),
		CumulativeIndexAtOpen:   cloneBigInt(m.pool.CumulativeIndex()),
		CumulativeQuotaInterest: big.NewInt(0),
	}
	if principal != nil && principal.Sign() > 0 {
		if err := m.pool.Lend(principal, id.Address()); err != nil {
			m.factory.release(id)
			return nil, err
		}
		acct.DebtPrincipal = cloneBigInt(principal)
		acct.EnabledTokensMask = acct.EnabledTokensMask.Enable(UnderlyingMask)
		acct.LastDebtBlock = m.BlockHeight()
	}
	if err := m.store.PutAccount(acct); err != nil {
		m.factory.release(id)
		return nil, err
	}
	return acct, nil
}

// commitAccount persists the batch working copy.
func (m *Manager) commitAccount(acct *CreditAccount) error {
	return m.store.PutAccount(acct)
}

// retireAccount destroys a closed account and recycles its handle.
func (m *Manager) retireAccount(acct *CreditAccount) error {
	if acct.Flags&FlagBotPermissionsSet != 0 {
		if err := m.bots.ErasePermissions(acct.ID); err != nil {
			return err
		}
	}
	if err := m.quotas.RemoveAccount(acct.ID); err != nil {
		return err
	}
	if err := m.store.DeleteAccount(acct.ID); err != nil {
		return err
	}
	m.factory.release(acct.ID)
	return nil
}

// increaseDebt pulls amount from the pool into the account and recomputes the
// opening index so prior accrued interest is untouched.
func (m *Manager) increaseDebt(acct *CreditAccount, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: borrow amount must be positive", ErrBorrowAmountOutOfLimits)
	}
	indexNow := m.pool.CumulativeIndex()
	if err := m.pool.Lend(amount, acct.ID.Address()); err != nil {
		return err
	}
	acct.CumulativeIndexAtOpen = calcIncreaseDebtIndex(acct.DebtPrincipal, acct.CumulativeIndexAtOpen, indexNow, amount)
	acct.DebtPrincipal = new(big.Int).Add(acct.DebtPrincipal, amount)
	acct.EnabledTokensMask = acct.EnabledTokensMask.Enable(UnderlyingMask)
	acct.LastDebtBlock = m.BlockHeight()
	return nil
}

// decreaseDebt repays up to amount of the account's obligations from its own
// underlying balance, quota interest first. A zero amount only realizes
// pending quota interest onto the account.
func (m *Manager) decreaseDebt(acct *CreditAccount, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: repay amount must not be negative", ErrBorrowAmountOutOfLimits)
	}
	if err := m.realizeQuotaInterest(acct); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	indexNow := m.pool.CumulativeIndex()
	debt := calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen, indexNow,
		acct.CumulativeQuotaInterest, m.params.Fees.FeeInterest)
	amount = minBigInt(cloneBigInt(amount), debt.Total)

	repay := calcDecreaseDebt(amount, acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		indexNow, acct.CumulativeQuotaInterest, m.params.Fees.FeeInterest)

	underlying := m.registry.Underlying()
	if err := m.vault.Transfer(underlying, acct.ID.Address(), m.pool.Address(), repay.Paid); err != nil {
		return err
	}
	if err := m.pool.Repay(repay.RepaidPrincipal, repay.Profit, big.NewInt(0)); err != nil {
		return err
	}
	acct.DebtPrincipal = repay.NewPrincipal
	acct.CumulativeIndexAtOpen = repay.NewIndex
	acct.CumulativeQuotaInterest = repay.NewQuotaInterest
	return nil
}

// realizeQuotaInterest moves interest accrued inside the quota keeper onto
// the account record where repayment can reach it.
func (m *Manager) realizeQuotaInterest(acct *CreditAccount) error {
	accrued, err := m.quotas.AccrueInterest(acct.ID)
	if err != nil {
		return err
	}
	if accrued != nil && accrued.Sign() > 0 {
		acct.CumulativeQuotaInterest = new(big.Int).Add(acct.CumulativeQuotaInterest, accrued)
	}
	return nil
}

// addCollateral moves tokens from the payer onto the account and enables the
// token's slot.
func (m *Manager) addCollateral(acct *CreditAccount, payer common.Address, token common.Address, amount *big.Int) (TokenMask, error) {
	mask, err := m.registry.MaskOf(token)
	if err != nil {
		return TokenMask{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TokenMask{}, fmt.Errorf("%w: collateral amount must be positive", ErrBorrowAmountOutOfLimits)
	}
	if err := m.vault.Transfer(token, payer, acct.ID.Address(), amount); err != nil {
		return TokenMask{}, err
	}
	return mask, nil
}

// withdrawCollateral moves tokens off the account. The final collateral
// check, not this operation, decides whether the account stays solvent.
func (m *Manager) withdrawCollateral(acct *CreditAccount, token common.Address, amount *big.Int, to common.Address) (TokenMask, error) {
	mask, err := m.registry.MaskOf(token)
	if err != nil {
		return TokenMask{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TokenMask{}, fmt.Errorf("%w: withdrawal amount must be positive", ErrBorrowAmountOutOfLimits)
	}
	if err := m.vault.Transfer(token, acct.ID.Address(), to, amount); err != nil {
		return TokenMask{}, err
	}
	return mask, nil
}

// AccruedDebt returns the account's live debt breakdown without mutating it.
// Quota interest still held inside the keeper is not included; debt
// operations realize it first.
func (m *Manager) AccruedDebt(id AccountID) (DebtInfo, error) {
	acct, err := m.GetAccount(id)
	if err != nil {
		return DebtInfo{}, err
	}
	m.mu.RLock()
	fee := m.params.Fees.FeeInterest
	m.mu.RUnlock()
	return calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		m.pool.CumulativeIndex(), acct.CumulativeQuotaInterest, fee), nil
}

// AccountHealth prices an account for read surfaces: total and weighted
// collateral value, the debt target and the health factor in basis points.
func (m *Manager) AccountHealth(id AccountID) (totalUSD, twvUSD, debtUSD *big.Int, healthFactor uint16, err error) {
	acct, err := m.GetAccount(id)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	m.locks.lock(id)
	defer m.locks.unlock(id)
	params := FullCheckParams{MinHealthFactor: DefaultMinHealthFactor, skipEarlyExit: true}
	totals, err := m.valueCollateral(acct, acct.EnabledTokensMask, params)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	debt := calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		m.pool.CumulativeIndex(), acct.CumulativeQuotaInterest, m.params.Fees.FeeInterest)
	debtUSD = big.NewInt(0)
	if debt.Total.Sign() > 0 {
		if debtUSD, err = m.oracle.ValueUSD(m.registry.Underlying(), debt.Total, false); err != nil {
			return nil, nil, nil, 0, err
		}
	}
	hf := ^uint16(0)
	if debtUSD.Sign() > 0 {
		ratio := new(big.Int).Mul(totals.twvUSD, bpsFactor)
		ratio.Quo(ratio, debtUSD)
		if ratio.Cmp(big.NewInt(int64(^uint16(0)))) < 0 {
			hf = uint16(ratio.Int64())
		}
	}
	return totals.totalUSD, totals.twvUSD, debtUSD, hf, nil
}
