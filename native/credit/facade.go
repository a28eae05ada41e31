package credit

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"margincore/core/events"
	nativecommon "margincore/native/common"
)

const moduleName = "credit"

// Facade is the sole entry point for owner, bot and liquidator operations
// against credit accounts. It validates the pause, expiry and permission
// gates, runs batches through the interpreter and settles account closures.
// Mutating operations run one at a time; a call arriving while an external
// adapter executes fails with ErrReentrantCall. Configuration surfaces talk
// to the Manager directly and bypass every gate.
type Facade struct {
	manager   *Manager
	emitter   events.Emitter
	adapters  map[common.Address]Adapter
	whitelist WhitelistGate

	// batchMu serializes every mutating entry point. The collaborator
	// snapshot stacks are shared across accounts, so two interleaved batches
	// could otherwise revert each other's committed frames.
	batchMu sync.Mutex
	// dispatching is set while an external adapter executes. Entry points
	// reject with ErrReentrantCall instead of queueing on batchMu, since an
	// adapter re-entering the facade would deadlock on it.
	dispatching atomic.Bool

	mu                   sync.Mutex
	params               FacadeParams
	emergencyLiquidators map[common.Address]struct{}
	// Aggregate principal borrowed in the current block, bounded by
	// MaxDebt times the per-block multiplier. Resets when the height moves.
	borrowedInBlock *big.Int
	borrowedBlock   uint64
}

// NewFacade wires a facade over a credit manager.
func NewFacade(manager *Manager, params FacadeParams) *Facade {
	return &Facade{
		manager:              manager,
		emitter:              events.NoopEmitter{},
		adapters:             make(map[common.Address]Adapter),
		params:               params.Clone(),
		emergencyLiquidators: make(map[common.Address]struct{}),
		borrowedInBlock:      big.NewInt(0),
	}
}

// SetEmitter wires the event sink.
func (f *Facade) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	f.emitter = emitter
}

func (f *Facade) emit(ev events.Event) { f.emitter.Emit(ev) }

// observe records one entry point invocation. Deferred with a named error
// return so the outcome label reflects the final result.
func (f *Facade) observe(entry string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	f.manager.metrics.ObserveMulticall(entry, outcome, time.Since(start))
}

// Manager exposes the underlying manager for configurator wiring.
func (f *Facade) Manager() *Manager { return f.manager }

// Params returns a copy of the facade parameters.
func (f *Facade) Params() FacadeParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params.Clone()
}

// SetDebtLimits replaces the per-account principal bounds.
func (f *Facade) SetDebtLimits(limits DebtLimits) {
	f.mu.Lock()
	f.params.Limits = limits.Clone()
	f.mu.Unlock()
}

// SetMaxDebtPerBlockMultiplier adjusts the per-block borrow cap.
func (f *Facade) SetMaxDebtPerBlockMultiplier(multiplier uint8) {
	f.mu.Lock()
	f.params.MaxDebtPerBlockMultiplier = multiplier
	f.mu.Unlock()
}

// RegisterAdapter allows an external integration target in batches.
func (f *Facade) RegisterAdapter(target common.Address, adapter Adapter) {
	f.mu.Lock()
	f.adapters[target] = adapter
	f.mu.Unlock()
}

func (f *Facade) adapter(target common.Address) (Adapter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	adapter, ok := f.adapters[target]
	return adapter, ok
}

// SetWhitelistGate wires the slot burner used in whitelisted mode.
func (f *Facade) SetWhitelistGate(gate WhitelistGate) { f.whitelist = gate }

// AddEmergencyLiquidator allows an address to liquidate while paused.
func (f *Facade) AddEmergencyLiquidator(addr common.Address) {
	f.mu.Lock()
	f.emergencyLiquidators[addr] = struct{}{}
	f.mu.Unlock()
}

// RemoveEmergencyLiquidator revokes paused-mode liquidation rights.
func (f *Facade) RemoveEmergencyLiquidator(addr common.Address) {
	f.mu.Lock()
	delete(f.emergencyLiquidators, addr)
	f.mu.Unlock()
}

func (f *Facade) isEmergencyLiquidator(addr common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.emergencyLiquidators[addr]
	return ok
}

// pauseView adapts the manager's pause flag to the shared guard helper.
type pauseView struct{ m *Manager }

func (p pauseView) IsPaused(string) bool { return p.m.Paused() }

func (f *Facade) guardPaused() error {
	return nativecommon.Guard(pauseView{m: f.manager}, moduleName)
}

// beginBatch takes the facade-wide batch lock. Calls arriving while an
// external adapter is mid-dispatch are rejected rather than queued; the
// caller retries once the running batch settles.
func (f *Facade) beginBatch() error {
	if f.dispatching.Load() {
		return ErrReentrantCall
	}
	f.batchMu.Lock()
	return nil
}

func (f *Facade) endBatch() { f.batchMu.Unlock() }

// expired reports whether the facade's deadline has passed.
func (f *Facade) expired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params.Expirable && f.manager.now() >= f.params.ExpirationDate
}

// checkBorrowLimits validates a debt increase against the per-account bounds,
// the per-block aggregate cap and the expiry gate.
func (f *Facade) checkBorrowLimits(acct *CreditAccount, amount *big.Int) error {
	if f.expired() {
		return ErrNotAllowedAfterExpiration
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: borrow amount must be positive", ErrBorrowAmountOutOfLimits)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	newPrincipal := new(big.Int).Add(acct.DebtPrincipal, amount)
	if !f.params.Limits.Contains(newPrincipal) {
		return fmt.Errorf("%w: principal %s outside [%s, %s]", ErrBorrowAmountOutOfLimits,
			newPrincipal, f.params.Limits.MinDebt, f.params.Limits.MaxDebt)
	}
	if f.params.MaxDebtPerBlockMultiplier == 0 {
		return ErrBorrowedBlockLimit
	}
	blockCap := new(big.Int).Mul(f.params.Limits.MaxDebt, big.NewInt(int64(f.params.MaxDebtPerBlockMultiplier)))
	counter := f.borrowedInBlock
	if f.borrowedBlock != f.manager.BlockHeight() {
		counter = big.NewInt(0)
	}
	if new(big.Int).Add(counter, amount).Cmp(blockCap) > 0 {
		return ErrBorrowedBlockLimit
	}
	return nil
}

// noteBorrowed adds to the block-scoped borrow counter.
func (f *Facade) noteBorrowed(amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	height := f.manager.BlockHeight()
	if f.borrowedBlock != height {
		f.borrowedBlock = height
		f.borrowedInBlock = big.NewInt(0)
	}
	f.borrowedInBlock = new(big.Int).Add(f.borrowedInBlock, amount)
	borrowed, _ := new(big.Float).SetInt(amount).Float64()
	f.manager.metrics.ObserveBorrowed(borrowed)
}

type borrowCounter struct {
	block uint64
	total *big.Int
}

func (f *Facade) borrowCounterSnapshot() borrowCounter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return borrowCounter{block: f.borrowedBlock, total: cloneBigInt(f.borrowedInBlock)}
}

func (f *Facade) restoreBorrowCounter(snap borrowCounter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.borrowedBlock = snap.block
	f.borrowedInBlock = snap.total
}

// OpenAccount creates a credit account for onBehalfOf, borrows principal from
// the pool and runs the opening batch. The batch must leave the account
// solvent or the whole open unwinds.
func (f *Facade) OpenAccount(caller, onBehalfOf common.Address, principal *big.Int, calls []Call) (_ AccountID, err error) {
	start := time.Now()
	defer func() { f.observe("open_account", start, err) }()
	if err := f.beginBatch(); err != nil {
		return AccountID{}, err
	}
	defer f.endBatch()
	if err := f.guardPaused(); err != nil {
		return AccountID{}, err
	}
	if f.expired() {
		return AccountID{}, ErrNotAllowedAfterExpiration
	}
	f.mu.Lock()
	whitelisted := f.params.WhitelistedMode
	f.mu.Unlock()
	if whitelisted {
		if f.whitelist == nil {
			return AccountID{}, ErrForbiddenInWhitelistedMode
		}
		if err := f.whitelist.BurnSlot(caller); err != nil {
			return AccountID{}, fmt.Errorf("%w: %v", ErrForbiddenInWhitelistedMode, err)
		}
	}
	if err := f.checkBorrowLimits(&CreditAccount{DebtPrincipal: big.NewInt(0)}, principal); err != nil {
		return AccountID{}, err
	}

	poolSnap := f.manager.pool.Snapshot()
	vaultSnap := f.manager.vault.Snapshot()
	quotaSnap := f.manager.quotas.Snapshot()
	borrowSnap := f.borrowCounterSnapshot()
	unwind := func() {
		f.manager.quotas.RevertToSnapshot(quotaSnap)
		f.manager.vault.RevertToSnapshot(vaultSnap)
		f.manager.pool.RevertToSnapshot(poolSnap)
		f.restoreBorrowCounter(borrowSnap)
	}
	discard := func() {
		f.manager.quotas.DiscardSnapshot(quotaSnap)
		f.manager.vault.DiscardSnapshot(vaultSnap)
		f.manager.pool.DiscardSnapshot(poolSnap)
	}

	acct, err := f.manager.openAccount(onBehalfOf, principal)
	if err != nil {
		unwind()
		return AccountID{}, err
	}
	f.noteBorrowed(principal)
	f.manager.locks.lock(acct.ID)
	defer f.manager.locks.unlock(acct.ID)

	state, err := f.runBatch(acct, calls, batchOptions{
		permissions: OwnerPermissions,
		caller:      caller,
	})
	if err != nil {
		unwind()
		_ = f.manager.store.DeleteAccount(acct.ID)
		f.manager.factory.release(acct.ID)
		return AccountID{}, err
	}
	acct.EnabledTokensMask = state.mask
	if err := f.manager.commitAccount(acct); err != nil {
		unwind()
		return AccountID{}, err
	}
	discard()
	f.emit(events.CreditAccountOpened{
		Account:   acct.ID.Hex(),
		Owner:     onBehalfOf.Hex(),
		Principal: cloneBigInt(principal),
	})
	return acct.ID, nil
}

// Multicall runs an owner batch against an existing account.
func (f *Facade) Multicall(caller common.Address, id AccountID, calls []Call) (err error) {
	start := time.Now()
	defer func() { f.observe("multicall", start, err) }()
	if err := f.beginBatch(); err != nil {
		return err
	}
	defer f.endBatch()
	if err := f.guardPaused(); err != nil {
		return err
	}
	f.manager.locks.lock(id)
	defer f.manager.locks.unlock(id)

	stored, err := f.manager.GetAccount(id)
	if err != nil {
		return err
	}
	if stored.Owner != caller {
		return ErrAccountOwnerMismatch
	}
	acct := stored.Clone()
	state, err := f.runBatch(acct, calls, batchOptions{
		permissions: OwnerPermissions,
		caller:      caller,
	})
	if err != nil {
		return err
	}
	acct.EnabledTokensMask = state.mask
	return f.manager.commitAccount(acct)
}

// BotMulticall runs a batch on behalf of an owner under the permissions the
// owner granted the bot.
func (f *Facade) BotMulticall(bot common.Address, id AccountID, calls []Call) (err error) {
	start := time.Now()
	defer func() { f.observe("bot_multicall", start, err) }()
	if err := f.beginBatch(); err != nil {
		return err
	}
	defer f.endBatch()
	if err := f.guardPaused(); err != nil {
		return err
	}
	if f.manager.bots.Forbidden(bot) {
		return ErrForbiddenBot
	}
	f.manager.locks.lock(id)
	defer f.manager.locks.unlock(id)

	stored, err := f.manager.GetAccount(id)
	if err != nil {
		return err
	}
	perms := f.manager.bots.BotPermissions(id, bot)
	if perms == 0 {
		return noPermission(PermExternalCalls)
	}
	acct := stored.Clone()
	state, err := f.runBatch(acct, calls, batchOptions{
		permissions: perms,
		caller:      bot,
		bot:         bot,
	})
	if err != nil {
		return err
	}
	acct.EnabledTokensMask = state.mask
	return f.manager.commitAccount(acct)
}

// SetBotPermissions lets an account owner grant a bot a capability set.
func (f *Facade) SetBotPermissions(caller common.Address, id AccountID, bot common.Address, perms Permission) error {
	f.manager.locks.lock(id)
	defer f.manager.locks.unlock(id)

	acct, err := f.manager.GetAccount(id)
	if err != nil {
		return err
	}
	if acct.Owner != caller {
		return ErrAccountOwnerMismatch
	}
	if f.manager.bots.Forbidden(bot) {
		return ErrForbiddenBot
	}
	if err := f.manager.bots.SetBotPermissions(id, bot, perms); err != nil {
		return err
	}
	if perms != 0 {
		acct.Flags |= FlagBotPermissionsSet
	}
	return f.manager.commitAccount(acct)
}
