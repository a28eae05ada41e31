package credit

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"margincore/core/events"
)

// CloseAccount repays the account's full debt from its own balances and hands
// everything left to the recipient. The optional batch runs first so the
// owner can unwind positions into the underlying in the same call. Closing in
// the block that last borrowed is rejected.
func (f *Facade) CloseAccount(caller common.Address, id AccountID, to common.Address, calls []Call) (err error) {
	start := time.Now()
	defer func() { f.observe("close_account", start, err) }()
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
	if stored.DebtPrincipal.Sign() > 0 && stored.LastDebtBlock == f.manager.BlockHeight() {
		return ErrSameBlockClose
	}

	poolSnap := f.manager.pool.Snapshot()
	vaultSnap := f.manager.vault.Snapshot()
	quotaSnap := f.manager.quotas.Snapshot()
	unwind := func() {
		f.manager.quotas.RevertToSnapshot(quotaSnap)
		f.manager.vault.RevertToSnapshot(vaultSnap)
		f.manager.pool.RevertToSnapshot(poolSnap)
	}
	discard := func() {
		f.manager.quotas.DiscardSnapshot(quotaSnap)
		f.manager.vault.DiscardSnapshot(vaultSnap)
		f.manager.pool.DiscardSnapshot(poolSnap)
	}

	acct := stored.Clone()
	if _, err := f.runBatch(acct, calls, batchOptions{
		permissions:       OwnerPermissions,
		caller:            caller,
		skipSolvencyCheck: true,
	}); err != nil {
		unwind()
		return err
	}
	if err := f.manager.realizeQuotaInterest(acct); err != nil {
		unwind()
		return err
	}

	debt := calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		f.manager.pool.CumulativeIndex(), acct.CumulativeQuotaInterest, f.manager.Params().Fees.FeeInterest)
	if debt.Total.Sign() > 0 {
		withInterest := new(big.Int).Add(debt.Principal, debt.Interest)
		withInterest.Add(withInterest, debt.QuotaInterest)
		payments := CalcClosePayments(f.manager.Params().Fees, ActionClose, nil, debt.Principal, withInterest)
		if err := f.settleWithPool(acct, payments.AmountToPool, debt.Principal, payments.Profit, big.NewInt(0)); err != nil {
			unwind()
			return err
		}
	}

	if err := f.sweepBalances(acct, to, nil); err != nil {
		unwind()
		return err
	}
	if err := f.manager.retireAccount(acct); err != nil {
		unwind()
		return err
	}
	discard()
	f.emit(events.CreditAccountClosed{Account: acct.ID.Hex(), Owner: acct.Owner.Hex(), To: to.Hex()})
	return nil
}

// LiquidateAccount force-closes an account that is insolvent or past the
// facade's expiration. The liquidator's batch runs first so positions can be
// unwound into the underlying; the payout split then flows through
// CalcClosePayments under the applicable schedule. While the platform is
// paused only emergency liquidators may call this.
func (f *Facade) LiquidateAccount(caller common.Address, id AccountID, to common.Address, calls []Call) (err error) {
	start := time.Now()
	defer func() { f.observe("liquidate_account", start, err) }()
	if err := f.beginBatch(); err != nil {
		return err
	}
	defer f.endBatch()
	if f.manager.Paused() && !f.isEmergencyLiquidator(caller) {
		if err := f.guardPaused(); err != nil {
			return err
		}
	}
	f.manager.locks.lock(id)
	defer f.manager.locks.unlock(id)

	stored, err := f.manager.GetAccount(id)
	if err != nil {
		return err
	}
	action, err := f.liquidationAction(stored)
	if err != nil {
		return err
	}

	poolSnap := f.manager.pool.Snapshot()
	vaultSnap := f.manager.vault.Snapshot()
	quotaSnap := f.manager.quotas.Snapshot()
	unwind := func() {
		f.manager.quotas.RevertToSnapshot(quotaSnap)
		f.manager.vault.RevertToSnapshot(vaultSnap)
		f.manager.pool.RevertToSnapshot(poolSnap)
	}
	discard := func() {
		f.manager.quotas.DiscardSnapshot(quotaSnap)
		f.manager.vault.DiscardSnapshot(vaultSnap)
		f.manager.pool.DiscardSnapshot(poolSnap)
	}

	acct := stored.Clone()
	if _, err := f.runBatch(acct, calls, batchOptions{
		permissions:       LiquidatorPermissions,
		caller:            caller,
		skipSolvencyCheck: true,
		useSafePrices:     true,
	}); err != nil {
		unwind()
		return err
	}
	if err := f.manager.realizeQuotaInterest(acct); err != nil {
		unwind()
		return err
	}

	totalValue, err := f.totalValueInUnderlying(acct)
	if err != nil {
		unwind()
		return err
	}
	fees := f.manager.Params().Fees
	debt := calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		f.manager.pool.CumulativeIndex(), acct.CumulativeQuotaInterest, fees.FeeInterest)
	withInterest := new(big.Int).Add(debt.Principal, debt.Interest)
	withInterest.Add(withInterest, debt.QuotaInterest)

	payments := CalcClosePayments(fees, action, totalValue, debt.Principal, withInterest)
	if err := f.settleWithPool(acct, payments.AmountToPool, debt.Principal, payments.Profit, payments.Loss); err != nil {
		unwind()
		return err
	}
	if payments.RemainingFunds.Sign() > 0 {
		underlying := f.manager.registry.Underlying()
		if err := f.manager.vault.Transfer(underlying, acct.ID.Address(), acct.Owner, payments.RemainingFunds); err != nil {
			unwind()
			return err
		}
	}
	if err := f.sweepBalances(acct, to, nil); err != nil {
		unwind()
		return err
	}

	outcome := "clean"
	if payments.Loss.Sign() > 0 {
		outcome = "loss"
		f.haltQuotedTokens(acct)
		if f.manager.registerLoss(payments.Loss) {
			// One-way trip: new borrowing stays off until a configurator
			// resets the multiplier and unpauses.
			f.SetMaxDebtPerBlockMultiplier(0)
			f.manager.metrics.ObserveLossTrip()
			f.emit(events.CreditLossCapTripped{
				CumulativeLoss: f.manager.CurrentCumulativeLoss(),
			})
		}
	}
	f.manager.metrics.ObserveLiquidation(action.String(), outcome)
	if err := f.manager.retireAccount(acct); err != nil {
		unwind()
		return err
	}
	discard()
	f.emit(events.CreditAccountLiquidated{
		Account:    acct.ID.Hex(),
		Owner:      acct.Owner.Hex(),
		Liquidator: caller.Hex(),
		Action:     action.String(),
		Loss:       cloneBigInt(payments.Loss),
	})
	return nil
}

// liquidationAction decides whether the account may be liquidated at all and
// under which fee schedule. When an account is simultaneously expired and
// insolvent the insolvency schedule applies unless the facade was configured
// to prefer the expired one.
func (f *Facade) liquidationAction(acct *CreditAccount) (ClosureAction, error) {
	totals, err := f.manager.valueCollateral(acct, acct.EnabledTokensMask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		UseSafePrices:   true,
	})
	if err != nil {
		return ActionClose, err
	}
	insolvent := totals.debtUSD.Sign() > 0 && totals.twvUSD.Cmp(totals.debtUSD) < 0
	expired := f.expired()
	switch {
	case insolvent && expired:
		f.mu.Lock()
		prefer := f.params.PreferExpiredSchedule
		f.mu.Unlock()
		if prefer {
			return ActionLiquidateExpired, nil
		}
		return ActionLiquidate, nil
	case insolvent:
		return ActionLiquidate, nil
	case expired:
		return ActionLiquidateExpired, nil
	default:
		return ActionClose, ErrAccountNotLiquidatable
	}
}

// totalValueInUnderlying sums the account's enabled balances converted into
// underlying units, the basis of the liquidation payout split.
func (f *Facade) totalValueInUnderlying(acct *CreditAccount) (*big.Int, error) {
	underlying := f.manager.registry.Underlying()
	total := big.NewInt(0)
	for _, slot := range acct.EnabledTokensMask.Bits() {
		token, err := f.manager.registry.TokenBySlot(slot)
		if err != nil {
			return nil, err
		}
		balance := f.manager.vault.BalanceOf(token, acct.ID.Address())
		if balance.Sign() == 0 {
			continue
		}
		if token == underlying {
			total.Add(total, balance)
			continue
		}
		converted, err := f.manager.oracle.Convert(balance, token, underlying)
		if err != nil {
			return nil, err
		}
		total.Add(total, converted)
	}
	return total, nil
}

// settleWithPool moves the pool's share out of the account and books the
// repayment.
func (f *Facade) settleWithPool(acct *CreditAccount, amountToPool, principal, profit, loss *big.Int) error {
	if amountToPool.Sign() > 0 {
		underlying := f.manager.registry.Underlying()
		if err := f.manager.vault.Transfer(underlying, acct.ID.Address(), f.manager.pool.Address(), amountToPool); err != nil {
			return fmt.Errorf("repaying pool: %w", err)
		}
	}
	return f.manager.pool.Repay(principal, profit, loss)
}

// sweepBalances transfers every remaining registered-token balance of the
// account to the recipient, skipping tokens in the skip set.
func (f *Facade) sweepBalances(acct *CreditAccount, to common.Address, skip map[common.Address]struct{}) error {
	for _, entry := range f.manager.registry.Tokens() {
		if _, skipped := skip[entry.Token]; skipped {
			continue
		}
		balance := f.manager.vault.BalanceOf(entry.Token, acct.ID.Address())
		if balance.Sign() == 0 {
			continue
		}
		if err := f.manager.vault.Transfer(entry.Token, acct.ID.Address(), to, balance); err != nil {
			return err
		}
	}
	return nil
}

// haltQuotedTokens floors the global quota limits of the account's quoted
// tokens after a loss liquidation, stopping further quota-backed borrowing
// against them until a configurator re-raises the limits.
func (f *Facade) haltQuotedTokens(acct *CreditAccount) {
	quoted := acct.EnabledTokensMask.Intersect(f.manager.registry.QuotedMask())
	if quoted.IsZero() {
		return
	}
	tokens := make([]common.Address, 0, quoted.Count())
	for _, slot := range quoted.Bits() {
		token, err := f.manager.registry.TokenBySlot(slot)
		if err != nil {
			continue
		}
		tokens = append(tokens, token)
	}
	f.manager.quotas.SetLimitsToZero(tokens)
}
