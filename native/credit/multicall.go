package credit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"margincore/core/events"
)

// Permission is the capability bitmask governing which sub-calls a batch may
// contain. The batch's mask is fixed when it starts, derived from the caller
// role: owners hold everything, bots hold whatever the owner granted them,
// liquidators hold the narrow unwind set.
type Permission uint16

const (
	PermAddCollateral Permission = 1 << iota
	PermWithdrawCollateral
	PermIncreaseDebt
	PermDecreaseDebt
	PermEnableToken
	PermDisableToken
	PermUpdateQuota
	PermRevokeAllowances
	PermExternalCalls
	PermPayBot
)

// OwnerPermissions is everything an account owner may do in their own batch.
// Paying a bot only makes sense from a bot-initiated batch.
const OwnerPermissions = PermAddCollateral | PermWithdrawCollateral |
	PermIncreaseDebt | PermDecreaseDebt | PermEnableToken | PermDisableToken |
	PermUpdateQuota | PermRevokeAllowances | PermExternalCalls

// LiquidatorPermissions covers unwinding collateral during a liquidation.
const LiquidatorPermissions = PermAddCollateral | PermDisableToken | PermExternalCalls

func (p Permission) String() string {
	names := map[Permission]string{
		PermAddCollateral:      "addCollateral",
		PermWithdrawCollateral: "withdrawCollateral",
		PermIncreaseDebt:       "increaseDebt",
		PermDecreaseDebt:       "decreaseDebt",
		PermEnableToken:        "enableToken",
		PermDisableToken:       "disableToken",
		PermUpdateQuota:        "updateQuota",
		PermRevokeAllowances:   "revokeAllowances",
		PermExternalCalls:      "externalCalls",
		PermPayBot:             "payBot",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("permission(%#x)", uint16(p))
}

// Call is one sub-operation of a batch. The closed set of implementations
// below is the full multicall surface; anything else is an unknown method.
type Call interface {
	callKind() string
}

// CallAddCollateral moves tokens from the batch caller onto the account.
type CallAddCollateral struct {
	Token  common.Address
	Amount *big.Int
}

func (CallAddCollateral) callKind() string { return "addCollateral" }

// CallWithdrawCollateral moves tokens off the account to a recipient.
type CallWithdrawCollateral struct {
	Token  common.Address
	Amount *big.Int
	To     common.Address
}

func (CallWithdrawCollateral) callKind() string { return "withdrawCollateral" }

// CallIncreaseDebt borrows more principal from the pool into the account.
type CallIncreaseDebt struct {
	Amount *big.Int
}

func (CallIncreaseDebt) callKind() string { return "increaseDebt" }

// CallDecreaseDebt repays obligations from the account's underlying balance.
// A zero amount just realizes pending quota interest.
type CallDecreaseDebt struct {
	Amount *big.Int
}

func (CallDecreaseDebt) callKind() string { return "decreaseDebt" }

// CallEnableToken marks a token as counting collateral.
type CallEnableToken struct {
	Token common.Address
}

func (CallEnableToken) callKind() string { return "enableToken" }

// CallDisableToken stops a token from counting as collateral.
type CallDisableToken struct {
	Token common.Address
}

func (CallDisableToken) callKind() string { return "disableToken" }

// CallUpdateQuota adjusts the account's quota for a quoted token.
type CallUpdateQuota struct {
	Token common.Address
	// Change is the signed quota delta in underlying units.
	Change *big.Int
	// MinQuota rejects the update when global limits clamp the result below it.
	MinQuota *big.Int
}

func (CallUpdateQuota) callKind() string { return "updateQuota" }

// CallSetFullCheckParams adjusts how the closing collateral check runs.
type CallSetFullCheckParams struct {
	CollateralHints []TokenMask
	MinHealthFactor uint16
}

func (CallSetFullCheckParams) callKind() string { return "setFullCheckParams" }

// CallUpdatePrice pushes an on-demand oracle update before dependent reads.
type CallUpdatePrice struct {
	Token     common.Address
	Price     *big.Int
	Timestamp int64
	Proof     []byte
}

func (CallUpdatePrice) callKind() string { return "onDemandPriceUpdate" }

// CallRevokeAllowances zeroes the account's allowances toward a spender.
type CallRevokeAllowances struct {
	Spender common.Address
	Tokens  []common.Address
}

func (CallRevokeAllowances) callKind() string { return "revokeAllowances" }

// CallPayBot pays the executing bot from the account's underlying balance.
type CallPayBot struct {
	Amount *big.Int
}

func (CallPayBot) callKind() string { return "payBot" }

// BalanceDelta is one slippage expectation: the token's balance must grow by
// at least MinDelta between store and compare.
type BalanceDelta struct {
	Token    common.Address
	MinDelta *big.Int
}

// CallStoreExpectedBalances snapshots balances plus expected deltas. At most
// one snapshot may be armed at a time.
type CallStoreExpectedBalances struct {
	Deltas []BalanceDelta
}

func (CallStoreExpectedBalances) callKind() string { return "storeExpectedBalances" }

// CallCompareBalances verifies an armed snapshot and clears it.
type CallCompareBalances struct{}

func (CallCompareBalances) callKind() string { return "compareBalances" }

// CallExternal dispatches to a registered adapter, which acts on the
// account's balances and reports token bits to toggle.
type CallExternal struct {
	Target common.Address
	Input  []byte
}

func (CallExternal) callKind() string { return "externalCall" }

type expectedBalance struct {
	token    common.Address
	expected *big.Int
}

// batchState is the mutable context threaded through one batch.
type batchState struct {
	acct        *CreditAccount
	mask        TokenMask
	params      FullCheckParams
	permissions Permission
	caller      common.Address
	// bot is the payee of CallPayBot, set only for bot batches.
	bot      common.Address
	expected []expectedBalance
	snap     *forbiddenSnapshot
}

func (s *batchState) require(p Permission) error {
	if s.permissions&p == 0 {
		return noPermission(p)
	}
	return nil
}

// dispatch executes one sub-call against the batch state. State mutations are
// confined to the working copy and the snapshotted collaborators; the caller
// handles rollback.
func (f *Facade) dispatch(state *batchState, call Call) error {
	switch c := call.(type) {
	case CallAddCollateral:
		if err := state.require(PermAddCollateral); err != nil {
			return err
		}
		mask, err := f.manager.addCollateral(state.acct, state.caller, c.Token, c.Amount)
		if err != nil {
			return err
		}
		state.mask = f.enableRespectingQuota(state.acct.ID, state.mask, mask, c.Token)
		return nil

	case CallWithdrawCollateral:
		if err := state.require(PermWithdrawCollateral); err != nil {
			return err
		}
		mask, err := f.manager.withdrawCollateral(state.acct, c.Token, c.Amount, c.To)
		if err != nil {
			return err
		}
		if f.manager.ForbiddenMask().Intersects(mask) {
			state.params.RevertOnForbiddenTokens = true
		}
		return nil

	case CallIncreaseDebt:
		if err := state.require(PermIncreaseDebt); err != nil {
			return err
		}
		if err := f.checkBorrowLimits(state.acct, c.Amount); err != nil {
			return err
		}
		if err := f.manager.increaseDebt(state.acct, c.Amount); err != nil {
			return err
		}
		f.noteBorrowed(c.Amount)
		state.mask = state.mask.Enable(UnderlyingMask)
		// New borrowing against forbidden exposure is deferred to the final
		// check, which will reject unless exposure shrank.
		state.params.RevertOnForbiddenTokens = true
		return nil

	case CallDecreaseDebt:
		if err := state.require(PermDecreaseDebt); err != nil {
			return err
		}
		if err := f.manager.decreaseDebt(state.acct, c.Amount); err != nil {
			return err
		}
		if state.acct.DebtPrincipal.Sign() != 0 && !f.params.Limits.Contains(state.acct.DebtPrincipal) {
			return fmt.Errorf("%w: remaining principal below minimum", ErrBorrowAmountOutOfLimits)
		}
		return nil

	case CallEnableToken:
		if err := state.require(PermEnableToken); err != nil {
			return err
		}
		mask, err := f.manager.registry.MaskOf(c.Token)
		if err != nil {
			return err
		}
		state.mask = f.enableRespectingQuota(state.acct.ID, state.mask, mask, c.Token)
		return nil

	case CallDisableToken:
		if err := state.require(PermDisableToken); err != nil {
			return err
		}
		mask, err := f.manager.registry.MaskOf(c.Token)
		if err != nil {
			return err
		}
		// The underlying slot never leaves the mask through this path.
		state.mask = state.mask.Disable(mask.Disable(UnderlyingMask))
		return nil

	case CallUpdateQuota:
		if err := state.require(PermUpdateQuota); err != nil {
			return err
		}
		if err := f.manager.realizeQuotaInterest(state.acct); err != nil {
			return err
		}
		mask, err := f.manager.registry.MaskOf(c.Token)
		if err != nil {
			return err
		}
		enable, disable, err := f.manager.quotas.UpdateQuota(state.acct.ID, QuotaChange{
			Token: c.Token, Change: c.Change, MinQuota: c.MinQuota,
		})
		if err != nil {
			return err
		}
		if enable {
			state.mask = state.mask.Enable(mask)
		}
		if disable {
			state.mask = state.mask.Disable(mask)
		}
		return nil

	case CallSetFullCheckParams:
		if c.MinHealthFactor != 0 && c.MinHealthFactor < DefaultMinHealthFactor {
			return ErrInvalidMinHealthFactor
		}
		for _, hint := range c.CollateralHints {
			if _, err := hint.Index(); err != nil {
				return ErrInvalidCollateralHint
			}
		}
		state.params.CollateralHints = c.CollateralHints
		if c.MinHealthFactor != 0 {
			state.params.MinHealthFactor = c.MinHealthFactor
		}
		return nil

	case CallUpdatePrice:
		return f.manager.oracle.ApplyUpdate(c.Token, c.Price, c.Timestamp, c.Proof)

	case CallRevokeAllowances:
		if err := state.require(PermRevokeAllowances); err != nil {
			return err
		}
		for _, token := range c.Tokens {
			if _, err := f.manager.registry.MaskOf(token); err != nil {
				return err
			}
			if err := f.manager.vault.SafeApprove(token, state.acct.ID.Address(), c.Spender, big.NewInt(0)); err != nil {
				return err
			}
		}
		return nil

	case CallPayBot:
		if err := state.require(PermPayBot); err != nil {
			return err
		}
		underlying := f.manager.registry.Underlying()
		return f.manager.vault.Transfer(underlying, state.acct.ID.Address(), state.bot, c.Amount)

	case CallStoreExpectedBalances:
		if state.expected != nil {
			return ErrExpectedBalancesAlreadySet
		}
		state.expected = make([]expectedBalance, 0, len(c.Deltas))
		for _, delta := range c.Deltas {
			if _, err := f.manager.registry.MaskOf(delta.Token); err != nil {
				return err
			}
			current := f.manager.vault.BalanceOf(delta.Token, state.acct.ID.Address())
			state.expected = append(state.expected, expectedBalance{
				token:    delta.Token,
				expected: new(big.Int).Add(current, cloneBigInt(delta.MinDelta)),
			})
		}
		return nil

	case CallCompareBalances:
		if state.expected == nil {
			return ErrExpectedBalancesNotSet
		}
		for _, exp := range state.expected {
			current := f.manager.vault.BalanceOf(exp.token, state.acct.ID.Address())
			if current.Cmp(exp.expected) < 0 {
				return fmt.Errorf("%w: token %s has %s, expected %s",
					ErrBalanceLessThanExpected, exp.token.Hex(), current, exp.expected)
			}
		}
		// A cleared snapshot permits another store/compare cycle later in the
		// same batch.
		state.expected = nil
		return nil

	case CallExternal:
		if err := state.require(PermExternalCalls); err != nil {
			return err
		}
		adapter, ok := f.adapter(c.Target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAdapter, c.Target.Hex())
		}
		f.dispatching.Store(true)
		result, err := adapter.Execute(state.acct.ID, c.Input)
		f.dispatching.Store(false)
		if err != nil {
			return err
		}
		for _, slot := range result.TokensToEnable.Bits() {
			token, err := f.manager.registry.TokenBySlot(slot)
			if err != nil {
				return err
			}
			state.mask = f.enableRespectingQuota(state.acct.ID, state.mask, MaskAt(slot), token)
		}
		state.mask = state.mask.Disable(result.TokensToDisable.Disable(UnderlyingMask))
		return nil

	case nil:
		return ErrUnknownMethod

	default:
		return fmt.Errorf("%w: %s", ErrUnknownMethod, call.callKind())
	}
}

// enableRespectingQuota enables a token bit unless the token is quoted with a
// zero quota: for quoted tokens the quota system, not the generic enable
// path, decides membership.
func (f *Facade) enableRespectingQuota(id AccountID, mask, bit TokenMask, token common.Address) TokenMask {
	if f.manager.registry.QuotedMask().Intersects(bit) {
		quota := f.manager.quotas.Quota(id, token)
		if quota == nil || quota.Sign() <= 0 {
			return mask
		}
	}
	return mask.Enable(bit)
}

// batchOptions tune how runBatch finishes.
type batchOptions struct {
	permissions Permission
	caller      common.Address
	bot         common.Address
	// skipSolvencyCheck is used by the liquidation and close paths, which
	// settle the account right after the batch instead.
	skipSolvencyCheck bool
	useSafePrices     bool
}

// runBatch executes an ordered batch against the account's working copy with
// all-or-nothing semantics: collaborator snapshots are taken up front,
// reverted on any failure and discarded once every call and the closing
// solvency check pass. The account record is only persisted by the caller
// after runBatch returns successfully.
func (f *Facade) runBatch(acct *CreditAccount, calls []Call, opts batchOptions) (*batchState, error) {
	poolSnap := f.manager.pool.Snapshot()
	vaultSnap := f.manager.vault.Snapshot()
	quotaSnap := f.manager.quotas.Snapshot()
	borrowSnap := f.borrowCounterSnapshot()

	snap, err := f.manager.takeForbiddenSnapshot(acct)
	if err != nil {
		return nil, err
	}
	state := &batchState{
		acct:        acct,
		mask:        acct.EnabledTokensMask,
		params:      defaultFullCheckParams(),
		permissions: opts.permissions,
		caller:      opts.caller,
		bot:         opts.bot,
		snap:        snap,
	}
	state.params.UseSafePrices = opts.useSafePrices

	revert := func() {
		f.manager.quotas.RevertToSnapshot(quotaSnap)
		f.manager.vault.RevertToSnapshot(vaultSnap)
		f.manager.pool.RevertToSnapshot(poolSnap)
		f.restoreBorrowCounter(borrowSnap)
	}

	f.emit(events.CreditBatchStarted{Account: acct.ID.Hex(), Caller: opts.caller.Hex(), Calls: len(calls)})
	for i, call := range calls {
		if err := f.dispatch(state, call); err != nil {
			revert()
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
	}

	if !opts.skipSolvencyCheck {
		if err := f.manager.realizeQuotaInterest(acct); err != nil {
			revert()
			return nil, err
		}
		newMask, err := f.manager.fullCollateralCheck(acct, state.mask, state.params, state.snap)
		if err != nil {
			revert()
			return nil, err
		}
		state.mask = newMask
	}
	f.manager.quotas.DiscardSnapshot(quotaSnap)
	f.manager.vault.DiscardSnapshot(vaultSnap)
	f.manager.pool.DiscardSnapshot(poolSnap)
	f.emit(events.CreditBatchFinished{Account: acct.ID.Hex(), Caller: opts.caller.Hex()})
	return state, nil
}
