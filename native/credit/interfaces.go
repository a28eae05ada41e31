package credit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshotter lets the batch interpreter roll collaborator state back when a
// sub-call fails partway through. Snapshots are scoped to one batch and must
// be cheap: collaborators journal mutations rather than copying whole state.
// Every snapshot taken is either reverted or discarded before the batch
// returns, so stacks never grow across batches.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	// DiscardSnapshot drops the snapshot at id and everything above it while
	// keeping the live state. Called once the frame commits.
	DiscardSnapshot(id int)
}

// Pool is the lending pool the credit manager borrows from and repays into.
// CumulativeIndex is the monotone ray borrow index driving interest accrual.
type Pool interface {
	Snapshotter
	Underlying() common.Address
	// Address is the vault address holding the pool's liquidity; repayments
	// are transferred there before Repay books them.
	Address() common.Address
	CumulativeIndex() *big.Int
	Lend(amount *big.Int, to common.Address) error
	Repay(repaidPrincipal, profit, loss *big.Int) error
}

// PriceOracle values collateral. Safe reads take the more conservative of the
// spot and fallback prices; tokens flagged update-required refuse reads until
// an on-demand update lands earlier in the same batch.
type PriceOracle interface {
	ValueUSD(token common.Address, amount *big.Int, safe bool) (*big.Int, error)
	Convert(amount *big.Int, from, to common.Address) (*big.Int, error)
	ApplyUpdate(token common.Address, price *big.Int, timestamp int64, proof []byte) error
}

// QuotaChange is one requested quota adjustment inside a batch.
type QuotaChange struct {
	Token common.Address
	// Change is the signed quota delta in underlying units.
	Change *big.Int
	// MinQuota aborts the update when the keeper clamps the resulting quota
	// below it (global token limits may truncate increases).
	MinQuota *big.Int
}

// QuotaKeeper tracks per-token global caps and per-account quota interest.
type QuotaKeeper interface {
	Snapshotter
	// UpdateQuota applies a quota change and reports whether the token should
	// be force-enabled or force-disabled on the account.
	UpdateQuota(account AccountID, change QuotaChange) (enable, disable bool, err error)
	// Quota returns the account's current quota for the token in underlying
	// units. Zero means the quota system keeps the token out of valuation.
	Quota(account AccountID, token common.Address) *big.Int
	// AccrueInterest realizes quota interest accrued since the last call and
	// returns the realized amount. The caller books it onto the account.
	AccrueInterest(account AccountID) (*big.Int, error)
	// RemoveAccount drops all quotas for a closed account.
	RemoveAccount(account AccountID) error
	// SetLimitsToZero floors the global limits of the given tokens, halting
	// further quota-backed borrowing against them.
	SetLimitsToZero(tokens []common.Address)
}

// TokenVault is the transfer primitive holding every account's balances. It
// must surface failures explicitly: tokens that report failure instead of
// erroring are translated into errors by the implementation, never swallowed.
type TokenVault interface {
	Snapshotter
	BalanceOf(token, owner common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	// SafeApprove sets an allowance, falling back to approve-to-zero-first for
	// tokens that reject nonzero to nonzero allowance changes.
	SafeApprove(token, owner, spender common.Address, amount *big.Int) error
}

// BotRegistry answers which operations an automation bot may run on behalf of
// an account owner.
type BotRegistry interface {
	BotPermissions(account AccountID, bot common.Address) Permission
	SetBotPermissions(account AccountID, bot common.Address, perms Permission) error
	ErasePermissions(account AccountID) error
	Forbidden(bot common.Address) bool
}

// WhitelistGate consumes a position slot when the facade runs in whitelisted
// mode. A nil gate on a whitelisted facade rejects every open.
type WhitelistGate interface {
	BurnSlot(owner common.Address) error
}

// AdapterResult reports which token bits an external call wants toggled on the
// account once it returns.
type AdapterResult struct {
	TokensToEnable  TokenMask
	TokensToDisable TokenMask
}

// Adapter is an external integration (a swap venue, a staking wrapper) the
// interpreter may dispatch to. While Execute runs, the account passed in is
// the active account: the adapter moves that account's vault balances.
type Adapter interface {
	Execute(account AccountID, input []byte) (AdapterResult, error)
}
