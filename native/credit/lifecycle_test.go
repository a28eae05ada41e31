package credit

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "margincore/native/common"
)

func TestCloseAccountRepaysAndSweeps(t *testing.T) {
	params := defaultManagerParams()
	params.Fees.FeeInterest = 1000
	env := newTestEnv(t, params, defaultFacadeParams())
	env.manager.SetBlockHeight(1)
	id := env.openTestAccount(t, 1000, 500)

	// 10% accrual: 100 interest, 10 protocol fee on it.
	env.pool.setIndexRatio(11, 10)
	env.manager.SetBlockHeight(2)

	recipient := addr(0x30)
	if err := env.facade.CloseAccount(env.owner, id, recipient, nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := env.vault.BalanceOf(env.underlying, env.poolAddr); got.Cmp(big.NewInt(1110)) != 0 {
		t.Fatalf("unexpected pool payment: got %s want 1110", got)
	}
	if got := env.vault.BalanceOf(env.underlying, recipient); got.Cmp(big.NewInt(390)) != 0 {
		t.Fatalf("unexpected sweep: got %s want 390", got)
	}
	if env.pool.borrowed.Sign() != 0 {
		t.Fatalf("principal not repaid: %s", env.pool.borrowed)
	}
	if env.pool.profit.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected pool profit: got %s want 10", env.pool.profit)
	}
	if _, err := env.manager.GetAccount(id); !errors.Is(err, ErrAccountDoesNotExist) {
		t.Fatalf("account must be retired, got %v", err)
	}
}

func TestCloseSameBlockRejected(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	env.manager.SetBlockHeight(5)
	id := env.openTestAccount(t, 1000, 500)

	err := env.facade.CloseAccount(env.owner, id, env.owner, nil)
	if !errors.Is(err, ErrSameBlockClose) {
		t.Fatalf("expected ErrSameBlockClose, got %v", err)
	}

	env.manager.SetBlockHeight(6)
	if err := env.facade.CloseAccount(env.owner, id, env.owner, nil); err != nil {
		t.Fatalf("close in next block: %v", err)
	}
}

func TestCloseAccountOwnerOnly(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	env.manager.SetBlockHeight(1)
	id := env.openTestAccount(t, 1000, 500)
	env.manager.SetBlockHeight(2)

	err := env.facade.CloseAccount(addr(0x55), id, addr(0x55), nil)
	if !errors.Is(err, ErrAccountOwnerMismatch) {
		t.Fatalf("expected ErrAccountOwnerMismatch, got %v", err)
	}
}

func TestLiquidateInsolvent(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)

	// Doubling the index takes debt with interest to 2000 against 1500 of
	// collateral, of which 1425 is available at the 95% discount.
	env.pool.setIndexRatio(2, 1)

	liquidator := addr(0x30)
	if err := env.facade.LiquidateAccount(liquidator, id, liquidator, nil); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if got := env.vault.BalanceOf(env.underlying, env.poolAddr); got.Cmp(big.NewInt(1425)) != 0 {
		t.Fatalf("unexpected pool payment: got %s want 1425", got)
	}
	if got := env.vault.BalanceOf(env.underlying, liquidator); got.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("unexpected liquidator sweep: got %s want 75", got)
	}
	if env.pool.loss.Cmp(big.NewInt(575)) != 0 {
		t.Fatalf("unexpected booked loss: got %s want 575", env.pool.loss)
	}
	if env.pool.borrowed.Sign() != 0 {
		t.Fatalf("principal not cleared: %s", env.pool.borrowed)
	}
	if env.manager.CurrentCumulativeLoss().Cmp(big.NewInt(575)) != 0 {
		t.Fatalf("unexpected cumulative loss: got %s want 575", env.manager.CurrentCumulativeLoss())
	}
	if env.manager.Paused() {
		t.Fatalf("loss below ceiling must not pause")
	}
	if _, err := env.manager.GetAccount(id); !errors.Is(err, ErrAccountDoesNotExist) {
		t.Fatalf("account must be retired, got %v", err)
	}
}

func TestLiquidateSolventRejected(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)

	err := env.facade.LiquidateAccount(addr(0x30), id, addr(0x30), nil)
	if !errors.Is(err, ErrAccountNotLiquidatable) {
		t.Fatalf("expected ErrAccountNotLiquidatable, got %v", err)
	}
}

func TestLossCapTripPausesAndStopsBorrowing(t *testing.T) {
	params := defaultManagerParams()
	params.MaxCumulativeLoss = big.NewInt(500)
	env := newTestEnv(t, params, defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)
	env.pool.setIndexRatio(2, 1)

	if err := env.facade.LiquidateAccount(addr(0x30), id, addr(0x30), nil); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// 575 of loss crosses the 500 ceiling: the platform pauses and the borrow
	// multiplier drops to zero.
	if !env.manager.Paused() {
		t.Fatalf("loss cap trip must pause the platform")
	}
	env.vault.mint(env.underlying, env.owner, 1000)
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused after trip, got %v", err)
	}

	// Unpausing alone is not enough: borrowing stays off until the multiplier
	// is reset too.
	env.manager.Unpause()
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil); !errors.Is(err, ErrBorrowedBlockLimit) {
		t.Fatalf("expected ErrBorrowedBlockLimit after trip, got %v", err)
	}
	env.facade.SetMaxDebtPerBlockMultiplier(2)
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), []Call{
		CallAddCollateral{Token: env.underlying, Amount: big.NewInt(500)},
	}); err != nil {
		t.Fatalf("open after full reset: %v", err)
	}
}

func TestLiquidateExpired(t *testing.T) {
	facadeParams := defaultFacadeParams()
	facadeParams.Expirable = true
	facadeParams.ExpirationDate = 500
	env := newTestEnv(t, defaultManagerParams(), facadeParams)

	now := int64(100)
	env.manager.SetNowFunc(func() int64 { return now })
	id := env.openTestAccount(t, 1000, 500)

	now = 600
	liquidator := addr(0x30)
	if err := env.facade.LiquidateAccount(liquidator, id, liquidator, nil); err != nil {
		t.Fatalf("liquidate expired: %v", err)
	}

	// Expired schedule: pool gets debt plus the 1% fee on the 1500 total
	// value, the owner keeps what the 98% discount leaves, minus the rounding
	// unit, and the liquidator sweeps the rest.
	if got := env.vault.BalanceOf(env.underlying, env.poolAddr); got.Cmp(big.NewInt(1015)) != 0 {
		t.Fatalf("unexpected pool payment: got %s want 1015", got)
	}
	if got := env.vault.BalanceOf(env.underlying, env.owner); got.Cmp(big.NewInt(454)) != 0 {
		t.Fatalf("unexpected owner refund: got %s want 454", got)
	}
	if got := env.vault.BalanceOf(env.underlying, liquidator); got.Cmp(big.NewInt(31)) != 0 {
		t.Fatalf("unexpected liquidator sweep: got %s want 31", got)
	}
	if env.pool.profit.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("unexpected pool profit: got %s want 15", env.pool.profit)
	}
	if env.pool.loss.Sign() != 0 {
		t.Fatalf("expired liquidation must not book a loss: %s", env.pool.loss)
	}
}

func TestLiquidatePausedRequiresEmergencyLiquidator(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)
	env.pool.setIndexRatio(2, 1)
	env.manager.Pause()

	liquidator := addr(0x30)
	if err := env.facade.LiquidateAccount(liquidator, id, liquidator, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for plain liquidator, got %v", err)
	}

	env.facade.AddEmergencyLiquidator(liquidator)
	if err := env.facade.LiquidateAccount(liquidator, id, liquidator, nil); err != nil {
		t.Fatalf("emergency liquidation while paused: %v", err)
	}

	env.facade.RemoveEmergencyLiquidator(liquidator)
	if err := env.facade.LiquidateAccount(liquidator, id, liquidator, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused after revocation, got %v", err)
	}
}

func TestLiquidateHaltsQuotedTokensOnLoss(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	if err := env.registry.MarkQuoted(env.tokenB); err != nil {
		t.Fatalf("mark quoted: %v", err)
	}
	id := env.openTestAccount(t, 1000, 500)

	// Small enough that the discounted total value still fits in the account's
	// underlying balance.
	env.vault.mint(env.tokenB, env.owner, 50)
	if err := env.facade.Multicall(env.owner, id, []Call{
		CallAddCollateral{Token: env.tokenB, Amount: big.NewInt(50)},
		CallUpdateQuota{Token: env.tokenB, Change: big.NewInt(50)},
	}); err != nil {
		t.Fatalf("seed quoted collateral: %v", err)
	}

	env.pool.setIndexRatio(3, 1)
	if err := env.facade.LiquidateAccount(addr(0x30), id, addr(0x30), nil); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(env.quotas.halted) != 1 || env.quotas.halted[0] != env.tokenB {
		t.Fatalf("quoted token limits not halted: %v", env.quotas.halted)
	}
}
