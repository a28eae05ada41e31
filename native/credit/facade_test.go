package credit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "margincore/native/common"
)

func TestOpenAccountLendsAndEnablesUnderlying(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	env.manager.SetBlockHeight(7)
	id := env.openTestAccount(t, 1000, 500)

	stored, err := env.manager.GetAccount(id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.DebtPrincipal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected principal: got %s want 1000", stored.DebtPrincipal)
	}
	if !stored.EnabledTokensMask.Intersects(UnderlyingMask) {
		t.Fatalf("underlying must be enabled on a borrowing account")
	}
	if stored.LastDebtBlock != 7 {
		t.Fatalf("unexpected last debt block: got %d want 7", stored.LastDebtBlock)
	}
	if got := env.vault.BalanceOf(env.underlying, id.Address()); got.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("unexpected account balance: got %s want 1500", got)
	}
	if env.pool.borrowed.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected pool borrowed: got %s want 1000", env.pool.borrowed)
	}
}

func TestOpenAccountUnwindsOnInsolvency(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	// No extra collateral: 1000 at 90% weight cannot cover the 1000 debt.
	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil)
	if !errors.Is(err, ErrNotEnoughCollateral) {
		t.Fatalf("expected ErrNotEnoughCollateral, got %v", err)
	}
	if env.pool.borrowed.Sign() != 0 {
		t.Fatalf("pool borrow not unwound: %s", env.pool.borrowed)
	}
	accounts, _ := env.manager.ListAccounts()
	if len(accounts) != 0 {
		t.Fatalf("account record not unwound: %d accounts", len(accounts))
	}
}

func TestOpenAccountDebtLimits(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(50), nil)
	if !errors.Is(err, ErrBorrowAmountOutOfLimits) {
		t.Fatalf("expected ErrBorrowAmountOutOfLimits below MinDebt, got %v", err)
	}
	_, err = env.facade.OpenAccount(env.owner, env.owner, big.NewInt(200_000), nil)
	if !errors.Is(err, ErrBorrowAmountOutOfLimits) {
		t.Fatalf("expected ErrBorrowAmountOutOfLimits above MaxDebt, got %v", err)
	}
}

func TestPerBlockBorrowCap(t *testing.T) {
	params := defaultFacadeParams()
	params.Limits.MaxDebt = big.NewInt(1000)
	params.MaxDebtPerBlockMultiplier = 1
	env := newTestEnv(t, defaultManagerParams(), params)

	env.vault.mint(env.underlying, env.owner, 1000)
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(800), []Call{
		CallAddCollateral{Token: env.underlying, Amount: big.NewInt(500)},
	}); err != nil {
		t.Fatalf("first open: %v", err)
	}

	// 800 + 300 breaches the 1000 block cap.
	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(300), []Call{
		CallAddCollateral{Token: env.underlying, Amount: big.NewInt(500)},
	})
	if !errors.Is(err, ErrBorrowedBlockLimit) {
		t.Fatalf("expected ErrBorrowedBlockLimit, got %v", err)
	}

	// The counter resets on the next block.
	env.manager.SetBlockHeight(1)
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(300), []Call{
		CallAddCollateral{Token: env.underlying, Amount: big.NewInt(500)},
	}); err != nil {
		t.Fatalf("open in next block: %v", err)
	}
}

func TestZeroMultiplierDisablesBorrowing(t *testing.T) {
	params := defaultFacadeParams()
	params.MaxDebtPerBlockMultiplier = 0
	env := newTestEnv(t, defaultManagerParams(), params)

	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil)
	if !errors.Is(err, ErrBorrowedBlockLimit) {
		t.Fatalf("expected ErrBorrowedBlockLimit with zero multiplier, got %v", err)
	}
}

func TestExpirationGate(t *testing.T) {
	params := defaultFacadeParams()
	params.Expirable = true
	params.ExpirationDate = 500
	env := newTestEnv(t, defaultManagerParams(), params)

	now := int64(100)
	env.manager.SetNowFunc(func() int64 { return now })
	id := env.openTestAccount(t, 1000, 500)

	now = 600
	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil)
	if !errors.Is(err, ErrNotAllowedAfterExpiration) {
		t.Fatalf("expected ErrNotAllowedAfterExpiration on open, got %v", err)
	}
	err = env.facade.Multicall(env.owner, id, []Call{CallIncreaseDebt{Amount: big.NewInt(100)}})
	if !errors.Is(err, ErrNotAllowedAfterExpiration) {
		t.Fatalf("expected ErrNotAllowedAfterExpiration on borrow, got %v", err)
	}

	// Non-borrowing operations keep working past expiry.
	env.vault.mint(env.tokenA, env.owner, 10)
	if err := env.facade.Multicall(env.owner, id, []Call{
		CallAddCollateral{Token: env.tokenA, Amount: big.NewInt(10)},
	}); err != nil {
		t.Fatalf("add collateral after expiry: %v", err)
	}
}

type burnAllGate struct{ burned []common.Address }

func (g *burnAllGate) BurnSlot(owner common.Address) error {
	g.burned = append(g.burned, owner)
	return nil
}

type denyGate struct{}

func (denyGate) BurnSlot(common.Address) error { return errors.New("no slots left") }

func TestWhitelistedMode(t *testing.T) {
	params := defaultFacadeParams()
	params.WhitelistedMode = true
	env := newTestEnv(t, defaultManagerParams(), params)
	env.vault.mint(env.underlying, env.owner, 1000)

	// No gate wired: every open is rejected.
	_, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil)
	if !errors.Is(err, ErrForbiddenInWhitelistedMode) {
		t.Fatalf("expected ErrForbiddenInWhitelistedMode without gate, got %v", err)
	}

	gate := &burnAllGate{}
	env.facade.SetWhitelistGate(gate)
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), []Call{
		CallAddCollateral{Token: env.underlying, Amount: big.NewInt(500)},
	}); err != nil {
		t.Fatalf("open with gate: %v", err)
	}
	if len(gate.burned) != 1 || gate.burned[0] != env.owner {
		t.Fatalf("slot not burned for caller: %v", gate.burned)
	}

	env.facade.SetWhitelistGate(denyGate{})
	_, err = env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil)
	if !errors.Is(err, ErrForbiddenInWhitelistedMode) {
		t.Fatalf("expected ErrForbiddenInWhitelistedMode when gate denies, got %v", err)
	}
}

func TestPauseGuardsEntryPoints(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)

	env.manager.Pause()
	if _, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(1000), nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on open, got %v", err)
	}
	if err := env.facade.Multicall(env.owner, id, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on multicall, got %v", err)
	}
	if err := env.facade.CloseAccount(env.owner, id, env.owner, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on close, got %v", err)
	}

	env.manager.Unpause()
	if err := env.facade.Multicall(env.owner, id, nil); err != nil {
		t.Fatalf("multicall after unpause: %v", err)
	}
}

func TestAccountHealthReadSurface(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	id := env.openTestAccount(t, 1000, 500)

	totalUSD, twvUSD, debtUSD, hf, err := env.manager.AccountHealth(id)
	if err != nil {
		t.Fatalf("account health: %v", err)
	}
	if totalUSD.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("unexpected total value: got %s want 1500", totalUSD)
	}
	if twvUSD.Cmp(big.NewInt(1350)) != 0 {
		t.Fatalf("unexpected weighted value: got %s want 1350", twvUSD)
	}
	if debtUSD.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected debt value: got %s want 1000", debtUSD)
	}
	if hf != 13_500 {
		t.Fatalf("unexpected health factor: got %d want 13500", hf)
	}
}

func TestAccountFactoryReusesHandles(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	env.manager.SetBlockHeight(1)
	id := env.openTestAccount(t, 1000, 500)
	env.manager.SetBlockHeight(2)
	if err := env.facade.CloseAccount(env.owner, id, env.owner, nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := env.openTestAccount(t, 1000, 500)
	if second != id {
		t.Fatalf("released handle not reused: got %s want %s", second, id)
	}
}
