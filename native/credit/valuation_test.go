package credit

import (
	"errors"
	"math/big"
	"testing"
)

// craftAccount builds an account record directly against the env's vault.
func (env *testEnv) craftAccount(principal int64, mask TokenMask) *CreditAccount {
	acct := &CreditAccount{
		ID:                AccountID(addr(0x77)),
		Owner:             env.owner,
		DebtPrincipal:     big.NewInt(principal),
		EnabledTokensMask: mask,
	}
	acct.ensureDefaults()
	return acct
}

func TestValueCollateralEarlyExit(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	mask := MaskAt(0).Enable(MaskAt(1)).Enable(MaskAt(2))
	acct := env.craftAccount(1000, mask)
	env.vault.mint(env.underlying, acct.ID.Address(), 500)
	env.vault.mint(env.tokenA, acct.ID.Address(), 2000)
	env.vault.mint(env.tokenB, acct.ID.Address(), 300)

	// Default order is tokenA, tokenB, underlying last. tokenA alone covers
	// the debt target, so only the debt pricing plus one token pricing run.
	env.oracle.valueCalls = 0
	totals, err := env.manager.valueCollateral(acct, mask, FullCheckParams{MinHealthFactor: DefaultMinHealthFactor})
	if err != nil {
		t.Fatalf("value collateral: %v", err)
	}
	if env.oracle.valueCalls != 2 {
		t.Fatalf("unexpected oracle calls: got %d want 2", env.oracle.valueCalls)
	}
	if totals.visited != 1 {
		t.Fatalf("unexpected visited tokens: got %d want 1", totals.visited)
	}

	// A full pass prices every enabled token.
	env.oracle.valueCalls = 0
	totals, err = env.manager.valueCollateral(acct, mask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	})
	if err != nil {
		t.Fatalf("value collateral full pass: %v", err)
	}
	if env.oracle.valueCalls != 4 {
		t.Fatalf("unexpected oracle calls on full pass: got %d want 4", env.oracle.valueCalls)
	}
	// 500 + 2000*2 + 300
	if totals.totalUSD.Cmp(big.NewInt(4800)) != 0 {
		t.Fatalf("unexpected total value: got %s want 4800", totals.totalUSD)
	}
}

func TestValueCollateralHintsReorder(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	mask := MaskAt(0).Enable(MaskAt(1)).Enable(MaskAt(2))
	acct := env.craftAccount(1000, mask)
	env.vault.mint(env.underlying, acct.ID.Address(), 500)
	env.vault.mint(env.tokenA, acct.ID.Address(), 2000)
	env.vault.mint(env.tokenB, acct.ID.Address(), 300)

	// Hinting tokenB first forces it to be priced before tokenA covers the
	// target.
	env.oracle.valueCalls = 0
	_, err := env.manager.valueCollateral(acct, mask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		CollateralHints: []TokenMask{MaskAt(2)},
	})
	if err != nil {
		t.Fatalf("value collateral: %v", err)
	}
	if env.oracle.valueCalls != 3 {
		t.Fatalf("unexpected oracle calls: got %d want 3", env.oracle.valueCalls)
	}
}

func TestValueCollateralRejectsMultiBitHint(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	acct := env.craftAccount(1000, MaskAt(0))
	env.vault.mint(env.underlying, acct.ID.Address(), 2000)

	_, err := env.manager.valueCollateral(acct, acct.EnabledTokensMask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		CollateralHints: []TokenMask{MaskAt(1).Enable(MaskAt(2))},
	})
	if !errors.Is(err, ErrInvalidCollateralHint) {
		t.Fatalf("expected ErrInvalidCollateralHint, got %v", err)
	}
}

func TestFullCheckClearsDust(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	mask := MaskAt(0).Enable(MaskAt(1)).Enable(MaskAt(2))
	acct := env.craftAccount(1000, mask)
	env.vault.mint(env.underlying, acct.ID.Address(), 2000)
	env.vault.mint(env.tokenA, acct.ID.Address(), 100)
	// tokenB has no balance: its slot must be cleared.

	newMask, err := env.manager.fullCollateralCheck(acct, mask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	}, nil)
	if err != nil {
		t.Fatalf("full check: %v", err)
	}
	if newMask.Intersects(MaskAt(2)) {
		t.Fatalf("dust slot must be cleared")
	}
	if !newMask.Intersects(MaskAt(0)) || !newMask.Intersects(MaskAt(1)) {
		t.Fatalf("funded slots must stay enabled: %s", newMask)
	}
}

func TestFullCheckUnderlyingNeverDustCleared(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	acct := env.craftAccount(1000, MaskAt(0).Enable(MaskAt(1)))
	// Debt is backed entirely by tokenA; the underlying slot is empty but must
	// stay enabled while debt is outstanding.
	env.vault.mint(env.tokenA, acct.ID.Address(), 2000)

	newMask, err := env.manager.fullCollateralCheck(acct, acct.EnabledTokensMask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	}, nil)
	if err != nil {
		t.Fatalf("full check: %v", err)
	}
	if !newMask.Intersects(UnderlyingMask) {
		t.Fatalf("underlying slot must never be dust cleared")
	}
}

func TestFullCheckInsolvent(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	acct := env.craftAccount(1000, MaskAt(0))
	env.vault.mint(env.underlying, acct.ID.Address(), 1000)

	// 1000 at 90% weight is below the 1000 debt target.
	_, err := env.manager.fullCollateralCheck(acct, acct.EnabledTokensMask,
		FullCheckParams{MinHealthFactor: DefaultMinHealthFactor}, nil)
	if !errors.Is(err, ErrNotEnoughCollateral) {
		t.Fatalf("expected ErrNotEnoughCollateral, got %v", err)
	}
}

func TestFullCheckMinHealthFactorMargin(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	acct := env.craftAccount(1000, MaskAt(0))
	env.vault.mint(env.underlying, acct.ID.Address(), 1200)

	// 1200 * 90% = 1080 covers 100% but not 120% of the 1000 debt.
	if _, err := env.manager.fullCollateralCheck(acct, acct.EnabledTokensMask,
		FullCheckParams{MinHealthFactor: DefaultMinHealthFactor}, nil); err != nil {
		t.Fatalf("full check at 100%%: %v", err)
	}
	_, err := env.manager.fullCollateralCheck(acct, acct.EnabledTokensMask,
		FullCheckParams{MinHealthFactor: 12_000}, nil)
	if !errors.Is(err, ErrNotEnoughCollateral) {
		t.Fatalf("expected ErrNotEnoughCollateral at 120%%, got %v", err)
	}
}

func TestFullCheckMaxEnabledTokens(t *testing.T) {
	params := defaultManagerParams()
	params.MaxEnabledTokens = 1
	env := newTestEnv(t, params, defaultFacadeParams())
	mask := MaskAt(0).Enable(MaskAt(1)).Enable(MaskAt(2))
	acct := env.craftAccount(1000, mask)
	env.vault.mint(env.underlying, acct.ID.Address(), 2000)
	env.vault.mint(env.tokenA, acct.ID.Address(), 100)
	env.vault.mint(env.tokenB, acct.ID.Address(), 100)

	_, err := env.manager.fullCollateralCheck(acct, mask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	}, nil)
	if !errors.Is(err, ErrTooManyEnabledTokens) {
		t.Fatalf("expected ErrTooManyEnabledTokens, got %v", err)
	}
}

func TestQuotedTokenValueCappedByQuota(t *testing.T) {
	env := newTestEnv(t, defaultManagerParams(), defaultFacadeParams())
	if err := env.registry.MarkQuoted(env.tokenA); err != nil {
		t.Fatalf("mark quoted: %v", err)
	}
	acct := env.craftAccount(1000, MaskAt(0).Enable(MaskAt(1)))
	env.vault.mint(env.underlying, acct.ID.Address(), 100)
	env.vault.mint(env.tokenA, acct.ID.Address(), 2000)

	// Without a quota the quoted token contributes nothing.
	totals, err := env.manager.valueCollateral(acct, acct.EnabledTokensMask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	})
	if err != nil {
		t.Fatalf("value collateral: %v", err)
	}
	if totals.totalUSD.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("quoted token without quota must not count: got %s want 100", totals.totalUSD)
	}

	// With a 500 quota the token counts at most the quota's underlying value.
	if _, _, err := env.quotas.UpdateQuota(acct.ID, QuotaChange{Token: env.tokenA, Change: big.NewInt(500)}); err != nil {
		t.Fatalf("update quota: %v", err)
	}
	totals, err = env.manager.valueCollateral(acct, acct.EnabledTokensMask, FullCheckParams{
		MinHealthFactor: DefaultMinHealthFactor,
		skipEarlyExit:   true,
	})
	if err != nil {
		t.Fatalf("value collateral with quota: %v", err)
	}
	if totals.totalUSD.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("quota cap not applied: got %s want 600", totals.totalUSD)
	}
}
