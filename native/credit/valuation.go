package credit

import (
	"fmt"
	"math/big"
)

// DefaultMinHealthFactor is 100%: weighted collateral must at least match
// accrued debt.
const DefaultMinHealthFactor = PercentageFactor

// FullCheckParams steer one full collateral check. A batch starts from
// defaults and may adjust them through the set-full-check-params sub-call.
type FullCheckParams struct {
	// CollateralHints orders the valuation loop: hinted tokens are priced
	// first, letting callers put cheap-to-price tokens ahead so the early
	// exit skips expensive ones. Every hint must select exactly one token.
	CollateralHints []TokenMask
	// MinHealthFactor scales the debt target in basis points; values above
	// 10000 demand a safety margin beyond bare solvency.
	MinHealthFactor uint16
	// UseSafePrices values collateral at the conservative side of each feed.
	UseSafePrices bool
	// RevertOnForbiddenTokens makes the check reject any enabled forbidden
	// token whose exposure did not shrink during the batch.
	RevertOnForbiddenTokens bool

	// skipEarlyExit forces a full pass so read surfaces report complete
	// totals. Solvency checks never set it.
	skipEarlyExit bool
}

func defaultFullCheckParams() FullCheckParams {
	return FullCheckParams{MinHealthFactor: DefaultMinHealthFactor}
}

// forbiddenSnapshot captures the account's forbidden-token exposure at batch
// start so the closing check can tell reductions from increases.
type forbiddenSnapshot struct {
	enabled  TokenMask
	balances map[uint8]*big.Int
}

// collateralTotals is the outcome of one valuation pass.
type collateralTotals struct {
	// twvUSD is the threshold-weighted collateral value, already divided by
	// the percentage factor.
	twvUSD *big.Int
	// totalUSD is the unweighted value of every token the loop visited. When
	// the early exit fires this undercounts the account on purpose.
	totalUSD *big.Int
	// debtUSD is the target the check compared against.
	debtUSD *big.Int
	// mask is the enabled-token mask after dust clearing.
	mask TokenMask
	// visited counts tokens actually priced, for metrics.
	visited int
	// earlyExit records whether the loop stopped before pricing every token.
	earlyExit bool
}

// fullCollateralCheck prices the account's enabled collateral against its
// accrued debt and returns the dust-cleared mask the caller persists. The
// account passed in is the batch working copy: its quota interest must
// already be realized.
func (m *Manager) fullCollateralCheck(acct *CreditAccount, candidate TokenMask, params FullCheckParams, snap *forbiddenSnapshot) (TokenMask, error) {
	totals, err := m.valueCollateral(acct, candidate, params)
	if err != nil {
		return TokenMask{}, err
	}
	m.metrics.ObserveCollateralCheck(totals.visited, totals.earlyExit)
	if totals.debtUSD.Sign() > 0 && totals.twvUSD.Cmp(totals.debtUSD) < 0 {
		return TokenMask{}, fmt.Errorf("%w: weighted value %s below target %s",
			ErrNotEnoughCollateral, totals.twvUSD, totals.debtUSD)
	}
	if err := m.checkEnabledTokenCount(totals.mask); err != nil {
		return TokenMask{}, err
	}
	if err := m.checkForbiddenExposure(acct, totals.mask, params, snap); err != nil {
		return TokenMask{}, err
	}
	return totals.mask, nil
}

// valueCollateral runs the valuation loop: hinted tokens first, remaining
// enabled tokens in ascending slot order with the underlying last, stopping
// as soon as the weighted total covers the debt target.
func (m *Manager) valueCollateral(acct *CreditAccount, candidate TokenMask, params FullCheckParams) (collateralTotals, error) {
	totals := collateralTotals{
		twvUSD:   big.NewInt(0),
		totalUSD: big.NewInt(0),
		debtUSD:  big.NewInt(0),
		mask:     candidate,
	}

	debt := calcAccruedDebt(acct.DebtPrincipal, acct.CumulativeIndexAtOpen,
		m.pool.CumulativeIndex(), acct.CumulativeQuotaInterest, m.params.Fees.FeeInterest)
	if debt.Total.Sign() == 0 {
		return totals, nil
	}
	debtUSD, err := m.oracle.ValueUSD(m.registry.Underlying(), debt.Total, params.UseSafePrices)
	if err != nil {
		return collateralTotals{}, err
	}
	minHF := params.MinHealthFactor
	if minHF == 0 {
		minHF = DefaultMinHealthFactor
	}
	totals.debtUSD = percentMul(debtUSD, minHF)

	order, err := m.valuationOrder(candidate, params.CollateralHints)
	if err != nil {
		return collateralTotals{}, err
	}

	weighted := big.NewInt(0)
	target := new(big.Int).Mul(totals.debtUSD, bpsFactor)
	now := m.now()
	quoted := m.registry.QuotedMask()

	for _, slot := range order {
		token, err := m.registry.TokenBySlot(slot)
		if err != nil {
			return collateralTotals{}, err
		}
		balance := m.vault.BalanceOf(token, acct.ID.Address())
		if balance.Sign() == 0 {
			// Dust: the slot stops counting and stops costing future checks.
			// The underlying slot stays enabled while debt is outstanding.
			if slot != 0 {
				totals.mask = totals.mask.Disable(MaskAt(slot))
			}
			continue
		}
		value, err := m.oracle.ValueUSD(token, balance, params.UseSafePrices)
		if err != nil {
			return collateralTotals{}, err
		}
		totals.visited++
		if quoted.Intersects(MaskAt(slot)) {
			quota := m.quotas.Quota(acct.ID, token)
			if quota == nil || quota.Sign() <= 0 {
				continue
			}
			capUSD, err := m.oracle.ValueUSD(m.registry.Underlying(), quota, params.UseSafePrices)
			if err != nil {
				return collateralTotals{}, err
			}
			if capUSD.Cmp(value) < 0 {
				value = capUSD
			}
		}
		totals.totalUSD.Add(totals.totalUSD, value)
		lt := m.registry.thresholdBySlot(slot, now)
		weighted.Add(weighted, new(big.Int).Mul(value, big.NewInt(int64(lt))))
		if !params.skipEarlyExit && weighted.Cmp(target) >= 0 {
			// Early exit: remaining tokens are neither priced nor dust
			// cleared. Callers order hints to exploit this.
			totals.earlyExit = true
			break
		}
	}

	totals.twvUSD = weighted.Quo(weighted, bpsFactor)
	return totals, nil
}

// valuationOrder resolves the deterministic iteration order over the enabled
// slots: hints in their given order, then unhinted slots ascending, underlying
// last. Hints referring to disabled tokens are skipped, malformed hints fail.
func (m *Manager) valuationOrder(candidate TokenMask, hints []TokenMask) ([]uint8, error) {
	order := make([]uint8, 0, candidate.Count())
	seen := TokenMask{}
	for _, hint := range hints {
		slot, err := hint.Index()
		if err != nil {
			return nil, ErrInvalidCollateralHint
		}
		if int(slot) >= m.registry.Count() {
			return nil, fmt.Errorf("%w: hint slot %d", ErrTokenNotAllowed, slot)
		}
		if !candidate.Intersects(hint) || seen.Intersects(hint) {
			continue
		}
		seen = seen.Enable(hint)
		order = append(order, slot)
	}
	rest := candidate.Without(seen)
	underlyingLast := false
	for _, slot := range rest.Bits() {
		if slot == 0 {
			underlyingLast = true
			continue
		}
		order = append(order, slot)
	}
	if underlyingLast {
		order = append(order, 0)
	}
	return order, nil
}

// checkEnabledTokenCount enforces the valuation cost cap. The underlying slot
// rides for free: the cap bounds the number of extra tokens a check iterates.
func (m *Manager) checkEnabledTokenCount(mask TokenMask) error {
	enabled := mask.Disable(UnderlyingMask).Count()
	if enabled > int(m.params.MaxEnabledTokens) {
		return fmt.Errorf("%w: %d enabled, limit %d", ErrTooManyEnabledTokens, enabled, m.params.MaxEnabledTokens)
	}
	return nil
}

// checkForbiddenExposure enforces the forbidden-token rules against the batch
// start snapshot: exposure may only shrink, and when the batch performed an
// operation that set RevertOnForbiddenTokens, any enabled forbidden token
// whose exposure failed to shrink rejects the whole batch.
func (m *Manager) checkForbiddenExposure(acct *CreditAccount, mask TokenMask, params FullCheckParams, snap *forbiddenSnapshot) error {
	forbidden := m.ForbiddenMask()
	enabledForbidden := mask.Intersect(forbidden)
	if enabledForbidden.IsZero() {
		return nil
	}
	if snap == nil {
		if params.RevertOnForbiddenTokens {
			return ErrForbiddenTokens
		}
		return nil
	}
	if !enabledForbidden.Without(snap.enabled).IsZero() {
		return ErrForbiddenTokenEnabled
	}
	for _, slot := range enabledForbidden.Bits() {
		token, err := m.registry.TokenBySlot(slot)
		if err != nil {
			return err
		}
		balance := m.vault.BalanceOf(token, acct.ID.Address())
		before, ok := snap.balances[slot]
		if !ok {
			before = big.NewInt(0)
		}
		if balance.Cmp(before) > 0 {
			return ErrForbiddenTokenBalanceIncreased
		}
		if params.RevertOnForbiddenTokens && balance.Cmp(before) >= 0 {
			return ErrForbiddenTokens
		}
	}
	return nil
}

// takeForbiddenSnapshot records the account's forbidden-token exposure before
// a batch starts mutating it. Returns nil when nothing forbidden is enabled.
func (m *Manager) takeForbiddenSnapshot(acct *CreditAccount) (*forbiddenSnapshot, error) {
	forbidden := m.ForbiddenMask()
	enabled := acct.EnabledTokensMask.Intersect(forbidden)
	if enabled.IsZero() && forbidden.IsZero() {
		return nil, nil
	}
	snap := &forbiddenSnapshot{enabled: enabled, balances: make(map[uint8]*big.Int)}
	for _, slot := range enabled.Bits() {
		token, err := m.registry.TokenBySlot(slot)
		if err != nil {
			return nil, err
		}
		snap.balances[slot] = m.vault.BalanceOf(token, acct.ID.Address())
	}
	return snap, nil
}
