package credit

import "math/big"

// FeeParams groups the protocol fee and liquidation schedules in basis points.
// The expired pair applies when an account is liquidated because the facade's
// expiration deadline passed rather than because it became insolvent.
type FeeParams struct {
	// FeeInterest is the protocol share of accrued interest.
	FeeInterest uint16
	// FeeLiquidation is charged on an account's total value during an
	// insolvency liquidation.
	FeeLiquidation uint16
	// LiquidationDiscount is the fraction of total value paid out during an
	// insolvency liquidation; the remainder is the liquidator premium.
	LiquidationDiscount uint16
	// FeeLiquidationExpired and LiquidationDiscountExpired form the milder
	// schedule used when a solvent account is closed past expiration.
	FeeLiquidationExpired      uint16
	LiquidationDiscountExpired uint16
}

// Clone returns a copy of the fee schedule.
func (f FeeParams) Clone() FeeParams { return f }

// DebtLimits bound the principal a single account may carry.
type DebtLimits struct {
	MinDebt *big.Int
	MaxDebt *big.Int
}

// Clone returns a deep copy of the debt limits.
func (l DebtLimits) Clone() DebtLimits {
	return DebtLimits{MinDebt: cloneBigInt(l.MinDebt), MaxDebt: cloneBigInt(l.MaxDebt)}
}

// Contains reports whether the given principal falls inside the limits.
func (l DebtLimits) Contains(principal *big.Int) bool {
	if principal == nil {
		return false
	}
	if l.MinDebt != nil && principal.Cmp(l.MinDebt) < 0 {
		return false
	}
	if l.MaxDebt != nil && principal.Cmp(l.MaxDebt) > 0 {
		return false
	}
	return true
}

// ManagerParams carries the risk configuration the credit manager enforces.
type ManagerParams struct {
	Fees FeeParams
	// MaxEnabledTokens caps how many collateral tokens may stay enabled on one
	// account after a collateral check. Guards valuation cost.
	MaxEnabledTokens uint8
	// MaxCumulativeLoss is the ceiling on losses absorbed across liquidations
	// before new borrowing trips off platform-wide.
	MaxCumulativeLoss *big.Int
}

// Clone returns a deep copy of the manager parameters.
func (p ManagerParams) Clone() ManagerParams {
	out := ManagerParams{
		Fees:             p.Fees.Clone(),
		MaxEnabledTokens: p.MaxEnabledTokens,
	}
	if p.MaxCumulativeLoss != nil {
		out.MaxCumulativeLoss = new(big.Int).Set(p.MaxCumulativeLoss)
	}
	return out
}

// FacadeParams carries the entry-gate configuration for the credit facade.
type FacadeParams struct {
	Limits DebtLimits
	// MaxDebtPerBlockMultiplier scales MaxDebt into the aggregate amount all
	// accounts together may newly borrow inside one block. Zero disables new
	// borrowing entirely.
	MaxDebtPerBlockMultiplier uint8
	// Expirable facades stop serving owner operations at ExpirationDate
	// (unix seconds) and open the expired-liquidation path.
	Expirable      bool
	ExpirationDate int64
	// WhitelistedMode requires opening callers to burn a whitelist slot.
	WhitelistedMode bool
	// PreferExpiredSchedule resolves the expired-and-insolvent overlap: when
	// false (the default) the insolvency fee schedule wins.
	PreferExpiredSchedule bool
}

// Clone returns a deep copy of the facade parameters.
func (p FacadeParams) Clone() FacadeParams {
	out := p
	out.Limits = p.Limits.Clone()
	return out
}
