package credit

import "math/big"

// ClosureAction distinguishes which fee schedule a payout split uses.
type ClosureAction uint8

const (
	// ActionClose is a voluntary closure by the owner: no discount, no
	// liquidation fee, interest fee only.
	ActionClose ClosureAction = iota
	// ActionLiquidate is a forced closure of an insolvent account.
	ActionLiquidate
	// ActionLiquidateExpired is a forced closure of a still-solvent account
	// past the facade's expiration deadline; a milder schedule applies.
	ActionLiquidateExpired
)

// String names the action for logs and events.
func (a ClosureAction) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionLiquidate:
		return "liquidate"
	case ActionLiquidateExpired:
		return "liquidateExpired"
	default:
		return "unknown"
	}
}

// ClosePayments is the payout split of a closing account, all in underlying
// units.
type ClosePayments struct {
	// AmountToPool covers principal, interest and fees, capped at what the
	// discounted total value can cover.
	AmountToPool *big.Int
	// RemainingFunds go back to the account owner after the pool is made
	// whole and the liquidator premium is carved out.
	RemainingFunds *big.Int
	// Profit is the protocol's fee take booked into pool reserves.
	Profit *big.Int
	// Loss is the shortfall the pool absorbs when collateral cannot cover the
	// debt. Loss and Profit are mutually exclusive.
	Loss *big.Int
}

// CalcClosePayments splits an account's total value between the pool, the
// owner and (implicitly, via the discount) the liquidator. totalValue is the
// account's full collateral value in underlying units; it is ignored for
// ActionClose. The one-unit deduction from RemainingFunds keeps truncation
// drift on the pool's side of the ledger.
func CalcClosePayments(fees FeeParams, action ClosureAction, totalValue, principal, principalWithInterest *big.Int) ClosePayments {
	principal = cloneBigInt(principal)
	principalWithInterest = cloneBigInt(principalWithInterest)
	totalValue = cloneBigInt(totalValue)

	interest := new(big.Int).Sub(principalWithInterest, principal)
	amountToPool := new(big.Int).Add(principalWithInterest, percentMul(interest, fees.FeeInterest))

	if action == ActionClose {
		return ClosePayments{
			AmountToPool:   amountToPool,
			RemainingFunds: big.NewInt(0),
			Profit:         new(big.Int).Sub(amountToPool, principalWithInterest),
			Loss:           big.NewInt(0),
		}
	}

	feeLiquidation := fees.FeeLiquidation
	discount := fees.LiquidationDiscount
	if action == ActionLiquidateExpired {
		feeLiquidation = fees.FeeLiquidationExpired
		discount = fees.LiquidationDiscountExpired
	}

	amountToPool.Add(amountToPool, percentMul(totalValue, feeLiquidation))
	available := percentMul(totalValue, discount)

	if available.Cmp(amountToPool) > 0 {
		remaining := new(big.Int).Sub(available, amountToPool)
		remaining.Sub(remaining, big.NewInt(1))
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		return ClosePayments{
			AmountToPool:   amountToPool,
			RemainingFunds: remaining,
			Profit:         new(big.Int).Sub(amountToPool, principalWithInterest),
			Loss:           big.NewInt(0),
		}
	}

	loss := new(big.Int).Sub(principalWithInterest, available)
	if loss.Sign() < 0 {
		loss = big.NewInt(0)
	}
	return ClosePayments{
		AmountToPool:   available,
		RemainingFunds: big.NewInt(0),
		Profit:         big.NewInt(0),
		Loss:           loss,
	}
}
