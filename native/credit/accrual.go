package credit

import "math/big"

// DebtInfo is one account's debt decomposed at a given borrow index. All
// amounts are in underlying units.
type DebtInfo struct {
	Principal *big.Int
	// Interest accrued on principal since the opening index was captured.
	Interest *big.Int
	// Fees is the protocol share of Interest plus the protocol share of
	// QuotaInterest.
	Fees *big.Int
	// QuotaInterest realized onto the account and still unpaid.
	QuotaInterest *big.Int
	// Total is the full amount solvency is checked against.
	Total *big.Int
}

// calcDebtWithInterest grows principal by the index ratio. Division truncates;
// the error stays within one unit per call and always favours the pool on the
// later increase/decrease recomputations.
func calcDebtWithInterest(principal, indexAtOpen, indexNow *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	if indexAtOpen == nil || indexAtOpen.Sign() == 0 || indexNow == nil {
		return cloneBigInt(principal)
	}
	out := new(big.Int).Mul(principal, indexNow)
	return out.Quo(out, indexAtOpen)
}

// calcAccruedDebt assembles the debt breakdown for an account snapshot.
// quotaInterest is the account's realized quota interest including anything
// the quota keeper accrued for this operation.
func calcAccruedDebt(principal, indexAtOpen, indexNow, quotaInterest *big.Int, feeInterest uint16) DebtInfo {
	withInterest := calcDebtWithInterest(principal, indexAtOpen, indexNow)
	interest := new(big.Int).Sub(withInterest, principal)
	if interest.Sign() < 0 {
		interest = big.NewInt(0)
	}
	quota := cloneBigInt(quotaInterest)
	fees := percentMul(interest, feeInterest)
	fees.Add(fees, percentMul(quota, feeInterest))
	total := new(big.Int).Add(withInterest, fees)
	total.Add(total, quota)
	return DebtInfo{
		Principal:     cloneBigInt(principal),
		Interest:      interest,
		Fees:          fees,
		QuotaInterest: quota,
		Total:         total,
	}
}

// calcIncreaseDebtIndex derives the opening index after borrowing more, chosen
// so already-accrued interest is preserved exactly:
//
//	newPrincipal * indexNow / newIndex == debtWithInterest_old + amount
func calcIncreaseDebtIndex(principal, indexAtOpen, indexNow, amount *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return cloneBigInt(indexNow)
	}
	withInterest := calcDebtWithInterest(principal, indexAtOpen, indexNow)
	numerator := new(big.Int).Add(principal, amount)
	numerator.Mul(numerator, indexNow)
	denominator := new(big.Int).Add(withInterest, amount)
	if denominator.Sign() == 0 {
		return cloneBigInt(indexNow)
	}
	return numerator.Quo(numerator, denominator)
}

// debtRepayment is the outcome of applying a repayment to an account's debt.
type debtRepayment struct {
	NewPrincipal     *big.Int
	NewIndex         *big.Int
	NewQuotaInterest *big.Int
	// RepaidPrincipal and Profit are reported to the pool: principal shrinks
	// the pool's outstanding borrow, profit is the fee share it keeps.
	RepaidPrincipal *big.Int
	Profit          *big.Int
	// Paid is the portion of the requested amount actually consumed; the
	// remainder (overpayment past full debt) stays with the caller.
	Paid *big.Int
}

// calcDecreaseDebt applies amount against the account's obligations in strict
// priority order: quota interest and its fee first, then principal interest
// and its fee, then principal. Partial interest payments split between
// interest and fee pro rata and recompute the opening index so the unpaid
// remainder keeps accruing from where it stood.
func calcDecreaseDebt(amount, principal, indexAtOpen, indexNow, quotaInterest *big.Int, feeInterest uint16) debtRepayment {
	remaining := cloneBigInt(amount)
	paid := big.NewInt(0)
	profit := big.NewInt(0)
	newQuota := cloneBigInt(quotaInterest)
	feePlusOne := big.NewInt(int64(PercentageFactor) + int64(feeInterest))

	// Quota interest layer.
	if newQuota.Sign() > 0 && remaining.Sign() > 0 {
		owed := new(big.Int).Add(newQuota, percentMul(newQuota, feeInterest))
		if remaining.Cmp(owed) >= 0 {
			profit.Add(profit, new(big.Int).Sub(owed, newQuota))
			remaining.Sub(remaining, owed)
			paid.Add(paid, owed)
			newQuota = big.NewInt(0)
		} else {
			base := new(big.Int).Mul(remaining, bpsFactor)
			base.Quo(base, feePlusOne)
			profit.Add(profit, new(big.Int).Sub(remaining, base))
			newQuota.Sub(newQuota, base)
			paid.Add(paid, remaining)
			remaining = big.NewInt(0)
		}
	}

	withInterest := calcDebtWithInterest(principal, indexAtOpen, indexNow)
	interest := new(big.Int).Sub(withInterest, principal)
	if interest.Sign() < 0 {
		interest = big.NewInt(0)
	}
	newPrincipal := cloneBigInt(principal)
	newIndex := cloneBigInt(indexAtOpen)

	if remaining.Sign() > 0 {
		owed := new(big.Int).Add(interest, percentMul(interest, feeInterest))
		if remaining.Cmp(owed) >= 0 {
			// Interest fully cleared: the opening index snaps to the current
			// index and anything left reduces principal.
			profit.Add(profit, new(big.Int).Sub(owed, interest))
			remaining.Sub(remaining, owed)
			paid.Add(paid, owed)
			newIndex = cloneBigInt(indexNow)
			if remaining.Sign() > 0 {
				repay := minBigInt(remaining, newPrincipal)
				newPrincipal = new(big.Int).Sub(newPrincipal, repay)
				paid.Add(paid, repay)
			}
		} else {
			// Partial interest payment: split pro rata, keep the unpaid
			// interest accruing by deriving the index that leaves exactly
			// interest - paidInterest outstanding.
			paidInterest := new(big.Int).Mul(remaining, bpsFactor)
			paidInterest.Quo(paidInterest, feePlusOne)
			profit.Add(profit, new(big.Int).Sub(remaining, paidInterest))
			outstanding := new(big.Int).Sub(interest, paidInterest)
			denominator := new(big.Int).Add(principal, outstanding)
			if denominator.Sign() > 0 {
				newIndex = new(big.Int).Mul(principal, indexNow)
				newIndex.Quo(newIndex, denominator)
			}
			paid.Add(paid, remaining)
			remaining = big.NewInt(0)
		}
	}

	return debtRepayment{
		NewPrincipal:     newPrincipal,
		NewIndex:         newIndex,
		NewQuotaInterest: newQuota,
		RepaidPrincipal:  new(big.Int).Sub(principal, newPrincipal),
		Profit:           profit,
		Paid:             paid,
	}
}
