package credit

import (
	"errors"
	"fmt"
)

// Every failure mode callers are expected to branch on gets its own sentinel.
// Liquidation bots and owner tooling decide between retrying with different
// parameters and abandoning a batch purely from the error kind, so generic
// failures are never returned from the engines.
var (
	// Permission errors.
	ErrNoPermission          = errors.New("credit: caller lacks permission for operation")
	ErrCallerNotConfigurator = errors.New("credit: caller is not the configurator")
	ErrCallerNotFacade       = errors.New("credit: caller is not the credit facade")
	ErrCallerNotAdapter      = errors.New("credit: caller is not a registered adapter")

	// Limit errors.
	ErrBorrowAmountOutOfLimits = errors.New("credit: borrow amount outside configured limits")
	ErrBorrowedBlockLimit      = errors.New("credit: per-block borrow limit exceeded")
	ErrTooManyEnabledTokens    = errors.New("credit: too many enabled collateral tokens")
	ErrTooManyTokens           = errors.New("credit: collateral token capacity exhausted")

	// Solvency errors.
	ErrNotEnoughCollateral            = errors.New("credit: not enough collateral to cover debt")
	ErrAccountNotLiquidatable         = errors.New("credit: account is not liquidatable")
	ErrForbiddenTokens                = errors.New("credit: forbidden tokens enabled on account")
	ErrForbiddenTokenBalanceIncreased = errors.New("credit: forbidden token balance increased during batch")
	ErrForbiddenTokenEnabled          = errors.New("credit: forbidden token enabled during batch")

	// Protocol/state errors.
	ErrTokenNotAllowed            = errors.New("credit: token not recognised as collateral")
	ErrTokenAlreadyAdded          = errors.New("credit: token already registered")
	ErrUnknownMethod              = errors.New("credit: unknown multicall method")
	ErrExpectedBalancesAlreadySet = errors.New("credit: expected balances already stored in batch")
	ErrExpectedBalancesNotSet     = errors.New("credit: expected balances were never stored")
	ErrBalanceLessThanExpected    = errors.New("credit: balance below stored expectation")
	ErrInvalidCollateralHint      = errors.New("credit: collateral hint is not a single token mask")
	ErrInvalidMinHealthFactor     = errors.New("credit: minimum health factor below 100%")
	ErrNotSingleToken             = errors.New("credit: mask does not select exactly one token")

	// Configuration errors.
	ErrInvalidLiquidationThreshold = errors.New("credit: liquidation threshold above 100%")
	ErrUnderlyingNotQuotable       = errors.New("credit: underlying token cannot be quota-managed")
	ErrUnknownAdapter              = errors.New("credit: target is not a registered adapter")
	ErrForbiddenBot                = errors.New("credit: bot is forbidden platform-wide")

	// Lifecycle errors.
	ErrAccountDoesNotExist        = errors.New("credit: account does not exist")
	ErrNotAllowedAfterExpiration  = errors.New("credit: operation not allowed after expiration")
	ErrForbiddenInWhitelistedMode = errors.New("credit: operation requires a whitelist slot token")
	ErrSameBlockClose             = errors.New("credit: account cannot close in the block it borrowed")
	ErrAccountOwnerMismatch       = errors.New("credit: caller does not own the account")
	ErrReentrantCall              = errors.New("credit: facade entered again while an external call is running")
)

// noPermission annotates ErrNoPermission with the missing bit so callers can
// see which capability the batch was lacking.
func noPermission(p Permission) error {
	return fmt.Errorf("%w: %s", ErrNoPermission, p)
}

// tokenNotAllowed annotates ErrTokenNotAllowed with the offending token.
func tokenNotAllowed(token fmt.Stringer) error {
	return fmt.Errorf("%w: %s", ErrTokenNotAllowed, token)
}
