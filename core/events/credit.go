package events

import "math/big"

const (
	// TypeCreditAccountOpened marks the creation of a credit account.
	TypeCreditAccountOpened = "credit.accountOpened"
	// TypeCreditAccountClosed marks a voluntary closure.
	TypeCreditAccountClosed = "credit.accountClosed"
	// TypeCreditAccountLiquidated marks a forced closure.
	TypeCreditAccountLiquidated = "credit.accountLiquidated"
	// TypeCreditBatchStarted and TypeCreditBatchFinished bracket a multicall.
	TypeCreditBatchStarted  = "credit.batchStarted"
	TypeCreditBatchFinished = "credit.batchFinished"
	// TypeCreditLossCapTripped signals the one-way cumulative loss trip.
	TypeCreditLossCapTripped = "credit.lossCapTripped"
)

// CreditAccountOpened captures a fresh account and its opening principal.
type CreditAccountOpened struct {
	Account   string
	Owner     string
	Principal *big.Int
}

// EventType satisfies the Event interface.
func (CreditAccountOpened) EventType() string { return TypeCreditAccountOpened }

// CreditAccountClosed captures a voluntary close and the asset recipient.
type CreditAccountClosed struct {
	Account string
	Owner   string
	To      string
}

// EventType satisfies the Event interface.
func (CreditAccountClosed) EventType() string { return TypeCreditAccountClosed }

// CreditAccountLiquidated captures a forced closure, its schedule and any
// loss the pool absorbed.
type CreditAccountLiquidated struct {
	Account    string
	Owner      string
	Liquidator string
	Action     string
	Loss       *big.Int
}

// EventType satisfies the Event interface.
func (CreditAccountLiquidated) EventType() string { return TypeCreditAccountLiquidated }

// CreditBatchStarted brackets the start of a multicall batch.
type CreditBatchStarted struct {
	Account string
	Caller  string
	Calls   int
}

// EventType satisfies the Event interface.
func (CreditBatchStarted) EventType() string { return TypeCreditBatchStarted }

// CreditBatchFinished brackets the end of a successful multicall batch.
type CreditBatchFinished struct {
	Account string
	Caller  string
}

// EventType satisfies the Event interface.
func (CreditBatchFinished) EventType() string { return TypeCreditBatchFinished }

// CreditLossCapTripped records the platform-wide new-borrowing halt after
// cumulative liquidation losses crossed the configured ceiling.
type CreditLossCapTripped struct {
	CumulativeLoss *big.Int
}

// EventType satisfies the Event interface.
func (CreditLossCapTripped) EventType() string { return TypeCreditLossCapTripped }
