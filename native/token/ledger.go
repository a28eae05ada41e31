package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransferFailed covers tokens that report failure instead of erroring.
	// The ledger surfaces the failure explicitly rather than trusting callers
	// to check a boolean.
	ErrTransferFailed      = errors.New("token: transfer failed")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrApproveNonZero      = errors.New("token: approve requires zero allowance first")
)

// Behavior flags emulate the non-standard token quirks the credit system must
// tolerate. Production deployments leave them unset.
type Behavior struct {
	// FailTransfers makes every transfer report failure without erroring at
	// the token layer, exercising the explicit result check.
	FailTransfers bool
	// RequireZeroAllowance rejects nonzero-to-nonzero allowance changes,
	// exercising the approve-to-zero-first fallback.
	RequireZeroAllowance bool
	// FeeOnTransferBps skims a fee from every transfer, exercising
	// expected-balance slippage checks.
	FeeOnTransferBps uint16
}

type balanceKey struct {
	token common.Address
	owner common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type journalEntry struct {
	balance   *balanceKey
	allowance *allowanceKey
	prev      *big.Int
	existed   bool
}

// Ledger is an in-memory multi-token balance book with journalled snapshots.
// It backs both tests and the single-process deployment mode; a chain-backed
// vault satisfies the same surface in production.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	behaviors  map[common.Address]Behavior
	journal    []journalEntry
	snapshots  []int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		behaviors:  make(map[common.Address]Behavior),
	}
}

// SetBehavior configures a token's quirks.
func (l *Ledger) SetBehavior(token common.Address, behavior Behavior) {
	l.mu.Lock()
	l.behaviors[token] = behavior
	l.mu.Unlock()
}

// Mint credits an owner out of thin air. Test and genesis setup only.
func (l *Ledger) Mint(token, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{token: token, owner: owner}
	l.journalBalance(key)
	current := l.balances[key]
	if current == nil {
		current = big.NewInt(0)
	}
	l.balances[key] = new(big.Int).Add(current, amount)
}

// BalanceOf returns the owner's balance of token.
func (l *Ledger) BalanceOf(token, owner common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[balanceKey{token: token, owner: owner}]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// Allowance returns the spender's allowance from owner for token.
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if allowance, ok := l.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(allowance)
	}
	return big.NewInt(0)
}

// Transfer moves tokens between owners. Tokens that signal failure without
// erroring are translated into ErrTransferFailed here, never ignored.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferFailed)
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	behavior := l.behaviors[token]
	if behavior.FailTransfers {
		return fmt.Errorf("%w: token %s returned false", ErrTransferFailed, token.Hex())
	}
	fromKey := balanceKey{token: token, owner: from}
	balance := l.balances[fromKey]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), balance, amount)
	}
	received := amount
	if behavior.FeeOnTransferBps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(int64(behavior.FeeOnTransferBps)))
		fee.Quo(fee, big.NewInt(10_000))
		received = new(big.Int).Sub(amount, fee)
	}
	toKey := balanceKey{token: token, owner: to}
	l.journalBalance(fromKey)
	l.journalBalance(toKey)
	l.balances[fromKey] = new(big.Int).Sub(balance, amount)
	toBalance := l.balances[toKey]
	if toBalance == nil {
		toBalance = big.NewInt(0)
	}
	l.balances[toKey] = new(big.Int).Add(toBalance, received)
	return nil
}

// SafeApprove sets an allowance, retrying through zero for tokens that reject
// nonzero-to-nonzero changes.
func (l *Ledger) SafeApprove(token, owner, spender common.Address, amount *big.Int) error {
	if err := l.approve(token, owner, spender, amount); err != nil {
		if !errors.Is(err, ErrApproveNonZero) {
			return err
		}
		if err := l.approve(token, owner, spender, big.NewInt(0)); err != nil {
			return err
		}
		return l.approve(token, owner, spender, amount)
	}
	return nil
}

func (l *Ledger) approve(token, owner, spender common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := allowanceKey{token: token, owner: owner, spender: spender}
	behavior := l.behaviors[token]
	current := l.allowances[key]
	if behavior.RequireZeroAllowance && current != nil && current.Sign() != 0 &&
		amount != nil && amount.Sign() != 0 {
		return ErrApproveNonZero
	}
	l.journalAllowance(key)
	l.allowances[key] = new(big.Int).Set(amount)
	return nil
}

// Snapshot marks the current journal position for later rollback.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, len(l.journal))
	return len(l.snapshots) - 1
}

// RevertToSnapshot unwinds every mutation journalled since the snapshot.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	mark := l.snapshots[id]
	for i := len(l.journal) - 1; i >= mark; i-- {
		entry := l.journal[i]
		switch {
		case entry.balance != nil:
			if entry.existed {
				l.balances[*entry.balance] = entry.prev
			} else {
				delete(l.balances, *entry.balance)
			}
		case entry.allowance != nil:
			if entry.existed {
				l.allowances[*entry.allowance] = entry.prev
			} else {
				delete(l.allowances, *entry.allowance)
			}
		}
	}
	l.journal = l.journal[:mark]
	l.snapshots = l.snapshots[:id]
}

// DiscardSnapshot drops the snapshot mark at id and everything above it
// without unwinding the journal. Once the outermost mark is gone nothing can
// revert past the journal anymore, so its entries are released too.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.snapshots = l.snapshots[:id]
	if len(l.snapshots) == 0 {
		l.journal = l.journal[:0]
	}
}

// journalBalance records the pre-image of a balance slot. Callers hold l.mu.
func (l *Ledger) journalBalance(key balanceKey) {
	prev, existed := l.balances[key]
	var stored *big.Int
	if existed {
		stored = new(big.Int).Set(prev)
	}
	l.journal = append(l.journal, journalEntry{balance: &key, prev: stored, existed: existed})
}

func (l *Ledger) journalAllowance(key allowanceKey) {
	prev, existed := l.allowances[key]
	var stored *big.Int
	if existed {
		stored = new(big.Int).Set(prev)
	}
	l.journal = append(l.journal, journalEntry{allowance: &key, prev: stored, existed: existed})
}
