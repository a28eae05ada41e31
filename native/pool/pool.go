package pool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errInvalidAmount         = errors.New("pool: amount must be positive")
	errInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	errNilVault              = errors.New("pool: vault not configured")
)

// Vault is the slice of the token primitive the pool needs: moving its
// underlying between its own address and borrowers or suppliers.
type Vault interface {
	BalanceOf(token, owner common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

type poolState struct {
	totalSupplied    *big.Int
	totalBorrowed    *big.Int
	reserves         *big.Int
	cumulativeIndex  *big.Int
	lastAccrualBlock uint64
}

func (s poolState) clone() poolState {
	return poolState{
		totalSupplied:    new(big.Int).Set(s.totalSupplied),
		totalBorrowed:    new(big.Int).Set(s.totalBorrowed),
		reserves:         new(big.Int).Set(s.reserves),
		cumulativeIndex:  new(big.Int).Set(s.cumulativeIndex),
		lastAccrualBlock: s.lastAccrualBlock,
	}
}

// Pool is the lending market the credit manager borrows from. It tracks
// aggregate liquidity and drives the monotone ray borrow index credit
// accounts accrue against. Token balances live in the vault under the pool's
// own address.
type Pool struct {
	mu          sync.Mutex
	underlying  common.Address
	address     common.Address
	vault       Vault
	model       *InterestModel
	state       poolState
	snapshots   []poolState
	blockHeight uint64
}

// New creates a pool for the given underlying, holding liquidity at addr.
func New(underlying, addr common.Address, vault Vault, model *InterestModel) *Pool {
	return &Pool{
		underlying: underlying,
		address:    addr,
		vault:      vault,
		model:      model.Clone(),
		state: poolState{
			totalSupplied:   big.NewInt(0),
			totalBorrowed:   big.NewInt(0),
			reserves:        big.NewInt(0),
			cumulativeIndex: new(big.Int).Set(ray),
		},
	}
}

// Underlying returns the pool's asset.
func (p *Pool) Underlying() common.Address { return p.underlying }

// Address returns the vault address holding pool liquidity.
func (p *Pool) Address() common.Address { return p.address }

// SetBlockHeight advances the pool clock and accrues interest over the
// elapsed blocks at the pre-move utilisation.
func (p *Pool) SetBlockHeight(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockHeight = height
	p.accrue()
}

// accrue folds the elapsed-block interest into the cumulative index. Callers
// hold p.mu.
func (p *Pool) accrue() {
	if p.blockHeight <= p.state.lastAccrualBlock {
		p.state.lastAccrualBlock = p.blockHeight
		return
	}
	delta := p.blockHeight - p.state.lastAccrualBlock
	p.state.lastAccrualBlock = p.blockHeight
	if p.state.totalBorrowed.Sign() == 0 {
		return
	}
	rate := p.model.BorrowAPR(p.state.totalBorrowed, p.state.totalSupplied)
	p.state.cumulativeIndex = rayMul(p.state.cumulativeIndex, rateFactor(rate, delta))
}

// CumulativeIndex returns the current ray borrow index.
func (p *Pool) CumulativeIndex() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.state.cumulativeIndex)
}

// Supply moves liquidity from a supplier into the pool.
func (p *Pool) Supply(supplier common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vault == nil {
		return errNilVault
	}
	if err := p.vault.Transfer(p.underlying, supplier, p.address, amount); err != nil {
		return err
	}
	p.state.totalSupplied = new(big.Int).Add(p.state.totalSupplied, amount)
	return nil
}

// Withdraw releases unborrowed liquidity back to a supplier.
func (p *Pool) Withdraw(supplier common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availableLiquidity().Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	if err := p.vault.Transfer(p.underlying, p.address, supplier, amount); err != nil {
		return err
	}
	p.state.totalSupplied = new(big.Int).Sub(p.state.totalSupplied, amount)
	return nil
}

func (p *Pool) availableLiquidity() *big.Int {
	return new(big.Int).Sub(p.state.totalSupplied, p.state.totalBorrowed)
}

// Lend moves borrowed principal to a credit account.
func (p *Pool) Lend(amount *big.Int, to common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vault == nil {
		return errNilVault
	}
	if p.availableLiquidity().Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	if err := p.vault.Transfer(p.underlying, p.address, to, amount); err != nil {
		return err
	}
	p.state.totalBorrowed = new(big.Int).Add(p.state.totalBorrowed, amount)
	return nil
}

// Repay books a repayment whose funds were already transferred to the pool's
// address: principal shrinks the outstanding borrow, profit lands in the
// reserves and loss is written off against supplied liquidity.
func (p *Pool) Repay(repaidPrincipal, profit, loss *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if repaidPrincipal != nil && repaidPrincipal.Sign() > 0 {
		p.state.totalBorrowed = new(big.Int).Sub(p.state.totalBorrowed, repaidPrincipal)
		if p.state.totalBorrowed.Sign() < 0 {
			p.state.totalBorrowed = big.NewInt(0)
		}
	}
	if profit != nil && profit.Sign() > 0 {
		p.state.reserves = new(big.Int).Add(p.state.reserves, profit)
	}
	if loss != nil && loss.Sign() > 0 {
		p.state.totalSupplied = new(big.Int).Sub(p.state.totalSupplied, loss)
		if p.state.totalSupplied.Sign() < 0 {
			p.state.totalSupplied = big.NewInt(0)
		}
	}
	return nil
}

// Snapshot records the pool counters for batch rollback. Token balances are
// the vault's concern.
func (p *Pool) Snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, p.state.clone())
	return len(p.snapshots) - 1
}

// RevertToSnapshot restores the counters recorded at the snapshot id and
// drops every later snapshot.
func (p *Pool) RevertToSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	p.state = p.snapshots[id].clone()
	p.snapshots = p.snapshots[:id]
}

// DiscardSnapshot drops the snapshot at id and everything above it, keeping
// the live counters. Called once the owning batch commits so the stack never
// grows across batches.
func (p *Pool) DiscardSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	p.snapshots = p.snapshots[:id]
}

// Totals reports supplied, borrowed and reserve amounts for read surfaces.
func (p *Pool) Totals() (supplied, borrowed, reserves *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.state.totalSupplied),
		new(big.Int).Set(p.state.totalBorrowed),
		new(big.Int).Set(p.state.reserves)
}
