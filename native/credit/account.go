package credit

import (
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AccountID is the opaque handle of a credit account. It doubles as the
// address that holds the account's token balances, mirroring how the original
// deployment gave every account its own vault address.
type AccountID common.Address

// Address returns the token-holding address behind the handle.
func (id AccountID) Address() common.Address { return common.Address(id) }

// Hex renders the handle for logs and API payloads.
func (id AccountID) Hex() string { return common.Address(id).Hex() }

// String implements fmt.Stringer.
func (id AccountID) String() string { return id.Hex() }

// AccountFlags is a small bitset of per-account markers.
type AccountFlags uint16

const (
	// FlagBotPermissionsSet records that at least one bot holds permissions
	// for the account, so close/liquidate knows to erase them.
	FlagBotPermissionsSet AccountFlags = 1 << iota
)

// CreditAccount is the persistent record of one collateralized debt position.
type CreditAccount struct {
	ID    AccountID
	Owner common.Address

	// DebtPrincipal is the borrowed principal excluding any accrued interest.
	DebtPrincipal *big.Int
	// CumulativeIndexAtOpen is the pool's ray borrow index captured whenever
	// principal last changed. Interest accrued since equals
	// principal * indexNow / indexAtOpen - principal.
	CumulativeIndexAtOpen *big.Int
	// CumulativeQuotaInterest holds quota interest realized onto the account
	// but not yet repaid. Outstanding (unrealized) quota interest lives in
	// the quota keeper until the next debt operation.
	CumulativeQuotaInterest *big.Int

	// EnabledTokensMask marks which registered tokens count toward the
	// account's collateral. Bit 0 (underlying) survives while debt is
	// outstanding.
	EnabledTokensMask TokenMask

	// LastDebtBlock is the block of the most recent borrow, used by the
	// same-block close guard.
	LastDebtBlock uint64

	Flags AccountFlags
}

// Clone returns a deep copy so working state can mutate freely before commit.
func (a *CreditAccount) Clone() *CreditAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.DebtPrincipal = cloneBigInt(a.DebtPrincipal)
	clone.CumulativeIndexAtOpen = cloneBigInt(a.CumulativeIndexAtOpen)
	clone.CumulativeQuotaInterest = cloneBigInt(a.CumulativeQuotaInterest)
	return &clone
}

func (a *CreditAccount) ensureDefaults() {
	if a.DebtPrincipal == nil {
		a.DebtPrincipal = big.NewInt(0)
	}
	if a.CumulativeIndexAtOpen == nil || a.CumulativeIndexAtOpen.Sign() == 0 {
		a.CumulativeIndexAtOpen = new(big.Int).Set(ray)
	}
	if a.CumulativeQuotaInterest == nil {
		a.CumulativeQuotaInterest = big.NewInt(0)
	}
}

// AccountStore abstracts the persistence backend for credit accounts. The
// storage/creditstate package provides the database-backed implementation;
// tests use in-memory maps.
type AccountStore interface {
	GetAccount(id AccountID) (*CreditAccount, error)
	PutAccount(account *CreditAccount) error
	DeleteAccount(id AccountID) error
	ListAccounts() ([]*CreditAccount, error)
}

// accountFactory hands out account handles. Handles freed by close or
// liquidation are queued for reuse before fresh ones are derived, matching the
// original platform's recycled proxy accounts.
type accountFactory struct {
	mu       sync.Mutex
	salt     []byte
	nonce    uint64
	reusable []AccountID
}

func newAccountFactory(salt string) *accountFactory {
	return &accountFactory{salt: []byte(salt)}
}

func (f *accountFactory) take() AccountID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.reusable); n > 0 {
		id := f.reusable[0]
		f.reusable = f.reusable[1:]
		return id
	}
	f.nonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], f.nonce)
	digest := ethcrypto.Keccak256(f.salt, nonce[:])
	var id AccountID
	copy(id[:], digest[12:])
	return id
}

func (f *accountFactory) release(id AccountID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reusable = append(f.reusable, id)
}

// lockTable serializes mutating operations per account while letting disjoint
// accounts proceed concurrently. The global reentrancy flag of the original
// single-threaded environment is replaced by this table plus the manager's
// dedicated mutex for genuinely global state.
type lockTable struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[AccountID]*accountLock)}
}

func (t *lockTable) lock(id AccountID) {
	t.mu.Lock()
	l := t.locks[id]
	if l == nil {
		l = &accountLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()
	l.mu.Lock()
}

func (t *lockTable) unlock(id AccountID) {
	t.mu.Lock()
	l := t.locks[id]
	if l != nil {
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
	}
	t.mu.Unlock()
	if l != nil {
		l.mu.Unlock()
	}
}
