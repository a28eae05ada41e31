package creditstate

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"margincore/native/credit"
	"margincore/storage"
)

var accountPrefix = []byte("credit/account/")

// storedAccount mirrors credit.CreditAccount in an RLP-friendly shape. Nil
// big integers are stored as zero; the mask travels as its 32-byte word.
type storedAccount struct {
	ID                      common.Address
	Owner                   common.Address
	DebtPrincipal           *big.Int
	CumulativeIndexAtOpen   *big.Int
	CumulativeQuotaInterest *big.Int
	EnabledTokensMask       []byte
	LastDebtBlock           uint64
	Flags                   uint64
}

// Store persists credit accounts through a storage.Database. It satisfies
// credit.AccountStore.
type Store struct {
	db storage.Database
}

// NewStore wires an account store over a database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func accountKey(id credit.AccountID) []byte {
	return append(append([]byte(nil), accountPrefix...), id.Address().Bytes()...)
}

// GetAccount loads an account or returns nil when absent.
func (s *Store) GetAccount(id credit.AccountID) (*credit.CreditAccount, error) {
	raw, err := s.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(raw)
}

// PutAccount persists an account record.
func (s *Store) PutAccount(account *credit.CreditAccount) error {
	if account == nil {
		return fmt.Errorf("creditstate: nil account")
	}
	stored := storedAccount{
		ID:                      account.ID.Address(),
		Owner:                   account.Owner,
		DebtPrincipal:           orZero(account.DebtPrincipal),
		CumulativeIndexAtOpen:   orZero(account.CumulativeIndexAtOpen),
		CumulativeQuotaInterest: orZero(account.CumulativeQuotaInterest),
		EnabledTokensMask:       account.EnabledTokensMask.Uint256().Bytes(),
		LastDebtBlock:           account.LastDebtBlock,
		Flags:                   uint64(account.Flags),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("creditstate: encoding account %s: %w", account.ID, err)
	}
	return s.db.Put(accountKey(account.ID), raw)
}

// DeleteAccount removes a retired account.
func (s *Store) DeleteAccount(id credit.AccountID) error {
	return s.db.Delete(accountKey(id))
}

// ListAccounts returns every live account.
func (s *Store) ListAccounts() ([]*credit.CreditAccount, error) {
	var out []*credit.CreditAccount
	var decodeErr error
	err := s.db.IteratePrefix(accountPrefix, func(_, value []byte) bool {
		account, err := decodeAccount(value)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, account)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func decodeAccount(raw []byte) (*credit.CreditAccount, error) {
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("creditstate: decoding account: %w", err)
	}
	mask := new(uint256.Int).SetBytes(stored.EnabledTokensMask)
	return &credit.CreditAccount{
		ID:                      credit.AccountID(stored.ID),
		Owner:                   stored.Owner,
		DebtPrincipal:           stored.DebtPrincipal,
		CumulativeIndexAtOpen:   stored.CumulativeIndexAtOpen,
		CumulativeQuotaInterest: stored.CumulativeQuotaInterest,
		EnabledTokensMask:       credit.MaskFromUint256(mask),
		LastDebtBlock:           stored.LastDebtBlock,
		Flags:                   credit.AccountFlags(stored.Flags),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
