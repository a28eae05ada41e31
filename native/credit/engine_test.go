package credit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var errMockTransfer = errors.New("mock: transfer rejected")

// mockVault is an in-memory token ledger with full-copy snapshots.
type mockVault struct {
	balances  map[common.Address]map[common.Address]*big.Int
	approvals map[common.Address]map[common.Address]*big.Int
	failToken common.Address
	snapshots []map[common.Address]map[common.Address]*big.Int
}

func newMockVault() *mockVault {
	return &mockVault{
		balances:  make(map[common.Address]map[common.Address]*big.Int),
		approvals: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (v *mockVault) mint(token, owner common.Address, amount int64) {
	if v.balances[token] == nil {
		v.balances[token] = make(map[common.Address]*big.Int)
	}
	bal := v.balances[token][owner]
	if bal == nil {
		bal = big.NewInt(0)
	}
	v.balances[token][owner] = new(big.Int).Add(bal, big.NewInt(amount))
}

func (v *mockVault) BalanceOf(token, owner common.Address) *big.Int {
	if bal := v.balances[token][owner]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (v *mockVault) Transfer(token, from, to common.Address, amount *big.Int) error {
	if token == v.failToken {
		return errMockTransfer
	}
	if amount == nil || amount.Sign() < 0 {
		return errMockTransfer
	}
	bal := v.BalanceOf(token, from)
	if bal.Cmp(amount) < 0 {
		return errMockTransfer
	}
	if v.balances[token] == nil {
		v.balances[token] = make(map[common.Address]*big.Int)
	}
	v.balances[token][from] = bal.Sub(bal, amount)
	toBal := v.BalanceOf(token, to)
	v.balances[token][to] = toBal.Add(toBal, amount)
	return nil
}

func (v *mockVault) SafeApprove(token, owner, spender common.Address, amount *big.Int) error {
	if v.approvals[token] == nil {
		v.approvals[token] = make(map[common.Address]*big.Int)
	}
	v.approvals[token][spender] = new(big.Int).Set(amount)
	return nil
}

func cloneBalances(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	out := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for token, owners := range src {
		out[token] = make(map[common.Address]*big.Int, len(owners))
		for owner, bal := range owners {
			out[token][owner] = new(big.Int).Set(bal)
		}
	}
	return out
}

func (v *mockVault) Snapshot() int {
	v.snapshots = append(v.snapshots, cloneBalances(v.balances))
	return len(v.snapshots) - 1
}

func (v *mockVault) RevertToSnapshot(id int) {
	if id < 0 || id >= len(v.snapshots) {
		return
	}
	v.balances = cloneBalances(v.snapshots[id])
	v.snapshots = v.snapshots[:id]
}

func (v *mockVault) DiscardSnapshot(id int) {
	if id < 0 || id >= len(v.snapshots) {
		return
	}
	v.snapshots = v.snapshots[:id]
}

// mockPool mints lent principal into the vault and tracks repayments.
type mockPool struct {
	underlying common.Address
	addr       common.Address
	vault      *mockVault
	index      *big.Int
	borrowed   *big.Int
	profit     *big.Int
	loss       *big.Int
	snapshots  []mockPoolState
}

type mockPoolState struct {
	index, borrowed, profit, loss *big.Int
}

func newMockPool(underlying, addr common.Address, vault *mockVault) *mockPool {
	return &mockPool{
		underlying: underlying,
		addr:       addr,
		vault:      vault,
		index:      new(big.Int).Set(ray),
		borrowed:   big.NewInt(0),
		profit:     big.NewInt(0),
		loss:       big.NewInt(0),
	}
}

func (p *mockPool) Underlying() common.Address { return p.underlying }
func (p *mockPool) Address() common.Address    { return p.addr }

func (p *mockPool) CumulativeIndex() *big.Int { return new(big.Int).Set(p.index) }

// setIndexRatio moves the borrow index to ray * num / den, simulating accrual.
func (p *mockPool) setIndexRatio(num, den int64) {
	p.index = new(big.Int).Mul(ray, big.NewInt(num))
	p.index.Quo(p.index, big.NewInt(den))
}

func (p *mockPool) Lend(amount *big.Int, to common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return errMockTransfer
	}
	if p.vault.balances[p.underlying] == nil {
		p.vault.balances[p.underlying] = make(map[common.Address]*big.Int)
	}
	bal := p.vault.BalanceOf(p.underlying, to)
	p.vault.balances[p.underlying][to] = bal.Add(bal, amount)
	p.borrowed = new(big.Int).Add(p.borrowed, amount)
	return nil
}

func (p *mockPool) Repay(repaidPrincipal, profit, loss *big.Int) error {
	if repaidPrincipal != nil {
		p.borrowed = new(big.Int).Sub(p.borrowed, repaidPrincipal)
	}
	if profit != nil {
		p.profit = new(big.Int).Add(p.profit, profit)
	}
	if loss != nil {
		p.loss = new(big.Int).Add(p.loss, loss)
	}
	return nil
}

func (p *mockPool) Snapshot() int {
	p.snapshots = append(p.snapshots, mockPoolState{
		index:    new(big.Int).Set(p.index),
		borrowed: new(big.Int).Set(p.borrowed),
		profit:   new(big.Int).Set(p.profit),
		loss:     new(big.Int).Set(p.loss),
	})
	return len(p.snapshots) - 1
}

func (p *mockPool) RevertToSnapshot(id int) {
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	s := p.snapshots[id]
	p.index = new(big.Int).Set(s.index)
	p.borrowed = new(big.Int).Set(s.borrowed)
	p.profit = new(big.Int).Set(s.profit)
	p.loss = new(big.Int).Set(s.loss)
	p.snapshots = p.snapshots[:id]
}

func (p *mockPool) DiscardSnapshot(id int) {
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	p.snapshots = p.snapshots[:id]
}

// countingOracle prices tokens by plain integer multipliers and counts value
// lookups so tests can observe the early exit.
type countingOracle struct {
	prices     map[common.Address]int64
	safePrices map[common.Address]int64
	valueCalls int
}

func newCountingOracle() *countingOracle {
	return &countingOracle{
		prices:     make(map[common.Address]int64),
		safePrices: make(map[common.Address]int64),
	}
}

func (o *countingOracle) ValueUSD(token common.Address, amount *big.Int, safe bool) (*big.Int, error) {
	o.valueCalls++
	price, ok := o.prices[token]
	if !ok {
		return nil, errors.New("mock: no price")
	}
	if safe {
		if sp, ok := o.safePrices[token]; ok && sp < price {
			price = sp
		}
	}
	return new(big.Int).Mul(amount, big.NewInt(price)), nil
}

func (o *countingOracle) Convert(amount *big.Int, from, to common.Address) (*big.Int, error) {
	fromPrice, ok := o.prices[from]
	if !ok {
		return nil, errors.New("mock: no price")
	}
	toPrice, ok := o.prices[to]
	if !ok || toPrice == 0 {
		return nil, errors.New("mock: no price")
	}
	out := new(big.Int).Mul(amount, big.NewInt(fromPrice))
	return out.Quo(out, big.NewInt(toPrice)), nil
}

func (o *countingOracle) ApplyUpdate(token common.Address, price *big.Int, _ int64, _ []byte) error {
	o.prices[token] = price.Int64()
	return nil
}

// mockQuotas is a minimal quota keeper: quotas apply instantly, pending
// interest is set directly by tests.
type mockQuotas struct {
	quotas    map[AccountID]map[common.Address]*big.Int
	pending   map[AccountID]*big.Int
	halted    []common.Address
	snapshots []map[AccountID]map[common.Address]*big.Int
}

func newMockQuotas() *mockQuotas {
	return &mockQuotas{
		quotas:  make(map[AccountID]map[common.Address]*big.Int),
		pending: make(map[AccountID]*big.Int),
	}
}

func (q *mockQuotas) UpdateQuota(account AccountID, change QuotaChange) (bool, bool, error) {
	if q.quotas[account] == nil {
		q.quotas[account] = make(map[common.Address]*big.Int)
	}
	old := q.Quota(account, change.Token)
	next := new(big.Int).Add(old, change.Change)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	if change.MinQuota != nil && next.Cmp(change.MinQuota) < 0 {
		return false, false, errors.New("mock: quota below min")
	}
	q.quotas[account][change.Token] = next
	return old.Sign() == 0 && next.Sign() > 0, old.Sign() > 0 && next.Sign() == 0, nil
}

func (q *mockQuotas) Quota(account AccountID, token common.Address) *big.Int {
	if bal := q.quotas[account][token]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (q *mockQuotas) AccrueInterest(account AccountID) (*big.Int, error) {
	if pending := q.pending[account]; pending != nil {
		delete(q.pending, account)
		return pending, nil
	}
	return big.NewInt(0), nil
}

func (q *mockQuotas) RemoveAccount(account AccountID) error {
	delete(q.quotas, account)
	delete(q.pending, account)
	return nil
}

func (q *mockQuotas) SetLimitsToZero(tokens []common.Address) {
	q.halted = append(q.halted, tokens...)
}

func (q *mockQuotas) Snapshot() int {
	snap := make(map[AccountID]map[common.Address]*big.Int, len(q.quotas))
	for account, tokens := range q.quotas {
		snap[account] = make(map[common.Address]*big.Int, len(tokens))
		for token, quota := range tokens {
			snap[account][token] = new(big.Int).Set(quota)
		}
	}
	q.snapshots = append(q.snapshots, snap)
	return len(q.snapshots) - 1
}

func (q *mockQuotas) RevertToSnapshot(id int) {
	if id < 0 || id >= len(q.snapshots) {
		return
	}
	q.quotas = q.snapshots[id]
	q.snapshots = q.snapshots[:id]
}

func (q *mockQuotas) DiscardSnapshot(id int) {
	if id < 0 || id >= len(q.snapshots) {
		return
	}
	q.snapshots = q.snapshots[:id]
}

// mockBots is a map-backed bot registry.
type mockBots struct {
	perms  map[AccountID]map[common.Address]Permission
	banned map[common.Address]bool
}

func newMockBots() *mockBots {
	return &mockBots{
		perms:  make(map[AccountID]map[common.Address]Permission),
		banned: make(map[common.Address]bool),
	}
}

func (b *mockBots) BotPermissions(account AccountID, bot common.Address) Permission {
	if b.banned[bot] {
		return 0
	}
	return b.perms[account][bot]
}

func (b *mockBots) SetBotPermissions(account AccountID, bot common.Address, perms Permission) error {
	if b.perms[account] == nil {
		b.perms[account] = make(map[common.Address]Permission)
	}
	b.perms[account][bot] = perms
	return nil
}

func (b *mockBots) ErasePermissions(account AccountID) error {
	delete(b.perms, account)
	return nil
}

func (b *mockBots) Forbidden(bot common.Address) bool { return b.banned[bot] }

// memAccountStore is a map-backed account store returning clones.
type memAccountStore struct {
	accounts map[AccountID]*CreditAccount
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[AccountID]*CreditAccount)}
}

func (s *memAccountStore) GetAccount(id AccountID) (*CreditAccount, error) {
	if acct, ok := s.accounts[id]; ok {
		return acct.Clone(), nil
	}
	return nil, nil
}

func (s *memAccountStore) PutAccount(account *CreditAccount) error {
	s.accounts[account.ID] = account.Clone()
	return nil
}

func (s *memAccountStore) DeleteAccount(id AccountID) error {
	delete(s.accounts, id)
	return nil
}

func (s *memAccountStore) ListAccounts() ([]*CreditAccount, error) {
	out := make([]*CreditAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.Clone())
	}
	return out, nil
}

// testEnv wires a full credit stack on mocks.
type testEnv struct {
	underlying common.Address
	tokenA     common.Address
	tokenB     common.Address
	owner      common.Address
	poolAddr   common.Address

	vault    *mockVault
	pool     *mockPool
	oracle   *countingOracle
	quotas   *mockQuotas
	bots     *mockBots
	store    *memAccountStore
	registry *TokenRegistry
	manager  *Manager
	facade   *Facade
}

func addr(suffix byte) common.Address {
	var a common.Address
	a[len(a)-1] = suffix
	return a
}

func defaultManagerParams() ManagerParams {
	return ManagerParams{
		Fees: FeeParams{
			FeeInterest:                0,
			FeeLiquidation:             0,
			LiquidationDiscount:        9500,
			FeeLiquidationExpired:      100,
			LiquidationDiscountExpired: 9800,
		},
		MaxEnabledTokens:  4,
		MaxCumulativeLoss: big.NewInt(1_000_000),
	}
}

func defaultFacadeParams() FacadeParams {
	return FacadeParams{
		Limits: DebtLimits{
			MinDebt: big.NewInt(100),
			MaxDebt: big.NewInt(100_000),
		},
		MaxDebtPerBlockMultiplier: 2,
	}
}

func newTestEnv(t *testing.T, managerParams ManagerParams, facadeParams FacadeParams) *testEnv {
	t.Helper()
	env := &testEnv{
		underlying: addr(0x01),
		tokenA:     addr(0x02),
		tokenB:     addr(0x03),
		owner:      addr(0x10),
		poolAddr:   addr(0x20),
	}
	env.vault = newMockVault()
	env.pool = newMockPool(env.underlying, env.poolAddr, env.vault)
	env.oracle = newCountingOracle()
	env.oracle.prices[env.underlying] = 1
	env.oracle.prices[env.tokenA] = 2
	env.oracle.prices[env.tokenB] = 1
	env.quotas = newMockQuotas()
	env.bots = newMockBots()
	env.store = newMemAccountStore()

	env.registry = NewTokenRegistry(env.underlying)
	if err := env.registry.SetLiquidationThreshold(env.underlying, 9000); err != nil {
		t.Fatalf("set underlying threshold: %v", err)
	}
	for _, token := range []common.Address{env.tokenA, env.tokenB} {
		if _, err := env.registry.AddToken(token); err != nil {
			t.Fatalf("add token: %v", err)
		}
		if err := env.registry.SetLiquidationThreshold(token, 8000); err != nil {
			t.Fatalf("set threshold: %v", err)
		}
	}

	env.manager = NewManager(env.registry, env.pool, env.oracle, env.quotas,
		env.vault, env.bots, env.store, managerParams)
	env.facade = NewFacade(env.manager, facadeParams)
	return env
}

// openTestAccount opens an account with the given principal and an extra
// underlying collateral top-up from the owner.
func (env *testEnv) openTestAccount(t *testing.T, principal, extraCollateral int64) AccountID {
	t.Helper()
	env.vault.mint(env.underlying, env.owner, extraCollateral)
	var calls []Call
	if extraCollateral > 0 {
		calls = append(calls, CallAddCollateral{Token: env.underlying, Amount: big.NewInt(extraCollateral)})
	}
	id, err := env.facade.OpenAccount(env.owner, env.owner, big.NewInt(principal), calls)
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return id
}
