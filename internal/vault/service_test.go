package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/flowvault/internal/ledger"
	"github.com/terminal-bench/flowvault/internal/vault"
	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// memStore is an in-memory Store. Update applies fn to a deep copy of the
// state and swaps it in only on success, mirroring the all-or-nothing
// commit of the Postgres store.
type memStore struct {
	mu            sync.Mutex
	state         *memState
	failTransfers bool
}

type memState struct {
	config    *vault.ProtocolConfig
	providers map[uuid.UUID]*vault.Provider
	vaults    map[uuid.UUID]*vault.Vault
	balances  map[uuid.UUID]int64
	primary   map[uuid.UUID]uuid.UUID
	custody   map[uuid.UUID]uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		providers: make(map[uuid.UUID]*vault.Provider),
		vaults:    make(map[uuid.UUID]*vault.Vault),
		balances:  make(map[uuid.UUID]int64),
		primary:   make(map[uuid.UUID]uuid.UUID),
		custody:   make(map[uuid.UUID]uuid.UUID),
	}}
}

func (s *memState) clone() *memState {
	next := &memState{
		providers: make(map[uuid.UUID]*vault.Provider, len(s.providers)),
		vaults:    make(map[uuid.UUID]*vault.Vault, len(s.vaults)),
		balances:  make(map[uuid.UUID]int64, len(s.balances)),
		primary:   make(map[uuid.UUID]uuid.UUID, len(s.primary)),
		custody:   make(map[uuid.UUID]uuid.UUID, len(s.custody)),
	}
	if s.config != nil {
		cfg := *s.config
		next.config = &cfg
	}
	for k, v := range s.providers {
		p := *v
		next.providers[k] = &p
	}
	for k, v := range s.vaults {
		vv := *v
		next.vaults[k] = &vv
	}
	for k, v := range s.balances {
		next.balances[k] = v
	}
	for k, v := range s.primary {
		next.primary[k] = v
	}
	for k, v := range s.custody {
		next.custody[k] = v
	}
	return next
}

func (m *memStore) Update(ctx context.Context, fn func(vault.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(&memTx{state: next, store: m}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *memStore) View(ctx context.Context, fn func(vault.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{state: m.state.clone(), store: m})
}

func (m *memStore) VaultsAbove(ctx context.Context, min int64, limit int) ([]vault.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []vault.Vault
	for _, v := range m.state.vaults {
		if v.Balance >= min && len(out) < limit {
			out = append(out, *v)
		}
	}
	return out, nil
}

// seedAccount creates a funded primary account for owner.
func (m *memStore) seedAccount(owner uuid.UUID, funds int64) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	m.state.primary[owner] = id
	m.state.balances[id] = funds
	return id
}

// newAccount creates a standalone account (provider destination, fee sink).
func (m *memStore) newAccount() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	m.state.balances[id] = 0
	return id
}

func (m *memStore) balanceOf(account uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balances[account]
}

type memTx struct {
	state *memState
	store *memStore
}

func (t *memTx) Config() (*vault.ProtocolConfig, error) {
	if t.state.config == nil {
		return nil, vault.ErrConfigNotFound
	}
	return t.state.config, nil
}

func (t *memTx) InsertConfig(cfg *vault.ProtocolConfig) error {
	if t.state.config != nil {
		return vault.ErrAlreadyInitialized
	}
	t.state.config = cfg
	return nil
}

func (t *memTx) UpdateConfig(cfg *vault.ProtocolConfig) error {
	t.state.config = cfg
	return nil
}

func (t *memTx) Provider(authority uuid.UUID) (*vault.Provider, error) {
	p, ok := t.state.providers[authority]
	if !ok {
		return nil, vault.ErrProviderNotFound
	}
	return p, nil
}

func (t *memTx) InsertProvider(p *vault.Provider) error {
	if _, ok := t.state.providers[p.Authority]; ok {
		return vault.ErrDuplicateProvider
	}
	t.state.providers[p.Authority] = p
	return nil
}

func (t *memTx) Vault(owner uuid.UUID) (*vault.Vault, error) {
	v, ok := t.state.vaults[owner]
	if !ok {
		return nil, vault.ErrVaultNotFound
	}
	return v, nil
}

func (t *memTx) InsertVault(v *vault.Vault) error {
	if _, ok := t.state.vaults[v.Owner]; ok {
		return vault.ErrDuplicateVault
	}
	t.state.vaults[v.Owner] = v
	return nil
}

func (t *memTx) UpdateVault(v *vault.Vault) error {
	if _, ok := t.state.vaults[v.Owner]; !ok {
		return vault.ErrVaultNotFound
	}
	t.state.vaults[v.Owner] = v
	return nil
}

func (t *memTx) OwnerAccount(owner uuid.UUID) (uuid.UUID, error) {
	id, ok := t.state.primary[owner]
	if !ok {
		return uuid.Nil, ledger.ErrAccountNotFound
	}
	return id, nil
}

func (t *memTx) CreateCustodyAccount(owner uuid.UUID) (uuid.UUID, error) {
	if _, ok := t.state.custody[owner]; ok {
		return uuid.Nil, vault.ErrDuplicateVault
	}
	id := uuid.New()
	t.state.custody[owner] = id
	t.state.balances[id] = 0
	return id, nil
}

func (t *memTx) Transfer(from, to uuid.UUID, amount int64, reference string) error {
	if t.store.failTransfers {
		return errors.New("transfer refused")
	}
	if amount <= 0 {
		return errors.New("transfer amount must be positive")
	}
	if _, ok := t.state.balances[from]; !ok {
		return ledger.ErrAccountNotFound
	}
	if _, ok := t.state.balances[to]; !ok {
		return ledger.ErrAccountNotFound
	}
	if t.state.balances[from] < amount {
		return ledger.ErrInsufficientFunds
	}
	t.state.balances[from] -= amount
	t.state.balances[to] += amount
	return nil
}

// events captures published events.
type events struct {
	mu       sync.Mutex
	subjects []string
}

func (e *events) Publish(ctx context.Context, subject string, data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subjects = append(e.subjects, subject)
	return nil
}

func (e *events) count(subject string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

// fixture wires a service over a memStore with a registered provider and a
// funded depositor.
type fixture struct {
	store     *memStore
	events    *events
	svc       *vault.Service
	authority uuid.UUID
	owner     uuid.UUID
	provider  uuid.UUID
	destAcct  uuid.UUID
	feeSink   uuid.UUID
	ownerAcct uuid.UUID
}

func newFixture(t *testing.T, policy vault.SettlePolicy) *fixture {
	t.Helper()

	store := newMemStore()
	evts := &events{}
	svc := vault.NewService(store, vault.ServiceConfig{Policy: policy, Events: evts})

	f := &fixture{
		store:     store,
		events:    evts,
		svc:       svc,
		authority: uuid.New(),
		owner:     uuid.New(),
		provider:  uuid.New(),
		feeSink:   store.newAccount(),
	}
	f.destAcct = store.newAccount()
	f.ownerAcct = store.seedAccount(f.owner, 1_000_000)
	return f
}

func (f *fixture) initConfig(t *testing.T, threshold int64, feeBps uint16) {
	t.Helper()
	_, err := f.svc.InitConfig(context.Background(), f.authority, threshold, feeBps, f.feeSink)
	require.NoError(t, err)
}

func (f *fixture) registerProvider(t *testing.T) {
	t.Helper()
	_, err := f.svc.RegisterProvider(context.Background(), f.provider, f.destAcct)
	require.NoError(t, err)
}

func (f *fixture) createVault(t *testing.T, deposit int64) *vault.Vault {
	t.Helper()
	v, err := f.svc.CreateVault(context.Background(), f.owner, f.provider, deposit)
	require.NoError(t, err)
	return v
}

func TestInitConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("should create the config singleton", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		cfg, err := f.svc.InitConfig(ctx, f.authority, 500, 250, f.feeSink)
		require.NoError(t, err)
		assert.Equal(t, f.authority, cfg.Authority)
		assert.Equal(t, int64(500), cfg.SettleThreshold)
		assert.Equal(t, uint16(250), cfg.FeeBps)
		assert.False(t, cfg.Paused)
	})

	t.Run("should fail on second init without overwriting", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 500, 250)

		_, err := f.svc.InitConfig(ctx, uuid.New(), 999, 100, f.feeSink)
		assert.ErrorIs(t, err, vault.ErrAlreadyInitialized)

		cfg, err := f.svc.Config(ctx)
		require.NoError(t, err)
		assert.Equal(t, f.authority, cfg.Authority)
		assert.Equal(t, uint16(250), cfg.FeeBps)
	})

	t.Run("should reject fee rate above 10000 bps", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		_, err := f.svc.InitConfig(ctx, f.authority, 0, 10001, f.feeSink)
		assert.ErrorIs(t, err, vault.ErrInvalidFeeRate)

		_, err = f.svc.Config(ctx)
		assert.ErrorIs(t, err, vault.ErrConfigNotFound)
	})

	t.Run("should accept the 10000 bps boundary", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		cfg, err := f.svc.InitConfig(ctx, f.authority, 0, 10000, f.feeSink)
		require.NoError(t, err)
		assert.Equal(t, uint16(10000), cfg.FeeBps)
	})
}

func TestRegisterProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist authority and destination", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		p, err := f.svc.RegisterProvider(ctx, f.provider, f.destAcct)
		require.NoError(t, err)
		assert.Equal(t, f.provider, p.Authority)
		assert.Equal(t, f.destAcct, p.Destination)
	})

	t.Run("should initialize reserved padding to zero", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		p, err := f.svc.RegisterProvider(ctx, f.provider, f.destAcct)
		require.NoError(t, err)
		require.Len(t, p.Reserved, vault.ReservedLen)
		for _, b := range p.Reserved {
			require.Zero(t, b)
		}
	})

	t.Run("should fail for a duplicate authority", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)

		_, err := f.svc.RegisterProvider(ctx, f.provider, f.store.newAccount())
		assert.ErrorIs(t, err, vault.ErrDuplicateProvider)

		p, err := f.svc.Provider(ctx, f.provider)
		require.NoError(t, err)
		assert.Equal(t, f.destAcct, p.Destination)
	})
}

func TestCreateVault(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a vault holding the deposit", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)

		v := f.createVault(t, 1000)
		assert.Equal(t, int64(1000), v.Balance)
		assert.Equal(t, uint64(0), v.Nonce)
		assert.Equal(t, int64(1000), f.store.balanceOf(v.Account))
		assert.Equal(t, int64(999_000), f.store.balanceOf(f.ownerAcct))
	})

	t.Run("should reject a zero deposit", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)

		_, err := f.svc.CreateVault(ctx, f.owner, f.provider, 0)
		assert.ErrorIs(t, err, vault.ErrZeroDeposit)
	})

	t.Run("should fail on a second vault for the same owner with no state change", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.CreateVault(ctx, f.owner, f.provider, 500)
		assert.ErrorIs(t, err, vault.ErrDuplicateVault)

		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), v.Balance)
		assert.Equal(t, int64(999_000), f.store.balanceOf(f.ownerAcct))
	})

	t.Run("should require a registered provider", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)

		_, err := f.svc.CreateVault(ctx, f.owner, f.provider, 1000)
		assert.ErrorIs(t, err, vault.ErrProviderNotFound)
	})

	t.Run("should not persist the vault when the transfer fails", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)
		f.store.failTransfers = true

		_, err := f.svc.CreateVault(ctx, f.owner, f.provider, 1000)
		require.Error(t, err)

		_, err = f.svc.Vault(ctx, f.owner)
		assert.ErrorIs(t, err, vault.ErrVaultNotFound)
		assert.Equal(t, int64(1_000_000), f.store.balanceOf(f.ownerAcct))
	})

	t.Run("should fail when the depositor cannot fund the deposit", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)

		_, err := f.svc.CreateVault(ctx, f.owner, f.provider, 2_000_000)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		_, err = f.svc.Vault(ctx, f.owner)
		assert.ErrorIs(t, err, vault.ErrVaultNotFound)
	})
}

func TestSettleBatch(t *testing.T) {
	ctx := context.Background()

	settled := func(t *testing.T) *fixture {
		t.Helper()
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 250)
		f.registerProvider(t)
		f.createVault(t, 1000)
		return f
	}

	t.Run("should settle with fee deducted and nonce advanced", func(t *testing.T) {
		f := settled(t)

		res, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Fee)
		assert.Equal(t, int64(390), res.Payout)
		assert.Equal(t, int64(600), res.Balance)
		assert.Equal(t, uint64(0), res.Nonce)

		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(600), v.Balance)
		assert.Equal(t, uint64(1), v.Nonce)

		assert.Equal(t, int64(390), f.store.balanceOf(f.destAcct))
		assert.Equal(t, int64(10), f.store.balanceOf(f.feeSink))
		assert.Equal(t, int64(600), f.store.balanceOf(v.Account))
	})

	t.Run("should reject a replayed nonce with no state change", func(t *testing.T) {
		f := settled(t)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		require.NoError(t, err)

		_, err = f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		assert.ErrorIs(t, err, vault.ErrInvalidNonce)

		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(600), v.Balance)
		assert.Equal(t, uint64(1), v.Nonce)
		assert.Equal(t, int64(390), f.store.balanceOf(f.destAcct))
	})

	t.Run("should reject a future nonce", func(t *testing.T) {
		f := settled(t)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 5)
		assert.ErrorIs(t, err, vault.ErrInvalidNonce)
	})

	t.Run("should advance the nonce by one per settlement in strict order", func(t *testing.T) {
		f := settled(t)

		for i := uint64(0); i < 4; i++ {
			_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 100, i)
			require.NoError(t, err)
		}

		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), v.Nonce)
		assert.Equal(t, int64(600), v.Balance)
	})

	t.Run("should reject amounts above the balance", func(t *testing.T) {
		f := settled(t)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 1001, 0)
		assert.ErrorIs(t, err, vault.ErrInsufficientBalance)

		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), v.Balance)
		assert.Equal(t, uint64(0), v.Nonce)
	})

	t.Run("should reject a zero amount", func(t *testing.T) {
		f := settled(t)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 0, 0)
		assert.ErrorIs(t, err, vault.ErrInsufficientBalance)
	})

	t.Run("should reject callers that are neither owner nor authority", func(t *testing.T) {
		f := settled(t)

		_, err := f.svc.SettleBatch(ctx, uuid.New(), f.owner, 400, 0)
		assert.ErrorIs(t, err, vault.ErrUnauthorized)
	})

	t.Run("should allow the config authority to settle", func(t *testing.T) {
		f := settled(t)

		res, err := f.svc.SettleBatch(ctx, f.authority, f.owner, 400, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(390), res.Payout)
	})

	t.Run("should refuse settlement while paused, before the nonce check", func(t *testing.T) {
		f := settled(t)
		_, err := f.svc.SetPaused(ctx, f.authority, true)
		require.NoError(t, err)

		// Even a wrong nonce reports the pause first.
		_, err = f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 99)
		assert.ErrorIs(t, err, vault.ErrVaultPaused)

		_, err = f.svc.SetPaused(ctx, f.authority, false)
		require.NoError(t, err)

		_, err = f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		assert.NoError(t, err)
	})

	t.Run("should send the whole amount to the fee sink at 10000 bps", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 10000)
		f.registerProvider(t)
		f.createVault(t, 100)

		res, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(100), res.Fee)
		assert.Equal(t, int64(0), res.Payout)
		assert.Equal(t, int64(0), f.store.balanceOf(f.destAcct))
		assert.Equal(t, int64(100), f.store.balanceOf(f.feeSink))
	})

	t.Run("should pay the full amount at zero bps", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 0)
		f.registerProvider(t)
		f.createVault(t, 1000)

		res, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 1000, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.Fee)
		assert.Equal(t, int64(1000), res.Payout)
		assert.Equal(t, int64(0), f.store.balanceOf(f.feeSink))
	})

	t.Run("should enforce the min-balance policy when enabled", func(t *testing.T) {
		f := newFixture(t, vault.PolicyMinBalance)
		f.initConfig(t, 2000, 0)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 500, 0)
		assert.ErrorIs(t, err, vault.ErrBelowThreshold)
	})

	t.Run("should ignore the threshold under the default policy", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 2000, 0)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 500, 0)
		assert.NoError(t, err)
	})

	t.Run("should leave everything unchanged when a transfer fails", func(t *testing.T) {
		f := settled(t)
		f.store.failTransfers = true

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		require.Error(t, err)

		f.store.failTransfers = false
		v, err := f.svc.Vault(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), v.Balance)
		assert.Equal(t, uint64(0), v.Nonce)
		assert.Equal(t, int64(0), f.store.balanceOf(f.destAcct))
	})
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the full balance to the owner", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)
		f.createVault(t, 1000)

		res, err := f.svc.Withdraw(ctx, f.owner, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), res.Amount)
		assert.Equal(t, int64(0), res.Balance)
		assert.Equal(t, int64(1_000_000), f.store.balanceOf(f.ownerAcct))
	})

	t.Run("should fail when the balance is zero", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.Withdraw(ctx, f.owner, f.owner)
		require.NoError(t, err)

		_, err = f.svc.Withdraw(ctx, f.owner, f.owner)
		assert.ErrorIs(t, err, vault.ErrNothingToWithdraw)
	})

	t.Run("should refuse non-owners, including the config authority", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 0)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.Withdraw(ctx, f.authority, f.owner)
		assert.ErrorIs(t, err, vault.ErrUnauthorized)
	})

	t.Run("should refuse withdrawal while paused and recover after unpause", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 0)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.SetPaused(ctx, f.authority, true)
		require.NoError(t, err)

		_, err = f.svc.Withdraw(ctx, f.owner, f.owner)
		assert.ErrorIs(t, err, vault.ErrVaultPaused)

		_, err = f.svc.SetPaused(ctx, f.authority, false)
		require.NoError(t, err)

		res, err := f.svc.Withdraw(ctx, f.owner, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), res.Amount)
	})

	t.Run("should work without an initialized config", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.registerProvider(t)
		f.createVault(t, 500)

		res, err := f.svc.Withdraw(ctx, f.owner, f.owner)
		require.NoError(t, err)
		assert.Equal(t, int64(500), res.Amount)
	})
}

func TestSetPaused(t *testing.T) {
	ctx := context.Background()

	t.Run("should refuse callers other than the authority", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 0)

		_, err := f.svc.SetPaused(ctx, uuid.New(), true)
		assert.ErrorIs(t, err, vault.ErrUnauthorized)
	})

	t.Run("should be an idempotent no-op for the same value", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 0)

		_, err := f.svc.SetPaused(ctx, f.authority, true)
		require.NoError(t, err)
		cfg, err := f.svc.SetPaused(ctx, f.authority, true)
		require.NoError(t, err)
		assert.True(t, cfg.Paused)

		// One transition, one event.
		assert.Equal(t, 1, f.events.count(messaging.SubjectPauseToggled))
	})
}

func TestEventEmission(t *testing.T) {
	ctx := context.Background()

	t.Run("should emit one event per successful transition", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 250)
		f.registerProvider(t)
		f.createVault(t, 1000)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
		require.NoError(t, err)
		_, err = f.svc.Withdraw(ctx, f.owner, f.owner)
		require.NoError(t, err)

		assert.Equal(t, 1, f.events.count(messaging.SubjectProviderRegistered))
		assert.Equal(t, 1, f.events.count(messaging.SubjectVaultCreated))
		assert.Equal(t, 1, f.events.count(messaging.SubjectBatchSettled))
		assert.Equal(t, 1, f.events.count(messaging.SubjectWithdrawn))
	})

	t.Run("should emit nothing for a failed operation", func(t *testing.T) {
		f := newFixture(t, vault.PolicyNone)
		f.initConfig(t, 0, 250)
		f.registerProvider(t)
		f.createVault(t, 1000)
		before := f.events.count(messaging.SubjectBatchSettled)

		_, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 7)
		require.Error(t, err)
		assert.Equal(t, before, f.events.count(messaging.SubjectBatchSettled))
	})
}

// TestSettlementLifecycle walks the full deposit, settle, replay, withdraw
// sequence end to end.
func TestSettlementLifecycle(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, vault.PolicyNone)
	f.initConfig(t, 0, 250)
	f.registerProvider(t)
	f.createVault(t, 1000)

	res, err := f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Fee)
	assert.Equal(t, int64(390), res.Payout)
	assert.Equal(t, int64(600), res.Balance)

	_, err = f.svc.SettleBatch(ctx, f.owner, f.owner, 400, 0)
	assert.ErrorIs(t, err, vault.ErrInvalidNonce)

	v, err := f.svc.Vault(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(600), v.Balance)
	assert.Equal(t, uint64(1), v.Nonce)

	w, err := f.svc.Withdraw(ctx, f.owner, f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(600), w.Amount)

	v, err = f.svc.Vault(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Balance)
	assert.Equal(t, int64(999_600), f.store.balanceOf(f.ownerAcct))
	assert.Equal(t, int64(390), f.store.balanceOf(f.destAcct))
	assert.Equal(t, int64(10), f.store.balanceOf(f.feeSink))
}
