package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// SettlePolicy controls how the configured settle_threshold is applied.
type SettlePolicy string

const (
	// PolicyNone ignores the threshold entirely.
	PolicyNone SettlePolicy = "none"
	// PolicyMinBalance requires the vault balance to be at least the
	// configured threshold before a batch is eligible.
	PolicyMinBalance SettlePolicy = "min-balance"
)

// EventPublisher publishes typed events after a successful state
// transition. Publish failures are best-effort and never roll back state.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Recorder receives measurement points for successful operations.
type Recorder interface {
	Settlement(s *Settlement, took time.Duration)
	Withdrawal(w *Withdrawal, took time.Duration)
}

// ServiceConfig holds the service collaborators and policy knobs. Events
// and Metrics may be nil.
type ServiceConfig struct {
	Policy  SettlePolicy
	Events  EventPublisher
	Metrics Recorder
}

// Service implements the settlement and authorization core: vault
// creation, batch settlement, withdrawal, provider registration, and the
// protocol config lifecycle. Every operation is a single atomic unit of
// work; a failed precondition or transfer leaves all records unchanged.
type Service struct {
	store   Store
	policy  SettlePolicy
	events  EventPublisher
	metrics Recorder
}

// NewService creates a new vault service.
func NewService(store Store, cfg ServiceConfig) *Service {
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyNone
	}
	return &Service{
		store:   store,
		policy:  policy,
		events:  cfg.Events,
		metrics: cfg.Metrics,
	}
}

// InitConfig creates the protocol config singleton. It fails with
// ErrAlreadyInitialized if a config exists, never overwriting it.
func (s *Service) InitConfig(ctx context.Context, caller uuid.UUID, settleThreshold int64, feeBps uint16, feeSink uuid.UUID) (*ProtocolConfig, error) {
	if feeBps > MaxFeeBps {
		return nil, ErrInvalidFeeRate
	}
	if settleThreshold < 0 {
		return nil, fmt.Errorf("negative settle threshold")
	}

	now := time.Now()
	cfg := &ProtocolConfig{
		Authority:       caller,
		SettleThreshold: settleThreshold,
		FeeBps:          feeBps,
		FeeSink:         feeSink,
		Paused:          false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.Update(ctx, func(tx Tx) error {
		return tx.InsertConfig(cfg)
	})
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// RegisterProvider records the caller as a provider paying out to the
// given destination account. One provider per authority.
func (s *Service) RegisterProvider(ctx context.Context, caller uuid.UUID, destination uuid.UUID) (*Provider, error) {
	p := &Provider{
		Authority:   caller,
		Destination: destination,
		Reserved:    make([]byte, ReservedLen),
		CreatedAt:   time.Now(),
	}

	err := s.store.Update(ctx, func(tx Tx) error {
		return tx.InsertProvider(p)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, messaging.SubjectProviderRegistered, messaging.ProviderRegisteredEvent{
		Authority:   p.Authority,
		Destination: p.Destination,
	})

	return p, nil
}

// CreateVault allocates a vault for the caller, bound to the given
// provider, and moves the initial deposit from the caller's ledger account
// into the vault's custody account. The allocation and the transfer commit
// together or not at all.
func (s *Service) CreateVault(ctx context.Context, caller uuid.UUID, provider uuid.UUID, deposit int64) (*Vault, error) {
	if deposit <= 0 {
		return nil, ErrZeroDeposit
	}

	var v *Vault
	err := s.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.Provider(provider); err != nil {
			return err
		}

		funding, err := tx.OwnerAccount(caller)
		if err != nil {
			return err
		}

		custody, err := tx.CreateCustodyAccount(caller)
		if err != nil {
			return err
		}

		now := time.Now()
		v = &Vault{
			Owner:     caller,
			Provider:  provider,
			Account:   custody,
			Balance:   deposit,
			Nonce:     0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertVault(v); err != nil {
			return err
		}

		return tx.Transfer(funding, custody, deposit, fmt.Sprintf("deposit:%s", caller))
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, messaging.SubjectVaultCreated, messaging.VaultCreatedEvent{
		Owner:    v.Owner,
		Provider: v.Provider,
		Deposit:  v.Balance,
	})

	return v, nil
}

// SettleBatch settles amount from the vault to its registered provider,
// deducting the protocol fee. The supplied nonce must equal the vault's
// current nonce; on success the nonce advances by one, so a replayed or
// out-of-order submission always fails. Caller must be the vault owner or
// the config authority.
func (s *Service) SettleBatch(ctx context.Context, caller uuid.UUID, owner uuid.UUID, amount int64, nonce uint64) (*Settlement, error) {
	start := time.Now()

	var res *Settlement
	err := s.store.Update(ctx, func(tx Tx) error {
		cfg, err := tx.Config()
		if err != nil {
			return err
		}

		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}

		if caller != v.Owner && caller != cfg.Authority {
			return ErrUnauthorized
		}
		if cfg.Paused {
			return ErrVaultPaused
		}
		if nonce != v.Nonce {
			return ErrInvalidNonce
		}
		if amount <= 0 || amount > v.Balance {
			return ErrInsufficientBalance
		}
		if s.policy == PolicyMinBalance && v.Balance < cfg.SettleThreshold {
			return ErrBelowThreshold
		}

		p, err := tx.Provider(v.Provider)
		if err != nil {
			return err
		}

		fee := FeeFor(amount, cfg.FeeBps)
		payout := amount - fee

		ref := fmt.Sprintf("settle:%s:%d", owner, nonce)
		if payout > 0 {
			if err := tx.Transfer(v.Account, p.Destination, payout, ref); err != nil {
				return err
			}
		}
		if fee > 0 {
			if err := tx.Transfer(v.Account, cfg.FeeSink, fee, ref); err != nil {
				return err
			}
		}

		v.Balance -= amount
		v.Nonce++
		v.UpdatedAt = time.Now()
		if err := tx.UpdateVault(v); err != nil {
			return err
		}

		res = &Settlement{
			Owner:    v.Owner,
			Provider: p.Authority,
			Amount:   amount,
			Fee:      fee,
			Payout:   payout,
			Nonce:    nonce,
			Balance:  v.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, messaging.SubjectBatchSettled, messaging.BatchSettledEvent{
		Owner:    res.Owner,
		Provider: res.Provider,
		Amount:   res.Amount,
		Fee:      res.Fee,
		Payout:   res.Payout,
		Nonce:    res.Nonce,
		Balance:  res.Balance,
	})
	if s.metrics != nil {
		s.metrics.Settlement(res, time.Since(start))
	}

	return res, nil
}

// Withdraw returns the vault's full balance to its owner. Only the owner
// may withdraw.
func (s *Service) Withdraw(ctx context.Context, caller uuid.UUID, owner uuid.UUID) (*Withdrawal, error) {
	start := time.Now()

	var res *Withdrawal
	err := s.store.Update(ctx, func(tx Tx) error {
		// A deployment without a config can never have been paused.
		paused := false
		cfg, err := tx.Config()
		if err != nil && !errors.Is(err, ErrConfigNotFound) {
			return err
		}
		if cfg != nil {
			paused = cfg.Paused
		}

		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}

		if caller != v.Owner {
			return ErrUnauthorized
		}
		if paused {
			return ErrVaultPaused
		}
		if v.Balance <= 0 {
			return ErrNothingToWithdraw
		}

		to, err := tx.OwnerAccount(owner)
		if err != nil {
			return err
		}

		amount := v.Balance
		if err := tx.Transfer(v.Account, to, amount, fmt.Sprintf("withdraw:%s", owner)); err != nil {
			return err
		}

		v.Balance = 0
		v.UpdatedAt = time.Now()
		if err := tx.UpdateVault(v); err != nil {
			return err
		}

		res = &Withdrawal{Owner: v.Owner, Amount: amount, Balance: 0}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, messaging.SubjectWithdrawn, messaging.WithdrawnEvent{
		Owner:  res.Owner,
		Amount: res.Amount,
	})
	if s.metrics != nil {
		s.metrics.Withdrawal(res, time.Since(start))
	}

	return res, nil
}

// SetPaused toggles the global pause switch. Only the config authority may
// toggle it; setting the current value again is a no-op success.
func (s *Service) SetPaused(ctx context.Context, caller uuid.UUID, paused bool) (*ProtocolConfig, error) {
	var cfg *ProtocolConfig
	var changed bool

	err := s.store.Update(ctx, func(tx Tx) error {
		var err error
		cfg, err = tx.Config()
		if err != nil {
			return err
		}

		if caller != cfg.Authority {
			return ErrUnauthorized
		}
		if cfg.Paused == paused {
			return nil
		}

		cfg.Paused = paused
		cfg.UpdatedAt = time.Now()
		changed = true
		return tx.UpdateConfig(cfg)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(ctx, messaging.SubjectPauseToggled, messaging.PauseToggledEvent{
			Paused: paused,
		})
	}

	return cfg, nil
}

// Config returns the protocol config.
func (s *Service) Config(ctx context.Context) (*ProtocolConfig, error) {
	var cfg *ProtocolConfig
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		cfg, err = tx.Config()
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Vault returns the vault for the given owner.
func (s *Service) Vault(ctx context.Context, owner uuid.UUID) (*Vault, error) {
	var v *Vault
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		v, err = tx.Vault(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Provider returns the provider registered for the given authority.
func (s *Service) Provider(ctx context.Context, authority uuid.UUID) (*Provider, error) {
	var p *Provider
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		p, err = tx.Provider(authority)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SettleCandidates lists vaults eligible for the auto-settlement sweep
// under the min-balance policy.
func (s *Service) SettleCandidates(ctx context.Context, limit int) ([]Vault, error) {
	if s.policy != PolicyMinBalance {
		return nil, nil
	}

	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	min := cfg.SettleThreshold
	if min < 1 {
		min = 1
	}
	return s.store.VaultsAbove(ctx, min, limit)
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if s.events == nil {
		return
	}

	evt, err := messaging.NewEvent(subject, data)
	if err != nil {
		return
	}

	// Best effort: state is already committed.
	s.events.Publish(ctx, subject, evt)
}
