package vault

import (
	"context"

	"github.com/google/uuid"
)

// Tx is a single atomic unit of work against the record store and the
// settlement ledger. Every read of a record that will be mutated is a
// locked read; either every mutation in the unit commits or none do.
type Tx interface {
	Config() (*ProtocolConfig, error)
	InsertConfig(cfg *ProtocolConfig) error
	UpdateConfig(cfg *ProtocolConfig) error

	Provider(authority uuid.UUID) (*Provider, error)
	InsertProvider(p *Provider) error

	Vault(owner uuid.UUID) (*Vault, error)
	InsertVault(v *Vault) error
	UpdateVault(v *Vault) error

	// OwnerAccount resolves the depositor's primary ledger account.
	OwnerAccount(owner uuid.UUID) (uuid.UUID, error)

	// CreateCustodyAccount allocates the ledger account that holds a
	// vault's deposited funds.
	CreateCustodyAccount(owner uuid.UUID) (uuid.UUID, error)

	// Transfer moves amount between two ledger accounts inside this unit
	// of work, so a failed transfer aborts the record mutations with it.
	Transfer(from, to uuid.UUID, amount int64, reference string) error
}

// Store provides transactional access to the vault records.
type Store interface {
	// Update runs fn inside a read-write transaction. If fn returns an
	// error the transaction is rolled back and the error returned verbatim.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// VaultsAbove lists vaults whose balance is at least min, for the
	// auto-settlement sweep.
	VaultsAbove(ctx context.Context, min int64, limit int) ([]Vault, error)
}
