package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/flowvault/internal/ledger"
)

// PostgresStore persists vault records in Postgres and delegates fund
// movement to the ledger, sharing one database transaction so record
// mutations and transfers commit or roll back together.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.Ledger
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB, l *ledger.Ledger) *PostgresStore {
	return &PostgresStore{db: db, ledger: l}
}

// EnsureSchema creates the vault tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS protocol_config (
			id               SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			authority        UUID NOT NULL,
			settle_threshold BIGINT NOT NULL,
			fee_bps          INT NOT NULL CHECK (fee_bps BETWEEN 0 AND 10000),
			fee_sink         UUID NOT NULL,
			paused           BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS providers (
			authority   UUID PRIMARY KEY,
			destination UUID NOT NULL,
			reserved    BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS vaults (
			owner      UUID PRIMARY KEY,
			provider   UUID NOT NULL REFERENCES providers(authority),
			account    UUID NOT NULL,
			balance    BIGINT NOT NULL CHECK (balance >= 0),
			nonce      BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create vault schema: %w", err)
	}
	return nil
}

// Update runs fn inside a serializable read-write transaction.
func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, false)
}

// View runs fn inside a read-only transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, true)
}

func (s *PostgresStore) run(ctx context.Context, fn func(Tx) error, readOnly bool) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ptx := &pgTx{ctx: ctx, tx: tx, ledger: s.ledger, forUpdate: !readOnly}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// VaultsAbove lists vaults with balance >= min, largest first.
func (s *PostgresStore) VaultsAbove(ctx context.Context, min int64, limit int) ([]Vault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, provider, account, balance, nonce, created_at, updated_at
		 FROM vaults WHERE balance >= $1 ORDER BY balance DESC LIMIT $2`,
		min, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query vaults: %w", err)
	}
	defer rows.Close()

	var vaults []Vault
	for rows.Next() {
		var v Vault
		var nonce int64
		err := rows.Scan(&v.Owner, &v.Provider, &v.Account, &v.Balance, &nonce,
			&v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault: %w", err)
		}
		v.Nonce = uint64(nonce)
		vaults = append(vaults, v)
	}

	return vaults, rows.Err()
}

type pgTx struct {
	ctx       context.Context
	tx        *sql.Tx
	ledger    *ledger.Ledger
	forUpdate bool
}

func (t *pgTx) lock() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgTx) Config() (*ProtocolConfig, error) {
	var cfg ProtocolConfig
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT authority, settle_threshold, fee_bps, fee_sink, paused, created_at, updated_at
		 FROM protocol_config WHERE id = 1`+t.lock(),
	).Scan(&cfg.Authority, &cfg.SettleThreshold, &cfg.FeeBps, &cfg.FeeSink,
		&cfg.Paused, &cfg.CreatedAt, &cfg.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return &cfg, nil
}

func (t *pgTx) InsertConfig(cfg *ProtocolConfig) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO protocol_config (id, authority, settle_threshold, fee_bps, fee_sink, paused, created_at, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)`,
		cfg.Authority, cfg.SettleThreshold, cfg.FeeBps, cfg.FeeSink,
		cfg.Paused, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyInitialized
	}
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateConfig(cfg *ProtocolConfig) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE protocol_config SET settle_threshold = $1, fee_bps = $2, fee_sink = $3, paused = $4, updated_at = $5
		 WHERE id = 1`,
		cfg.SettleThreshold, cfg.FeeBps, cfg.FeeSink, cfg.Paused, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	return nil
}

func (t *pgTx) Provider(authority uuid.UUID) (*Provider, error) {
	var p Provider
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT authority, destination, reserved, created_at
		 FROM providers WHERE authority = $1`,
		authority,
	).Scan(&p.Authority, &p.Destination, &p.Reserved, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

func (t *pgTx) InsertProvider(p *Provider) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO providers (authority, destination, reserved, created_at)
		 VALUES ($1, $2, $3, $4)`,
		p.Authority, p.Destination, p.Reserved, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateProvider
	}
	if err != nil {
		return fmt.Errorf("failed to insert provider: %w", err)
	}
	return nil
}

func (t *pgTx) Vault(owner uuid.UUID) (*Vault, error) {
	var v Vault
	var nonce int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT owner, provider, account, balance, nonce, created_at, updated_at
		 FROM vaults WHERE owner = $1`+t.lock(),
		owner,
	).Scan(&v.Owner, &v.Provider, &v.Account, &v.Balance, &nonce,
		&v.CreatedAt, &v.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	v.Nonce = uint64(nonce)
	return &v, nil
}

func (t *pgTx) InsertVault(v *Vault) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO vaults (owner, provider, account, balance, nonce, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.Owner, v.Provider, v.Account, v.Balance, int64(v.Nonce),
		v.CreatedAt, v.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateVault
	}
	if err != nil {
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateVault(v *Vault) error {
	result, err := t.tx.ExecContext(t.ctx,
		`UPDATE vaults SET balance = $1, nonce = $2, updated_at = $3 WHERE owner = $4`,
		v.Balance, int64(v.Nonce), v.UpdatedAt, v.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVaultNotFound
	}
	return nil
}

func (t *pgTx) OwnerAccount(owner uuid.UUID) (uuid.UUID, error) {
	account, err := t.ledger.AccountForTx(t.ctx, t.tx, owner, ledger.KindPrimary)
	if err != nil {
		return uuid.Nil, err
	}
	return account.ID, nil
}

func (t *pgTx) CreateCustodyAccount(owner uuid.UUID) (uuid.UUID, error) {
	account, err := t.ledger.CreateAccountTx(t.ctx, t.tx, owner, ledger.KindCustody)
	if isUniqueViolation(err) {
		// One custody account per owner; hitting it means the vault exists.
		return uuid.Nil, ErrDuplicateVault
	}
	if err != nil {
		return uuid.Nil, err
	}
	return account.ID, nil
}

func (t *pgTx) Transfer(from, to uuid.UUID, amount int64, reference string) error {
	_, err := t.ledger.TransferTx(t.ctx, t.tx, from, to, decimal.NewFromInt(amount), reference)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
