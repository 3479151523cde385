package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// Account kinds.
const (
	KindPrimary = "primary" // a depositor's funding account
	KindCustody = "custody" // a vault's custodial account
	KindPayout  = "payout"  // a provider's destination account
	KindFeeSink = "fee_sink"
)

var (
	ErrAccountNotFound   = errors.New("ledger account not found")
	ErrInsufficientFunds = errors.New("insufficient ledger funds")
)

// Ledger implements a double-entry accounting ledger. It is the value
// transfer primitive behind vault deposits, settlements and withdrawals.
type Ledger struct {
	db     *sql.DB
	events *messaging.Client
}

// Account represents a ledger account.
type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// Entry represents a single debit or credit against an account.
type Entry struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      string // "debit" or "credit"
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	Reference string
	CreatedAt time.Time
}

// Transfer represents a completed movement between two accounts.
type Transfer struct {
	ID            uuid.UUID
	FromAccountID uuid.UUID
	ToAccountID   uuid.UUID
	Amount        decimal.Decimal
	Reference     string
	CreatedAt     time.Time
}

// New creates a new ledger. events may be nil.
func New(db *sql.DB, events *messaging.Client) *Ledger {
	return &Ledger{db: db, events: events}
}

// EnsureSchema creates the ledger tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id         UUID PRIMARY KEY,
			user_id    UUID NOT NULL,
			kind       TEXT NOT NULL,
			balance    NUMERIC(30,0) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version    INT NOT NULL DEFAULT 1,
			UNIQUE (user_id, kind)
		);
		CREATE TABLE IF NOT EXISTS entries (
			id         UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			type       TEXT NOT NULL,
			amount     NUMERIC(30,0) NOT NULL,
			balance    NUMERIC(30,0) NOT NULL,
			reference  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS transfers (
			id              UUID PRIMARY KEY,
			from_account_id UUID NOT NULL REFERENCES accounts(id),
			to_account_id   UUID NOT NULL REFERENCES accounts(id),
			amount          NUMERIC(30,0) NOT NULL,
			reference       TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// CreateAccount creates a new account.
func (l *Ledger) CreateAccount(ctx context.Context, userID uuid.UUID, kind string) (*Account, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := l.CreateAccountTx(ctx, tx, userID, kind)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return account, nil
}

// CreateAccountTx creates a new account inside an existing transaction.
func (l *Ledger) CreateAccountTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, kind string) (*Account, error) {
	now := time.Now()
	account := &Account{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, kind, balance, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.UserID, account.Kind, account.Balance,
		account.CreatedAt, account.UpdatedAt, account.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return account, nil
}

// GetAccount retrieves an account.
func (l *Ledger) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	var account Account
	err := l.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, balance, created_at, updated_at, version
		 FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&account.ID, &account.UserID, &account.Kind, &account.Balance,
		&account.CreatedAt, &account.UpdatedAt, &account.Version)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// AccountFor retrieves a user's account of the given kind.
func (l *Ledger) AccountFor(ctx context.Context, userID uuid.UUID, kind string) (*Account, error) {
	return accountFor(ctx, l.db, userID, kind)
}

// AccountForTx retrieves a user's account of the given kind inside an
// existing transaction.
func (l *Ledger) AccountForTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, kind string) (*Account, error) {
	return accountFor(ctx, tx, userID, kind)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func accountFor(ctx context.Context, q querier, userID uuid.UUID, kind string) (*Account, error) {
	var account Account
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, kind, balance, created_at, updated_at, version
		 FROM accounts WHERE user_id = $1 AND kind = $2`,
		userID, kind,
	).Scan(&account.ID, &account.UserID, &account.Kind, &account.Balance,
		&account.CreatedAt, &account.UpdatedAt, &account.Version)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// Transfer moves funds between two accounts in its own transaction.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, reference string) (*Transfer, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	transfer, err := l.TransferTx(ctx, tx, fromID, toID, amount, reference)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	l.publishTransferEvent(ctx, transfer)
	return transfer, nil
}

// TransferTx moves funds between two accounts inside an existing
// transaction, so callers can commit the movement atomically with their
// own record mutations. Accounts are locked in a stable order to avoid
// deadlocks between concurrent transfers.
func (l *Ledger) TransferTx(ctx context.Context, tx *sql.Tx, fromID, toID uuid.UUID, amount decimal.Decimal, reference string) (*Transfer, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("transfer amount must be positive")
	}

	first, second := fromID, toID
	if second.String() < first.String() {
		first, second = second, first
	}

	accounts := make(map[uuid.UUID]*Account, 2)
	for _, id := range []uuid.UUID{first, second} {
		var account Account
		err := tx.QueryRowContext(ctx,
			`SELECT id, balance, version FROM accounts WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&account.ID, &account.Balance, &account.Version)
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
		accounts[id] = &account
	}

	from, to := accounts[fromID], accounts[toID]
	if from.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	transfer := &Transfer{
		ID:            uuid.New(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Reference:     reference,
		CreatedAt:     now,
	}

	newFrom := from.Balance.Sub(amount)
	newTo := to.Balance.Add(amount)

	for _, upd := range []struct {
		id      uuid.UUID
		balance decimal.Decimal
		version int
	}{
		{fromID, newFrom, from.Version},
		{toID, newTo, to.Version},
	} {
		result, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, updated_at = $2, version = version + 1
			 WHERE id = $3 AND version = $4`,
			upd.balance, now, upd.id, upd.version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update account: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil, fmt.Errorf("concurrent modification detected")
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO transfers (id, from_account_id, to_account_id, amount, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		transfer.ID, transfer.FromAccountID, transfer.ToAccountID,
		transfer.Amount, transfer.Reference, transfer.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	// Audit entries
	if err := l.createEntryInTx(ctx, tx, fromID, "debit", amount, newFrom, reference); err != nil {
		return nil, err
	}
	if err := l.createEntryInTx(ctx, tx, toID, "credit", amount, newTo, reference); err != nil {
		return nil, err
	}

	return transfer, nil
}

func (l *Ledger) createEntryInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, entryType string, amount, balance decimal.Decimal, reference string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries (id, account_id, type, amount, balance, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), accountID, entryType, amount, balance, reference, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// Entries returns the most recent entries for an account.
func (l *Ledger) Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_id, type, amount, balance, reference, created_at
		 FROM entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Type, &entry.Amount,
			&entry.Balance, &entry.Reference, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (l *Ledger) publishTransferEvent(ctx context.Context, transfer *Transfer) {
	if l.events == nil {
		return
	}

	l.events.Publish(ctx, messaging.SubjectLedgerTransfer, messaging.LedgerTransferEvent{
		TransferID:  transfer.ID,
		FromAccount: transfer.FromAccountID,
		ToAccount:   transfer.ToAccountID,
		Amount:      transfer.Amount.String(),
		Reference:   transfer.Reference,
	})
}
