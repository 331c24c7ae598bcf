package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/genmeter/internal/retry"
)

// Postgres SQLSTATE codes the store reacts to.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxAttempts: 3, baseDelay: 20 * time.Millisecond}
}

const accountColumns = `id, tier, COALESCE(wallet_address, ''), tier_balance, crypto_balance, pack_balance,
	last_grant_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	acct := &Account{}
	var lastGrant sql.NullTime
	err := row.Scan(&acct.ID, &acct.Tier, &acct.WalletAddress,
		&acct.Balances.Tier, &acct.Balances.Crypto, &acct.Balances.Pack,
		&lastGrant, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastGrant.Valid {
		t := lastGrant.Time.UTC()
		acct.LastGrantAt = &t
	}
	return acct, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tier, wallet_address, tier_balance, crypto_balance, pack_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, acct.ID, acct.Tier, nullString(acct.WalletAddress),
		acct.Balances.Tier, acct.Balances.Crypto, acct.Balances.Pack, acct.CreatedAt, acct.UpdatedAt)
	if isPQCode(err, pqUniqueViolation) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("%w: failed to create account: %v", ErrLedgerTransaction, err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load account: %v", ErrLedgerTransaction, err)
	}
	return acct, nil
}

func (p *PostgresStore) GetAccountByWallet(ctx context.Context, wallet string) (*Account, error) {
	acct, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE LOWER(wallet_address) = $1`, strings.ToLower(wallet)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load account: %v", ErrLedgerTransaction, err)
	}
	return acct, nil
}

// Update locks the account row, applies fn, and commits balances and entry
// in one transaction. Serialization failures and deadlocks are retried.
func (p *PostgresStore) Update(ctx context.Context, id string, fn func(acct *Account) (*Entry, error)) (*Account, error) {
	var result *Account
	err := retry.Do(ctx, p.maxAttempts, p.baseDelay, func(attempt int) error {
		if attempt > 0 {
			ledgerTxRetries.Inc()
		}

		acct, err := p.update(ctx, id, fn)
		if err == nil {
			result = acct
			return nil
		}
		if isPQCode(err, pqSerializationFailure) || isPQCode(err, pqDeadlockDetected) {
			return err
		}
		return retry.Permanent(err)
	})
	if err == nil {
		return result, nil
	}
	if isDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrLedgerTransaction, err)
}

func (p *PostgresStore) update(ctx context.Context, id string, fn func(acct *Account) (*Entry, error)) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			tier_balance   = $2,
			crypto_balance = $3,
			pack_balance   = $4,
			last_grant_at  = $5,
			updated_at     = $6
		WHERE id = $1
	`, id, acct.Balances.Tier, acct.Balances.Crypto, acct.Balances.Pack, acct.LastGrantAt, acct.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update balances: %w", err)
	}

	if entry != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, type, tier_delta, crypto_delta, pack_delta, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.ID, id, entry.Type, entry.Delta.Tier, entry.Delta.Crypto, entry.Delta.Pack,
			nullString(entry.Reference), entry.CreatedAt)
		if isPQCode(err, pqUniqueViolation) && entry.Type == EntryCredit {
			return nil, ErrDuplicateCredit
		}
		if err != nil {
			return nil, fmt.Errorf("failed to record entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) ListDueForRefill(ctx context.Context, periodStart time.Time, afterID string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE (last_grant_at IS NULL OR last_grant_at < $1) AND id > $2
		ORDER BY id
		LIMIT $3
	`, periodStart, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, acct)
	}
	return due, rows.Err()
}

func (p *PostgresStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, tier_delta, crypto_delta, pack_delta, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type,
			&e.Delta.Tier, &e.Delta.Crypto, &e.Delta.Pack, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrDuplicateCredit) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, errAlreadyGranted)
}
