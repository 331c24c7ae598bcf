package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, account_id, COALESCE(name, ''), trusted, created_at, last_used, revoked`

func scanKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	if err := row.Scan(&key.ID, &key.Hash, &key.AccountID, &key.Name, &key.Trusted,
		&key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, account_id, name, trusted, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.AccountID, key.Name, key.Trusted, key.CreatedAt, key.Revoked)
	return err
}

// GetByHash retrieves an active API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE hash = $1 AND revoked = FALSE`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByAccount retrieves all API keys for an account
func (p *PostgresStore) GetByAccount(ctx context.Context, accountID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation is sticky.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET
			last_used = GREATEST(COALESCE(last_used, $1), $1),
			revoked   = revoked OR $2
		WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}
