package gateway

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the request log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateLog(ctx context.Context, log *RequestLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO generation_logs (
			id, account_id, client_key, service_type, model, cache_key,
			cache, worker, charged, status, latency_ms, error, created_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13
		)`,
		log.ID, log.AccountID, log.ClientKey, log.ServiceType, log.Model, log.CacheKey,
		log.Cache, log.Worker, log.Charged, log.Status, log.LatencyMs, log.Error, log.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListLogs(ctx context.Context, accountID string, limit int) ([]*RequestLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(account_id, ''), client_key, service_type, model, cache_key,
		       cache, worker, charged, status, latency_ms, error, created_at
		FROM generation_logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*RequestLog{}
	for rows.Next() {
		l := &RequestLog{}
		if err := rows.Scan(
			&l.ID, &l.AccountID, &l.ClientKey, &l.ServiceType, &l.Model, &l.CacheKey,
			&l.Cache, &l.Worker, &l.Charged, &l.Status, &l.LatencyMs, &l.Error, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM generation_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
