package idempotency

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore persists records in a PostgreSQL table so replays survive
// restarts and are shared between instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS escrow_idempotency_records (
    key TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    request_digest TEXT NOT NULL DEFAULT ''
);
ALTER TABLE escrow_idempotency_records ADD COLUMN IF NOT EXISTS request_digest TEXT NOT NULL DEFAULT '';
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create idempotency table")
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping lets the health endpoint report database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT operation, status_code, response, created_at, expires_at, request_digest
FROM escrow_idempotency_records
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Operation, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt, &rec.RequestDigest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read idempotency record")
	}

	if rec.Expired(time.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_idempotency_records (key, operation, status_code, response, created_at, expires_at, request_digest)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET operation = EXCLUDED.operation,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    request_digest = EXCLUDED.request_digest
`, key, record.Operation, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt, record.RequestDigest)
	return errors.Wrap(err, "save idempotency record")
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM escrow_idempotency_records WHERE key = $1`, key)
}
