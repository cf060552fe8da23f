package shield

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresResolver reads the shield-address projection from Postgres.
// The projection tables are owned by user management; this resolver only
// issues a single indexed lookup per message.
type PostgresResolver struct {
	db *sql.DB
}

// NewPostgresResolver wraps an existing database handle.
func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

// OpenPostgresResolver connects to Postgres and verifies the connection.
func OpenPostgresResolver(ctx context.Context, dsn string) (*PostgresResolver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening shield projection db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging shield projection db: %w", err)
	}
	db.SetMaxOpenConns(10)
	return &PostgresResolver{db: db}, nil
}

// Lookup fetches the owning user for (prefix, domain). Returns
// ErrUnknownShield when no row matches.
func (p *PostgresResolver) Lookup(ctx context.Context, prefix, domain string) (*Record, error) {
	var rec Record
	err := p.db.QueryRowContext(ctx, `
		SELECT u.id, u.delivery_address, sa.active, u.active
		FROM shield_addresses sa
		JOIN users u ON u.id = sa.user_id
		WHERE sa.prefix = $1 AND sa.domain = $2
	`, prefix, domain).Scan(&rec.UserID, &rec.DeliveryAddress, &rec.ShieldActive, &rec.UserActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownShield
	}
	if err != nil {
		return nil, fmt.Errorf("shield lookup %s@%s: %w", prefix, domain, err)
	}
	return &rec, nil
}

// Close releases the underlying connection pool.
func (p *PostgresResolver) Close() error {
	return p.db.Close()
}
