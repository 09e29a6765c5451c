package store

import (
	"context"
	"fmt"
	"time"

	"storepay/internal/common/database"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
)

// Connections persists provider connections outside any unit of work.
type Connections struct {
	db *database.DB
}

// NewConnections creates a connection store
func NewConnections(db *database.DB) *Connections {
	return &Connections{db: db}
}

var _ payment.ConnectionStore = (*Connections)(nil)

func (c *Connections) Active(ctx context.Context, storeID string, provider domain.ProviderType) (*domain.ProviderConnection, error) {
	query := `
		SELECT store_id, provider, environment, credentials, health_status,
			   last_checked_at, created_at, updated_at
		FROM provider_connections
		WHERE store_id = $1 AND provider = $2
	`

	var (
		conn                      domain.ProviderConnection
		prov, environment, health string
	)
	err := c.db.Pool().QueryRow(ctx, query, storeID, string(provider)).Scan(
		&conn.StoreID,
		&prov,
		&environment,
		&conn.Credentials,
		&health,
		&conn.LastCheckedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s for store %s", domain.ErrProviderNotConnected, provider, storeID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s connection of store %s: %w", provider, storeID, err)
	}

	conn.Provider = domain.ProviderType(prov)
	conn.Environment = domain.Environment(environment)
	conn.HealthStatus = domain.HealthStatus(health)
	return &conn, nil
}

// Save inserts the connection or replaces the credentials of an existing one.
func (c *Connections) Save(ctx context.Context, conn *domain.ProviderConnection) error {
	query := `
		INSERT INTO provider_connections (
			store_id, provider, environment, credentials, health_status,
			last_checked_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (store_id, provider) DO UPDATE SET
			environment = EXCLUDED.environment,
			credentials = EXCLUDED.credentials,
			health_status = EXCLUDED.health_status,
			last_checked_at = EXCLUDED.last_checked_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := c.db.Pool().Exec(ctx, query,
		conn.StoreID,
		string(conn.Provider),
		string(conn.Environment),
		conn.Credentials,
		string(conn.HealthStatus),
		conn.LastCheckedAt,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving %s connection of store %s: %w", conn.Provider, conn.StoreID, err)
	}
	return nil
}

func (c *Connections) UpdateHealth(ctx context.Context, storeID string, provider domain.ProviderType, status domain.HealthStatus, checkedAt time.Time) error {
	tag, err := c.db.Pool().Exec(ctx, `
		UPDATE provider_connections
		SET health_status = $3, last_checked_at = $4, updated_at = $4
		WHERE store_id = $1 AND provider = $2
	`, storeID, string(provider), string(status), checkedAt)
	if err != nil {
		return fmt.Errorf("updating %s health of store %s: %w", provider, storeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s for store %s", domain.ErrProviderNotConnected, provider, storeID)
	}
	return nil
}
