// Package remote provides the narrow client surface onto the managed
// backend: tenant-scoped sale upserts, product queries and the realtime
// broadcast channel for secondary displays.
package remote

import (
	"context"

	"github.com/rmestre/tillsync/internal/models"
)

// UpsertResult reports the outcome of a sale upsert.
type UpsertResult struct {
	// Duplicate is true when the remote store already held a row for
	// the sale id. Still a success: idempotent replay is the point.
	Duplicate bool

	// ConfirmedStock carries server-confirmed stock per product when
	// the backend returns it, keyed by product id. Nil when absent.
	ConfirmedStock map[models.UUID]int
}

// Store is the remote backend consumed by the sale processor and the
// reconciler. Every row operation is scoped by the tenant partition key
// and keyed by a caller-supplied stable identifier, so a repeated
// submission of the same sale id yields exactly one remote row.
type Store interface {
	// UpsertSale inserts or no-op-replays a sale row.
	UpsertSale(ctx context.Context, tenant string, sale *models.QueuedSale) (*UpsertResult, error)

	// QueryProducts returns the sellable products for a tenant.
	QueryProducts(ctx context.Context, tenant string) ([]*models.CachedProduct, error)
}
