package models

import "time"

// CachedProduct mirrors the remote product fields needed at the point
// of sale. The snapshot is owned by the catalog manager; stock is the
// only field mutated locally, through the optimistic decrement path.
type CachedProduct struct {
	ID         UUID    `db:"id" json:"id"`
	Name       string  `db:"name" json:"name"`
	Price      float64 `db:"price" json:"price"`
	Stock      int     `db:"stock" json:"stock"`
	Barcode    string  `db:"barcode" json:"barcode,omitempty"`
	CategoryID UUID    `db:"category_id" json:"category_id,omitempty"`
	LastSync   int64   `db:"last_sync" json:"last_sync"`
}

// TableName returns the table name for CachedProduct.
func (CachedProduct) TableName() string {
	return "products"
}

// LastSyncTime returns the snapshot origin timestamp as time.Time.
func (p *CachedProduct) LastSyncTime() time.Time {
	return time.Unix(p.LastSync, 0)
}
