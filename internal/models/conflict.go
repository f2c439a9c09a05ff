package models

import "time"

// StockConflict records a divergence between the locally decremented
// stock and the server-confirmed value at reconciliation time. The
// server value wins; the row exists for diagnostics only.
type StockConflict struct {
	ID          UUID  `db:"id" json:"id"`
	ProductID   UUID  `db:"product_id" json:"product_id"`
	SaleID      UUID  `db:"sale_id" json:"sale_id"`
	LocalStock  int   `db:"local_stock" json:"local_stock"`
	ServerStock int   `db:"server_stock" json:"server_stock"`
	DetectedAt  int64 `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for StockConflict.
func (StockConflict) TableName() string {
	return "stock_conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *StockConflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
