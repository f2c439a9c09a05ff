// Package models provides data model definitions for the tillsync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncState represents the sync lifecycle state of a queued sale.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// SaleLine is a single line item of a sale.
type SaleLine struct {
	ProductID UUID    `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Subtotal  float64 `json:"subtotal"`
}

// SalePayload is the body of a sale as captured at the till.
type SalePayload struct {
	Lines         []SaleLine `json:"lines"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	CustomerID    UUID       `json:"customer_id,omitempty"`
	Cashier       string     `json:"cashier"`
	SaleType      string     `json:"sale_type"`
}

// QueuedSale represents a sale waiting for (or undergoing) remote sync.
// The ID is generated locally before any I/O and doubles as the
// idempotency key on the remote store: submitting the same ID twice
// must yield exactly one remote row.
type QueuedSale struct {
	ID          UUID            `db:"id" json:"id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Timestamp   int64           `db:"timestamp" json:"timestamp"` // local wall clock, ordering/display only
	SyncState   SyncState       `db:"sync_state" json:"sync_state"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedSale.
func (QueuedSale) TableName() string {
	return "queued_sales"
}

// TimestampTime returns the enqueue timestamp as time.Time.
func (q *QueuedSale) TimestampTime() time.Time {
	return time.Unix(q.Timestamp, 0)
}

// DecodePayload unmarshals the raw payload into a SalePayload.
func (q *QueuedSale) DecodePayload() (*SalePayload, error) {
	var p SalePayload
	if err := json.Unmarshal(q.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
