// Package db provides the durable store operations used by the sale
// pipeline: the queued-sale table, the product snapshot and settings.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rmestre/tillsync/internal/models"
	"github.com/rmestre/tillsync/internal/uuid"
)

// Store provides the queue, product-snapshot and settings operations.
// All components share one Store; SQLite's single writer connection
// serializes writes, and the sync_state column doubles as the claim
// mechanism for concurrent drains.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Queued sale operations
// =====================================================

// QueueSale appends a sale to the local queue. An existing record with
// the same id is never overwritten; re-queuing a known id is a no-op so
// a crash-and-replay cannot corrupt an earlier capture.
func (s *Store) QueueSale(sale *models.QueuedSale) error {
	if sale.Timestamp == 0 {
		sale.Timestamp = time.Now().Unix()
	}
	if sale.SyncState == "" {
		sale.SyncState = models.SyncStatePending
	}

	query := `
	INSERT OR IGNORE INTO queued_sales (id, payload, timestamp, sync_state, retry_count, next_retry_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, sale.ID, string(sale.Payload), sale.Timestamp,
		sale.SyncState, sale.RetryCount, sale.NextRetryAt, sale.LastError)
	return err
}

// PendingSales returns every sale not yet synced, oldest first. Drains
// must process in this order to keep approximate chronological ordering
// at the remote store.
func (s *Store) PendingSales() ([]*models.QueuedSale, error) {
	query := `
	SELECT id, payload, timestamp, sync_state, retry_count, next_retry_at, last_error
	FROM queued_sales
	WHERE sync_state != 'synced'
	ORDER BY timestamp ASC
	`
	return s.querySales(query)
}

// DuePendingSales returns pending sales whose retry backoff has elapsed
// at the given instant, oldest first.
func (s *Store) DuePendingSales(now time.Time) ([]*models.QueuedSale, error) {
	query := `
	SELECT id, payload, timestamp, sync_state, retry_count, next_retry_at, last_error
	FROM queued_sales
	WHERE sync_state = 'pending' AND next_retry_at <= ?
	ORDER BY timestamp ASC
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(now.Unix())
	if err != nil {
		return nil, err
	}
	return scanSales(rows)
}

// ClaimSale flips a sale from pending to syncing. Only the caller that
// observes claimed == true may submit the sale remotely; a concurrent
// drain loses the race and skips the entry.
func (s *Store) ClaimSale(id models.UUID) (bool, error) {
	query := `UPDATE queued_sales SET sync_state = 'syncing' WHERE id = ? AND sync_state = 'pending'`
	res, err := s.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecoverStranded returns every sale stuck in syncing to pending. A
// crash between a claim and its settle leaves the claimed row with no
// owner, and DuePendingSales would never see it again. Re-submitting a
// recovered sale is safe: the remote upsert is idempotent on the sale
// id. Returns the number of recovered sales.
func (s *Store) RecoverStranded() (int, error) {
	res, err := s.db.Exec(`UPDATE queued_sales SET sync_state = 'pending' WHERE sync_state = 'syncing'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReleaseSale returns a claimed sale to pending after a failed submit,
// recording the error and the next retry instant.
func (s *Store) ReleaseSale(id models.UUID, lastError string, nextRetryAt time.Time) error {
	query := `
	UPDATE queued_sales
	SET sync_state = 'pending', retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
	WHERE id = ?
	`
	_, err := s.db.Exec(query, lastError, nextRetryAt.Unix(), id)
	return err
}

// RemoveQueuedSale deletes a fully synced sale. Removing an id that is
// already gone is a no-op, not an error: the reconciler may retry a
// removal after a crash between remote accept and local delete.
func (s *Store) RemoveQueuedSale(id models.UUID) error {
	_, err := s.db.Exec(`DELETE FROM queued_sales WHERE id = ?`, id)
	return err
}

// QueuedSale returns a single queue entry, or nil when absent.
func (s *Store) QueuedSale(id models.UUID) (*models.QueuedSale, error) {
	query := `
	SELECT id, payload, timestamp, sync_state, retry_count, next_retry_at, last_error
	FROM queued_sales WHERE id = ?
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var sale models.QueuedSale
	var payload string
	err = stmt.QueryRow(id).Scan(&sale.ID, &payload, &sale.Timestamp,
		&sale.SyncState, &sale.RetryCount, &sale.NextRetryAt, &sale.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sale.Payload = []byte(payload)
	return &sale, nil
}

func (s *Store) querySales(query string, args ...interface{}) ([]*models.QueuedSale, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanSales(rows)
}

func scanSales(rows *sql.Rows) ([]*models.QueuedSale, error) {
	defer rows.Close()

	var sales []*models.QueuedSale
	for rows.Next() {
		var sale models.QueuedSale
		var payload string
		if err := rows.Scan(&sale.ID, &payload, &sale.Timestamp,
			&sale.SyncState, &sale.RetryCount, &sale.NextRetryAt, &sale.LastError); err != nil {
			return nil, err
		}
		sale.Payload = []byte(payload)
		sales = append(sales, &sale)
	}
	return sales, rows.Err()
}

// =====================================================
// Product snapshot operations
// =====================================================

// ReplaceProducts swaps the whole product snapshot inside a single
// transaction. Readers either see the previous snapshot or the new one,
// never a half-written mix.
func (s *Store) ReplaceProducts(products []*models.CachedProduct) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM products`); err != nil {
		return err
	}

	now := time.Now().Unix()
	stmt, err := tx.Prepare(`
	INSERT INTO products (id, name, price, stock, barcode, category_id, last_sync)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range products {
		if p.LastSync == 0 {
			p.LastSync = now
		}
		if _, err := stmt.Exec(p.ID, p.Name, p.Price, p.Stock, p.Barcode, p.CategoryID, p.LastSync); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Products returns the cached product snapshot.
func (s *Store) Products() ([]*models.CachedProduct, error) {
	rows, err := s.db.Query(`
	SELECT id, name, price, stock, barcode, category_id, last_sync
	FROM products ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.CachedProduct
	for rows.Next() {
		var p models.CachedProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Barcode, &p.CategoryID, &p.LastSync); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

// Product returns one cached product, or nil when absent.
func (s *Store) Product(id models.UUID) (*models.CachedProduct, error) {
	stmt, err := s.PrepareStmt(`
	SELECT id, name, price, stock, barcode, category_id, last_sync
	FROM products WHERE id = ?
	`)
	if err != nil {
		return nil, err
	}

	var p models.CachedProduct
	err = stmt.QueryRow(id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Barcode, &p.CategoryID, &p.LastSync)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AdjustStock applies a relative stock change, clamped at zero. This is
// the optimistic decrement path used at sale time so a later offline
// sale sees the already-consumed stock.
func (s *Store) AdjustStock(id models.UUID, delta int) error {
	query := `UPDATE products SET stock = MAX(0, stock + ?) WHERE id = ?`
	_, err := s.db.Exec(query, delta, id)
	return err
}

// SetStock overwrites a product's stock with a server-confirmed value
// at reconciliation time.
func (s *Store) SetStock(id models.UUID, stock int) error {
	_, err := s.db.Exec(`UPDATE products SET stock = ? WHERE id = ?`, stock, id)
	return err
}

// =====================================================
// Settings operations
// =====================================================

// GetSetting returns a small scalar setting. The second return reports
// whether the key exists.
func (s *Store) GetSetting(key string) (string, bool, error) {
	stmt, err := s.PrepareStmt(`SELECT value FROM settings WHERE key = ?`)
	if err != nil {
		return "", false, err
	}

	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutSetting stores a small scalar setting, overwriting any previous value.
func (s *Store) PutSetting(key, value string) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := s.db.Exec(query, key, value)
	return err
}

// =====================================================
// Stock conflict diagnostics
// =====================================================

// LogStockConflict records a local/server stock divergence detected
// during reconciliation.
func (s *Store) LogStockConflict(c *models.StockConflict) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO stock_conflicts (id, product_id, sale_id, local_stock, server_stock, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.ID, c.ProductID, c.SaleID, c.LocalStock, c.ServerStock, c.DetectedAt)
	return err
}

// StockConflicts returns recorded stock divergences, newest first.
func (s *Store) StockConflicts(limit int) ([]*models.StockConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
	SELECT id, product_id, sale_id, local_stock, server_stock, detected_at
	FROM stock_conflicts ORDER BY detected_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.StockConflict
	for rows.Next() {
		var c models.StockConflict
		if err := rows.Scan(&c.ID, &c.ProductID, &c.SaleID, &c.LocalStock, &c.ServerStock, &c.DetectedAt); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}
