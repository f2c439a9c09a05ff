// Package db tests for the durable store operations.
package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rmestre/tillsync/internal/models"
)

// newTestStore opens a migrated store on a throwaway database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m := NewMigrator(database.DB)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	store := NewStore(database.DB)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSale(id string, ts int64) *models.QueuedSale {
	payload, _ := json.Marshal(models.SalePayload{
		Lines: []models.SaleLine{
			{ProductID: "prod-1", Name: "Corte", Quantity: 1, UnitPrice: 15, Subtotal: 15},
		},
		Total:         15,
		PaymentMethod: "cash",
		Cashier:       "ana",
		SaleType:      "walk-in",
	})
	return &models.QueuedSale{
		ID:        models.UUID(id),
		Payload:   payload,
		Timestamp: ts,
		SyncState: models.SyncStatePending,
	}
}

// TestQueueSale_neverOverwrites verifies re-queuing a known id is a no-op.
func TestQueueSale_neverOverwrites(t *testing.T) {
	store := newTestStore(t)

	original := testSale("sale-1", 100)
	if err := store.QueueSale(original); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	replay := testSale("sale-1", 999)
	replay.Payload = []byte(`{"total": 0}`)
	if err := store.QueueSale(replay); err != nil {
		t.Fatalf("replayed QueueSale() should be a no-op, got error: %v", err)
	}

	got, err := store.QueuedSale("sale-1")
	if err != nil {
		t.Fatalf("QueuedSale() failed: %v", err)
	}
	if got == nil {
		t.Fatal("sale not found")
	}
	if got.Timestamp != 100 {
		t.Errorf("Timestamp = %d, original record was overwritten", got.Timestamp)
	}
}

// TestPendingSales_order verifies oldest-first ordering.
func TestPendingSales_order(t *testing.T) {
	store := newTestStore(t)

	for _, s := range []*models.QueuedSale{
		testSale("sale-c", 300),
		testSale("sale-a", 100),
		testSale("sale-b", 200),
	} {
		if err := store.QueueSale(s); err != nil {
			t.Fatalf("QueueSale() failed: %v", err)
		}
	}

	pending, err := store.PendingSales()
	if err != nil {
		t.Fatalf("PendingSales() failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}

	want := []models.UUID{"sale-a", "sale-b", "sale-c"}
	for i, sale := range pending {
		if sale.ID != want[i] {
			t.Errorf("pending[%d].ID = %s, want %s", i, sale.ID, want[i])
		}
	}
}

// TestClaimSale_exclusive verifies only one claimer wins.
func TestClaimSale_exclusive(t *testing.T) {
	store := newTestStore(t)

	if err := store.QueueSale(testSale("sale-1", 100)); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	first, err := store.ClaimSale("sale-1")
	if err != nil {
		t.Fatalf("first ClaimSale() failed: %v", err)
	}
	if !first {
		t.Fatal("first ClaimSale() should win")
	}

	second, err := store.ClaimSale("sale-1")
	if err != nil {
		t.Fatalf("second ClaimSale() failed: %v", err)
	}
	if second {
		t.Error("second ClaimSale() must lose while the sale is syncing")
	}
}

// TestRecoverStranded verifies a claim orphaned by a crash mid-drain is
// returned to pending, where the next drain can see it again.
func TestRecoverStranded(t *testing.T) {
	dataDir := t.TempDir()

	database, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	m := NewMigrator(database.DB)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	store := NewStore(database.DB)
	if err := store.QueueSale(testSale("sale-1", 100)); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}
	claimed, err := store.ClaimSale("sale-1")
	if err != nil || !claimed {
		t.Fatalf("ClaimSale() = %v, %v, want a winning claim", claimed, err)
	}

	// Crash between claim and settle: the process dies, the row stays
	// in syncing.
	store.Close()
	database.Close()

	database, err = Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store = NewStore(database.DB)
	t.Cleanup(func() { store.Close() })

	// Without recovery the sale is invisible no matter how long we wait.
	due, err := store.DuePendingSales(time.Now().Add(365 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("DuePendingSales() failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("stranded sale unexpectedly due before recovery")
	}

	n, err := store.RecoverStranded()
	if err != nil {
		t.Fatalf("RecoverStranded() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStranded() = %d, want 1", n)
	}

	due, err = store.DuePendingSales(time.Now())
	if err != nil {
		t.Fatalf("DuePendingSales() failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "sale-1" {
		t.Fatalf("recovered sale not due, got %d rows", len(due))
	}
	if due[0].SyncState != models.SyncStatePending {
		t.Errorf("sync_state = %s, want pending", due[0].SyncState)
	}
}

// TestRecoverStranded_leavesPendingAlone verifies recovery only touches
// syncing rows.
func TestRecoverStranded_leavesPendingAlone(t *testing.T) {
	store := newTestStore(t)

	if err := store.QueueSale(testSale("sale-1", 100)); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	n, err := store.RecoverStranded()
	if err != nil {
		t.Fatalf("RecoverStranded() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("RecoverStranded() = %d, want 0 with nothing claimed", n)
	}
}

// TestReleaseSale verifies failed submits return to pending with backoff.
func TestReleaseSale(t *testing.T) {
	store := newTestStore(t)

	if err := store.QueueSale(testSale("sale-1", 100)); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}
	if _, err := store.ClaimSale("sale-1"); err != nil {
		t.Fatalf("ClaimSale() failed: %v", err)
	}

	retryAt := time.Now().Add(2 * time.Minute)
	if err := store.ReleaseSale("sale-1", "remote rejected", retryAt); err != nil {
		t.Fatalf("ReleaseSale() failed: %v", err)
	}

	sale, err := store.QueuedSale("sale-1")
	if err != nil {
		t.Fatalf("QueuedSale() failed: %v", err)
	}
	if sale.SyncState != models.SyncStatePending {
		t.Errorf("SyncState = %s, want pending", sale.SyncState)
	}
	if sale.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", sale.RetryCount)
	}
	if sale.LastError != "remote rejected" {
		t.Errorf("LastError = %q", sale.LastError)
	}
	if sale.NextRetryAt != retryAt.Unix() {
		t.Errorf("NextRetryAt = %d, want %d", sale.NextRetryAt, retryAt.Unix())
	}

	// A released sale is claimable again once due.
	claimed, err := store.ClaimSale("sale-1")
	if err != nil {
		t.Fatalf("re-ClaimSale() failed: %v", err)
	}
	if !claimed {
		t.Error("released sale should be claimable again")
	}
}

// TestDuePendingSales verifies backoff filtering.
func TestDuePendingSales(t *testing.T) {
	store := newTestStore(t)

	due := testSale("sale-due", 100)
	if err := store.QueueSale(due); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	later := testSale("sale-later", 200)
	later.NextRetryAt = time.Now().Add(time.Hour).Unix()
	if err := store.QueueSale(later); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	got, err := store.DuePendingSales(time.Now())
	if err != nil {
		t.Fatalf("DuePendingSales() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "sale-due" {
		t.Errorf("DuePendingSales = %v, want only sale-due", got)
	}
}

// TestRemoveQueuedSale_idempotent verifies removal of a missing id is a no-op.
func TestRemoveQueuedSale_idempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.QueueSale(testSale("sale-1", 100)); err != nil {
		t.Fatalf("QueueSale() failed: %v", err)
	}

	if err := store.RemoveQueuedSale("sale-1"); err != nil {
		t.Fatalf("RemoveQueuedSale() failed: %v", err)
	}
	// Second removal of the same id must not error.
	if err := store.RemoveQueuedSale("sale-1"); err != nil {
		t.Errorf("second RemoveQueuedSale() should be a no-op, got: %v", err)
	}
	// Unknown id must not error either.
	if err := store.RemoveQueuedSale("never-existed"); err != nil {
		t.Errorf("RemoveQueuedSale(unknown) should be a no-op, got: %v", err)
	}
}

// TestReplaceProducts verifies the snapshot swap is all-or-nothing.
func TestReplaceProducts(t *testing.T) {
	store := newTestStore(t)

	first := []*models.CachedProduct{
		{ID: "p1", Name: "Margherita", Price: 8.5, Stock: 10},
		{ID: "p2", Name: "Diavola", Price: 10, Stock: 5},
	}
	if err := store.ReplaceProducts(first); err != nil {
		t.Fatalf("ReplaceProducts() failed: %v", err)
	}

	// A batch with a duplicate primary key fails mid-insert; the
	// previous snapshot must remain fully visible.
	broken := []*models.CachedProduct{
		{ID: "p3", Name: "Quattro Formaggi", Price: 11, Stock: 3},
		{ID: "p3", Name: "Duplicate", Price: 11, Stock: 3},
	}
	if err := store.ReplaceProducts(broken); err == nil {
		t.Fatal("ReplaceProducts() with duplicate ids should fail")
	}

	products, err := store.Products()
	if err != nil {
		t.Fatalf("Products() failed: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("len(products) = %d, want the previous snapshot of 2", len(products))
	}
	for _, p := range products {
		if p.ID == "p3" {
			t.Error("half-written snapshot visible after failed replace")
		}
		if p.LastSync == 0 {
			t.Error("LastSync not stamped on insert")
		}
	}
}

// TestAdjustStock verifies relative changes clamp at zero.
func TestAdjustStock(t *testing.T) {
	store := newTestStore(t)

	if err := store.ReplaceProducts([]*models.CachedProduct{
		{ID: "p1", Name: "Corte", Price: 15, Stock: 2},
	}); err != nil {
		t.Fatalf("ReplaceProducts() failed: %v", err)
	}

	if err := store.AdjustStock("p1", -1); err != nil {
		t.Fatalf("AdjustStock() failed: %v", err)
	}
	p, err := store.Product("p1")
	if err != nil {
		t.Fatalf("Product() failed: %v", err)
	}
	if p.Stock != 1 {
		t.Errorf("Stock = %d, want 1", p.Stock)
	}

	// Decrement past zero clamps.
	if err := store.AdjustStock("p1", -5); err != nil {
		t.Fatalf("AdjustStock() failed: %v", err)
	}
	p, _ = store.Product("p1")
	if p.Stock != 0 {
		t.Errorf("Stock = %d, want clamped 0", p.Stock)
	}
}

// TestSetStock verifies server-confirmed overwrites.
func TestSetStock(t *testing.T) {
	store := newTestStore(t)

	if err := store.ReplaceProducts([]*models.CachedProduct{
		{ID: "p1", Name: "Corte", Price: 15, Stock: 2},
	}); err != nil {
		t.Fatalf("ReplaceProducts() failed: %v", err)
	}

	if err := store.SetStock("p1", 40); err != nil {
		t.Fatalf("SetStock() failed: %v", err)
	}
	p, _ := store.Product("p1")
	if p.Stock != 40 {
		t.Errorf("Stock = %d, want 40", p.Stock)
	}
}

// TestSettings verifies scalar persistence.
func TestSettings(t *testing.T) {
	store := newTestStore(t)

	if _, ok, err := store.GetSetting("last_sync"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := store.PutSetting("last_sync", "1700000000"); err != nil {
		t.Fatalf("PutSetting() failed: %v", err)
	}
	if err := store.PutSetting("last_sync", "1700000999"); err != nil {
		t.Fatalf("PutSetting() overwrite failed: %v", err)
	}

	value, ok, err := store.GetSetting("last_sync")
	if err != nil {
		t.Fatalf("GetSetting() failed: %v", err)
	}
	if !ok || value != "1700000999" {
		t.Errorf("GetSetting = %q ok=%v, want latest value", value, ok)
	}
}

// TestStockConflicts verifies conflict rows round-trip.
func TestStockConflicts(t *testing.T) {
	store := newTestStore(t)

	conflict := &models.StockConflict{
		ProductID:   "p1",
		SaleID:      "sale-1",
		LocalStock:  4,
		ServerStock: 7,
	}
	if err := store.LogStockConflict(conflict); err != nil {
		t.Fatalf("LogStockConflict() failed: %v", err)
	}
	if conflict.ID == "" {
		t.Error("conflict ID not generated")
	}

	conflicts, err := store.StockConflicts(10)
	if err != nil {
		t.Fatalf("StockConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	if conflicts[0].ServerStock != 7 || conflicts[0].LocalStock != 4 {
		t.Errorf("conflict = %+v, values not preserved", conflicts[0])
	}
}
