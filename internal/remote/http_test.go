// Package remote tests for the HTTP backend client.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rmestre/tillsync/internal/models"
)

func testQueuedSale(id string) *models.QueuedSale {
	payload, _ := json.Marshal(models.SalePayload{Total: 20, PaymentMethod: "card"})
	return &models.QueuedSale{
		ID:        models.UUID(id),
		Payload:   payload,
		Timestamp: 1700000000,
		SyncState: models.SyncStatePending,
	}
}

// TestUpsertSale verifies the request shape and response parsing.
func TestUpsertSale(t *testing.T) {
	var gotPath, gotTenant, gotAuth string
	var gotRow saleRow

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTenant = r.Header.Get("X-Tenant-ID")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotRow)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(upsertResponse{
			Stock: map[string]int{"p1": 7},
		})
	}))
	defer server.Close()

	store := NewHTTPStore(&HTTPConfig{Endpoint: server.URL, APIKey: "secret"})

	result, err := store.UpsertSale(context.Background(), "shop-1", testQueuedSale("sale-1"))
	if err != nil {
		t.Fatalf("UpsertSale() failed: %v", err)
	}

	if gotPath != "/tenants/shop-1/sales" {
		t.Errorf("path = %q", gotPath)
	}
	if gotTenant != "shop-1" {
		t.Errorf("tenant header = %q", gotTenant)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotRow.ID != "sale-1" {
		t.Errorf("row id = %q", gotRow.ID)
	}
	if result.Duplicate {
		t.Error("fresh insert should not report duplicate")
	}
	if result.ConfirmedStock[models.UUID("p1")] != 7 {
		t.Errorf("ConfirmedStock = %v", result.ConfirmedStock)
	}
}

// TestUpsertSale_conflictIsDuplicate verifies 409 is a successful no-op.
func TestUpsertSale_conflictIsDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	store := NewHTTPStore(&HTTPConfig{Endpoint: server.URL})

	result, err := store.UpsertSale(context.Background(), "shop-1", testQueuedSale("sale-1"))
	if err != nil {
		t.Fatalf("409 must not be an error: %v", err)
	}
	if !result.Duplicate {
		t.Error("409 should report Duplicate")
	}
}

// TestUpsertSale_serverError verifies 5xx surfaces as an error.
func TestUpsertSale_serverError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewHTTPStore(&HTTPConfig{Endpoint: server.URL})

	if _, err := store.UpsertSale(context.Background(), "shop-1", testQueuedSale("sale-1")); err == nil {
		t.Error("expected error on 500")
	}
}

// TestUpsertSale_timeout verifies the per-request bound is honored.
func TestUpsertSale_timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	store := NewHTTPStore(&HTTPConfig{Endpoint: server.URL, Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := store.UpsertSale(context.Background(), "shop-1", testQueuedSale("sale-1"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("request took %v, timeout not enforced", elapsed)
	}
}

// TestQueryProducts verifies product decoding.
func TestQueryProducts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/shop-1/products" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]*models.CachedProduct{
			{ID: "p1", Name: "Margherita", Price: 8.5, Stock: 12},
			{ID: "p2", Name: "Diavola", Price: 10, Stock: 4},
		})
	}))
	defer server.Close()

	store := NewHTTPStore(&HTTPConfig{Endpoint: server.URL})

	products, err := store.QueryProducts(context.Background(), "shop-1")
	if err != nil {
		t.Fatalf("QueryProducts() failed: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("len(products) = %d, want 2", len(products))
	}
	if products[0].Name != "Margherita" || products[1].Stock != 4 {
		t.Errorf("products decoded incorrectly: %+v", products)
	}
}
