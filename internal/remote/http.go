package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rmestre/tillsync/internal/models"
)

// HTTPConfig holds remote endpoint configuration.
type HTTPConfig struct {
	Endpoint string // base URL of the backend REST surface
	APIKey   string
	Timeout  time.Duration // per-request bound; a hung call must not stall the fallback path
}

// DefaultHTTPConfig returns the default client configuration.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Timeout: 10 * time.Second,
	}
}

// HTTPStore implements Store over the backend's JSON REST surface.
type HTTPStore struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPStore creates a new HTTPStore.
func NewHTTPStore(config *HTTPConfig) *HTTPStore {
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPConfig().Timeout
	}
	return &HTTPStore{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// saleRow is the wire shape of a sale upsert.
type saleRow struct {
	ID        models.UUID     `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// upsertResponse is the backend's reply to a sale upsert.
type upsertResponse struct {
	Duplicate bool           `json:"duplicate"`
	Stock     map[string]int `json:"stock,omitempty"`
}

// UpsertSale inserts the sale row, keyed by the sale id. The backend
// treats a known id as a no-op, reported through Duplicate; HTTP 409 is
// normalized to the same outcome for backends that reject instead.
func (c *HTTPStore) UpsertSale(ctx context.Context, tenant string, sale *models.QueuedSale) (*UpsertResult, error) {
	body, err := json.Marshal(saleRow{
		ID:        sale.ID,
		Payload:   sale.Payload,
		Timestamp: sale.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sale: %w", err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, tenant, "sales", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upsert request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var parsed upsertResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			// An accepted row with an unreadable body is still accepted.
			return &UpsertResult{}, nil
		}
		result := &UpsertResult{Duplicate: parsed.Duplicate}
		if len(parsed.Stock) > 0 {
			result.ConfirmedStock = make(map[models.UUID]int, len(parsed.Stock))
			for id, stock := range parsed.Stock {
				result.ConfirmedStock[models.UUID(id)] = stock
			}
		}
		return result, nil
	case http.StatusConflict:
		return &UpsertResult{Duplicate: true}, nil
	default:
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upsert failed with status %d: %s", resp.StatusCode, string(data))
	}
}

// QueryProducts returns the tenant's sellable products.
func (c *HTTPStore) QueryProducts(ctx context.Context, tenant string) ([]*models.CachedProduct, error) {
	req, err := c.createRequest(ctx, http.MethodGet, tenant, "products", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("product query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("product query failed with status %d: %s", resp.StatusCode, string(data))
	}

	var products []*models.CachedProduct
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("failed to decode products: %w", err)
	}
	return products, nil
}

// createRequest builds a tenant-scoped request with auth headers.
func (c *HTTPStore) createRequest(ctx context.Context, method, tenant, resource string, body io.Reader) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/tenants/%s/%s", c.config.Endpoint, url.PathEscape(tenant), resource)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("X-Tenant-ID", tenant)
	return req, nil
}
