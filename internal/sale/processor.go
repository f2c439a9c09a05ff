// Package sale implements the robust-sale protocol: a sale request
// always reaches a definite outcome, and no connectivity or storage
// failure short of losing every durability layer may reject it.
package sale

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rmestre/tillsync/internal/apperrors"
	"github.com/rmestre/tillsync/internal/connectivity"
	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/models"
	"github.com/rmestre/tillsync/internal/remote"
	"github.com/rmestre/tillsync/internal/uuid"
)

// Request is a validated sale submission from the till UI.
type Request struct {
	Lines         []models.SaleLine
	Total         float64
	PaymentMethod string
	CustomerID    models.UUID
	Cashier       string
	SaleType      string
}

// Result is the definite outcome of a sale submission.
type Result struct {
	Success bool
	SaleID  models.UUID

	// Queued is true when the sale was captured locally instead of
	// being accepted by the remote store.
	Queued bool

	// Code is set when Success is false.
	Code apperrors.ErrorCode
	Err  error
}

// localQueue is the slice of the durable store the processor needs.
type localQueue interface {
	QueueSale(sale *models.QueuedSale) error
	AdjustStock(id models.UUID, delta int) error
}

// fallbackStore is the secondary durability layer.
type fallbackStore interface {
	Put(sale *models.QueuedSale) error
}

// Config holds processor configuration.
type Config struct {
	Tenant string

	// RemoteTimeout bounds the direct remote attempt so a hung call
	// cannot delay the local-queue fallback.
	RemoteTimeout time.Duration
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig(tenant string) *Config {
	return &Config{
		Tenant:        tenant,
		RemoteTimeout: 5 * time.Second,
	}
}

// Processor accepts sale requests and guarantees capture.
type Processor struct {
	config   *Config
	queue    localQueue
	fallback fallbackStore
	remote   remote.Store
	conn     connectivity.Provider
	hub      *remote.Hub // optional display broadcast
}

// NewProcessor creates a Processor. hub may be nil.
func NewProcessor(config *Config, queue localQueue, fallback fallbackStore,
	remoteStore remote.Store, conn connectivity.Provider, hub *remote.Hub) *Processor {
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = DefaultConfig(config.Tenant).RemoteTimeout
	}
	return &Processor{
		config:   config,
		queue:    queue,
		fallback: fallback,
		remote:   remoteStore,
		conn:     conn,
		hub:      hub,
	}
}

// Process runs the robust-sale protocol:
//  1. Generate the sale id before any I/O.
//  2. Attempt a bounded direct remote write when online.
//  3. On any remote failure, queue the sale locally as pending.
//  4. If the primary queue write fails too, write the fallback store.
//  5. Apply the optimistic stock decrement in every captured path.
//
// Only the loss of all three layers yields Success == false. No error
// or panic from a collaborator escapes to the caller.
func (p *Processor) Process(ctx context.Context, req *Request) Result {
	if err := req.Validate(); err != nil {
		return Result{Success: false, Code: apperrors.ErrSaleInvalid, Err: err}
	}

	// The id exists before any I/O: it ties together the queue entry,
	// the eventual remote row and receipt lookup even if every step
	// below fails.
	saleID := models.UUID(uuid.New())
	queued := p.buildQueuedSale(saleID, req)

	if p.conn.Current().Online {
		if err := p.tryRemote(ctx, queued); err == nil {
			p.applyStockDecrement(req, saleID)
			p.broadcastCaptured(saleID, req, false)
			logging.Info("Sale accepted remotely",
				map[string]interface{}{"sale_id": saleID.String()})
			return Result{Success: true, SaleID: saleID}
		} else {
			logging.Warn("Direct remote write failed, queuing locally",
				map[string]interface{}{"sale_id": saleID.String(), "error": err.Error()})
		}
	}

	if err := p.tryQueue(queued); err != nil {
		logging.ErrorWithCode("Primary queue write failed, using fallback store",
			string(apperrors.ErrStorage), err,
			map[string]interface{}{"sale_id": saleID.String()})

		if err := p.tryFallback(queued); err != nil {
			// Every durability layer failed. This is the one fatal
			// condition in the pipeline and must be surfaced loudly.
			logging.ErrorWithCode("Sale could not be captured anywhere",
				string(apperrors.ErrSaleNotCaptured), err,
				map[string]interface{}{"sale_id": saleID.String()})
			return Result{
				Success: false,
				SaleID:  saleID,
				Code:    apperrors.ErrSaleNotCaptured,
				Err:     apperrors.Wrap(apperrors.ErrSaleNotCaptured, "all durability layers failed", err),
			}
		}
	}

	p.applyStockDecrement(req, saleID)
	p.broadcastCaptured(saleID, req, true)
	logging.Info("Sale queued for sync",
		map[string]interface{}{"sale_id": saleID.String()})
	return Result{Success: true, SaleID: saleID, Queued: true}
}

// tryRemote performs the bounded direct write. A panic inside the
// remote client is translated into an error like any other failure.
func (p *Processor) tryRemote(ctx context.Context, sale *models.QueuedSale) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote client panic: %v", r)
		}
	}()

	remoteCtx, cancel := context.WithTimeout(ctx, p.config.RemoteTimeout)
	defer cancel()

	_, err = p.remote.UpsertSale(remoteCtx, p.config.Tenant, sale)
	return err
}

// tryQueue writes the primary local queue, catching panics.
func (p *Processor) tryQueue(sale *models.QueuedSale) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue panic: %v", r)
		}
	}()
	return p.queue.QueueSale(sale)
}

// tryFallback writes the secondary store, catching panics.
func (p *Processor) tryFallback(sale *models.QueuedSale) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback panic: %v", r)
		}
	}()
	return p.fallback.Put(sale)
}

// applyStockDecrement optimistically consumes local stock for each
// line so a later offline sale sees the decremented count. A failed
// decrement never fails the sale; the reconciler repairs stock from
// server-confirmed values later.
func (p *Processor) applyStockDecrement(req *Request, saleID models.UUID) {
	for _, line := range req.Lines {
		if err := p.queue.AdjustStock(line.ProductID, -line.Quantity); err != nil {
			logging.Warn("Optimistic stock decrement failed",
				map[string]interface{}{
					"sale_id":    saleID.String(),
					"product_id": line.ProductID.String(),
					"error":      err.Error(),
				})
		}
	}
}

// broadcastCaptured pushes a cart-cleared event to secondary displays.
func (p *Processor) broadcastCaptured(saleID models.UUID, req *Request, queued bool) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(p.config.Tenant, remote.EventCartCleared, map[string]interface{}{
		"sale_id": saleID.String(),
		"total":   req.Total,
		"queued":  queued,
	})
}

// buildQueuedSale freezes the request into a pending queue entry.
func (p *Processor) buildQueuedSale(id models.UUID, req *Request) *models.QueuedSale {
	payload, _ := json.Marshal(models.SalePayload{
		Lines:         req.Lines,
		Total:         req.Total,
		PaymentMethod: req.PaymentMethod,
		CustomerID:    req.CustomerID,
		Cashier:       req.Cashier,
		SaleType:      req.SaleType,
	})
	return &models.QueuedSale{
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
		SyncState: models.SyncStatePending,
	}
}

const totalEpsilon = 0.005

// Validate rejects malformed requests before they reach storage.
func (r *Request) Validate() error {
	if len(r.Lines) == 0 {
		return apperrors.New(apperrors.ErrSaleInvalid, "sale has no line items")
	}
	if r.PaymentMethod == "" {
		return apperrors.New(apperrors.ErrSaleInvalid, "payment method is required")
	}

	sum := 0.0
	for i, line := range r.Lines {
		if line.ProductID == "" {
			return apperrors.New(apperrors.ErrSaleInvalid,
				fmt.Sprintf("line %d has no product reference", i))
		}
		if line.Quantity <= 0 {
			return apperrors.New(apperrors.ErrSaleInvalid,
				fmt.Sprintf("line %d has non-positive quantity", i))
		}
		if line.UnitPrice < 0 {
			return apperrors.New(apperrors.ErrSaleInvalid,
				fmt.Sprintf("line %d has negative unit price", i))
		}
		expected := float64(line.Quantity) * line.UnitPrice
		if math.Abs(line.Subtotal-expected) > totalEpsilon {
			return apperrors.New(apperrors.ErrSaleInvalid,
				fmt.Sprintf("line %d subtotal does not match quantity * unit price", i))
		}
		sum += line.Subtotal
	}

	if math.Abs(r.Total-sum) > totalEpsilon {
		return apperrors.New(apperrors.ErrSaleInvalid, "total does not match line subtotals")
	}
	return nil
}
