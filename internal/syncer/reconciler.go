// Package syncer pushes captured sales to the remote store and
// reconciles the local product snapshot against server-confirmed
// values. Delivery is at-least-once: the remote upsert is keyed by the
// sale id, so a replay after a crash or an ambiguous timeout lands as a
// no-op duplicate.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rmestre/tillsync/internal/apperrors"
	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/models"
	"github.com/rmestre/tillsync/internal/remote"
	"github.com/rmestre/tillsync/internal/uuid"
)

// Status is the global sync indicator surfaced to UIs.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPulling Status = "pulling"
	StatusPushing Status = "pushing"
	StatusSynced  Status = "synced"
)

// localQueue is the slice of the durable store the reconciler drives.
type localQueue interface {
	QueueSale(sale *models.QueuedSale) error
	RecoverStranded() (int, error)
	DuePendingSales(now time.Time) ([]*models.QueuedSale, error)
	ClaimSale(id models.UUID) (bool, error)
	ReleaseSale(id models.UUID, lastError string, nextRetryAt time.Time) error
	RemoveQueuedSale(id models.UUID) error
	Product(id models.UUID) (*models.CachedProduct, error)
	SetStock(id models.UUID, stock int) error
	LogStockConflict(c *models.StockConflict) error
}

// fallbackStore is the file-per-sale emergency store drained back into
// the main queue at the start of every pass.
type fallbackStore interface {
	List() ([]*models.QueuedSale, error)
	Remove(id models.UUID) error
}

// broadcaster fans sync lifecycle events out to connected displays.
type broadcaster interface {
	Broadcast(tenant, eventType string, data map[string]interface{})
}

// Config holds reconciler configuration.
type Config struct {
	Tenant string

	// SubmitTimeout bounds each individual remote upsert.
	SubmitTimeout time.Duration

	// BackoffBase and BackoffMax bound the retry delay:
	// base * 2^retry_count, capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig(tenant string) *Config {
	return &Config{
		Tenant:        tenant,
		SubmitTimeout: 10 * time.Second,
		BackoffBase:   5 * time.Second,
		BackoffMax:    5 * time.Minute,
	}
}

// DrainResult summarizes one queue pass.
type DrainResult struct {
	Synced int
	Failed int
}

// Reconciler drains the local sale queue into the remote store. A
// single instance serializes its own passes; across instances (or
// processes sharing the database) the ClaimSale compare-and-set keeps
// any sale from being submitted twice concurrently.
type Reconciler struct {
	config   *Config
	queue    localQueue
	fallback fallbackStore
	remote   remote.Store
	hub      broadcaster

	mu         sync.Mutex
	status     Status
	inProgress bool
	statusSubs []func(Status)
}

// NewReconciler creates a Reconciler. fallback and hub may be nil.
func NewReconciler(config *Config, queue localQueue, fallback fallbackStore,
	remoteStore remote.Store, hub broadcaster) *Reconciler {
	defaults := DefaultConfig(config.Tenant)
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = defaults.SubmitTimeout
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = defaults.BackoffMax
	}
	return &Reconciler{
		config:   config,
		queue:    queue,
		fallback: fallback,
		remote:   remoteStore,
		hub:      hub,
		status:   StatusIdle,
	}
}

// Status returns the current sync status.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// OnStatusChange registers a callback fired on every status transition.
func (r *Reconciler) OnStatusChange(fn func(Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusSubs = append(r.statusSubs, fn)
}

// Drain performs one full queue pass: recover any sales stranded in
// the fallback file store, then submit every due pending sale
// oldest-first. Each sale fails or succeeds on its own; a rejected sale
// is released back to pending with an exponential retry delay and never
// blocks the sales behind it.
//
// Only one pass runs per instance at a time; a second caller gets
// ErrSyncBusy immediately.
func (r *Reconciler) Drain(ctx context.Context) (*DrainResult, error) {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncBusy, "sync already in progress")
	}
	r.inProgress = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	r.setStatus(StatusPushing)
	r.broadcast(remote.EventSyncStarted, nil)

	r.drainFallback()

	// Claims orphaned by a crash mid-drain would otherwise sit in
	// syncing forever, invisible to DuePendingSales.
	if n, err := r.queue.RecoverStranded(); err != nil {
		logging.Warn("Failed to recover stranded sales",
			map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logging.Info("Recovered stranded sales",
			map[string]interface{}{"count": n})
	}

	sales, err := r.queue.DuePendingSales(time.Now())
	if err != nil {
		r.setStatus(StatusIdle)
		r.broadcast(remote.EventSyncFailed, map[string]interface{}{"error": err.Error()})
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to read pending sales", err)
	}

	result := &DrainResult{}
	for _, sale := range sales {
		if ctx.Err() != nil {
			break
		}
		switch r.submitOne(ctx, sale) {
		case submitSynced:
			result.Synced++
		case submitFailed:
			result.Failed++
		case submitSkipped:
			// claimed by a concurrent drain; its pass accounts for it
		}
	}

	if result.Failed > 0 {
		r.setStatus(StatusIdle)
		r.broadcast(remote.EventSyncFailed, map[string]interface{}{
			"synced": result.Synced,
			"failed": result.Failed,
		})
	} else {
		r.setStatus(StatusSynced)
		r.broadcast(remote.EventSyncCompleted, map[string]interface{}{
			"synced": result.Synced,
		})
	}

	logging.Info("Sync pass completed", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
	})
	return result, nil
}

// submitOutcome is the settled fate of one sale within a drain pass.
type submitOutcome int

const (
	submitSynced submitOutcome = iota
	submitFailed
	submitSkipped
)

// submitOne claims, submits and settles a single sale.
func (r *Reconciler) submitOne(ctx context.Context, sale *models.QueuedSale) submitOutcome {
	claimed, err := r.queue.ClaimSale(sale.ID)
	if err != nil {
		logging.ErrorWithCode("Failed to claim sale",
			string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"sale_id": sale.ID.String()})
		return submitFailed
	}
	if !claimed {
		// Another drain got there first; not this pass's sale.
		return submitSkipped
	}

	submitCtx, cancel := context.WithTimeout(ctx, r.config.SubmitTimeout)
	res, err := r.remote.UpsertSale(submitCtx, r.config.Tenant, sale)
	cancel()

	if err != nil {
		delay := r.backoffDelay(sale.RetryCount)
		if relErr := r.queue.ReleaseSale(sale.ID, err.Error(), time.Now().Add(delay)); relErr != nil {
			logging.ErrorWithCode("Failed to release sale",
				string(apperrors.ErrSyncFailed), relErr,
				map[string]interface{}{"sale_id": sale.ID.String()})
		}
		logging.Warn("Sale submit failed, will retry", map[string]interface{}{
			"sale_id": sale.ID.String(),
			"retry":   sale.RetryCount + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		return submitFailed
	}

	if err := r.queue.RemoveQueuedSale(sale.ID); err != nil {
		// The remote row exists; the next pass replays the id and the
		// duplicate no-op clears the entry.
		logging.Warn("Failed to remove synced sale, will replay",
			map[string]interface{}{"sale_id": sale.ID.String(), "error": err.Error()})
	}

	if res.Duplicate {
		logging.Debug("Sale already present remotely",
			map[string]interface{}{"sale_id": sale.ID.String()})
	}

	r.reconcileStock(sale, res)
	return submitSynced
}

// reconcileStock trusts the server-confirmed stock values: when local
// and server diverge the local snapshot is overwritten and a conflict
// row is logged for the back office.
func (r *Reconciler) reconcileStock(sale *models.QueuedSale, res *remote.UpsertResult) {
	for productID, serverStock := range res.ConfirmedStock {
		local, err := r.queue.Product(productID)
		if err != nil || local == nil {
			continue
		}
		if local.Stock == serverStock {
			continue
		}

		conflict := &models.StockConflict{
			ID:          models.UUID(uuid.New()),
			ProductID:   productID,
			SaleID:      sale.ID,
			LocalStock:  local.Stock,
			ServerStock: serverStock,
			DetectedAt:  time.Now().Unix(),
		}
		if err := r.queue.LogStockConflict(conflict); err != nil {
			logging.Warn("Failed to log stock conflict",
				map[string]interface{}{"product_id": productID.String(), "error": err.Error()})
		}
		if err := r.queue.SetStock(productID, serverStock); err != nil {
			logging.Warn("Failed to apply server stock",
				map[string]interface{}{"product_id": productID.String(), "error": err.Error()})
			continue
		}

		logging.Info("Stock reconciled to server value", map[string]interface{}{
			"product_id":   productID.String(),
			"local_stock":  local.Stock,
			"server_stock": serverStock,
		})
	}
}

// drainFallback moves sales from the emergency file store back into the
// main queue. QueueSale never overwrites, so a sale that made it into
// both stores collapses to the queued copy.
func (r *Reconciler) drainFallback() {
	if r.fallback == nil {
		return
	}

	sales, err := r.fallback.List()
	if err != nil {
		logging.Warn("Failed to list fallback store",
			map[string]interface{}{"error": err.Error()})
		return
	}

	for _, sale := range sales {
		if err := r.queue.QueueSale(sale); err != nil {
			logging.Warn("Failed to requeue fallback sale",
				map[string]interface{}{"sale_id": sale.ID.String(), "error": err.Error()})
			continue
		}
		if err := r.fallback.Remove(sale.ID); err != nil {
			logging.Warn("Failed to remove drained fallback sale",
				map[string]interface{}{"sale_id": sale.ID.String(), "error": err.Error()})
		}
	}
}

// backoffDelay computes the retry delay for a sale that has already
// failed retryCount times: base * 2^retryCount, capped.
func (r *Reconciler) backoffDelay(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	delay := r.config.BackoffBase * time.Duration(int64(1)<<uint(retryCount))
	if delay > r.config.BackoffMax || delay <= 0 {
		delay = r.config.BackoffMax
	}
	return delay
}

// setStatus transitions the status and fires subscribers outside the
// lock.
func (r *Reconciler) setStatus(s Status) {
	r.mu.Lock()
	if r.status == s {
		r.mu.Unlock()
		return
	}
	r.status = s
	subs := make([]func(Status), len(r.statusSubs))
	copy(subs, r.statusSubs)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// broadcast sends a sync lifecycle event to connected displays.
func (r *Reconciler) broadcast(eventType string, data map[string]interface{}) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(r.config.Tenant, eventType, data)
}
