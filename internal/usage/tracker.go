// Package usage aggregates per-publication call attribution. The data path
// reports calls fire-and-forget; a flush worker persists aggregates so
// attribution survives restarts.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/model"
)

// counter holds the in-memory delta since the last flush. Fields are atomics
// so RecordCall never takes the map lock on the hot path more than once.
type counter struct {
	tenantID  string
	modelName string

	requests atomic.Uint64
	tokens   atomic.Uint64
	errors   atomic.Uint64
	lastUsed atomic.Int64 // unix nanos, 0 = never
}

type Tracker struct {
	repo   store.Repository
	logger *zap.Logger

	interval time.Duration

	mu       sync.RWMutex
	counters map[string]*counter
}

func NewTracker(repo store.Repository, logger *zap.Logger, flushInterval time.Duration) *Tracker {
	if flushInterval <= 0 {
		flushInterval = 15 * time.Second
	}
	return &Tracker{
		repo:     repo,
		logger:   logger,
		interval: flushInterval,
		counters: make(map[string]*counter),
	}
}

// RecordCall attributes one inference call. It never blocks on storage and
// never returns an error; attribution is best-effort until the next flush.
func (t *Tracker) RecordCall(tenantID, modelName string, tokens uint64, success bool) {
	c := t.counterFor(tenantID, modelName)
	c.requests.Add(1)
	c.tokens.Add(tokens)
	if !success {
		c.errors.Add(1)
	}
	c.lastUsed.Store(time.Now().UTC().UnixNano())
}

// Snapshot returns the unflushed in-memory delta for a publication.
func (t *Tracker) Snapshot(tenantID, modelName string) domain.Usage {
	t.mu.RLock()
	c, ok := t.counters[key(tenantID, modelName)]
	t.mu.RUnlock()
	if !ok {
		return domain.Usage{}
	}
	return deltaUsage(c)
}

// Get merges the persisted aggregate with the unflushed delta, so callers see
// up-to-date totals regardless of the flush cycle.
func (t *Tracker) Get(ctx context.Context, tenantID, modelName string) (domain.Usage, error) {
	stored := domain.Usage{}
	rec, err := t.repo.Usage().Get(ctx, tenantID, modelName)
	if err == nil {
		stored = rec.ToDomain()
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Usage{}, domain.StoreError("failed to load usage aggregate", err)
	}

	delta := t.Snapshot(tenantID, modelName)
	out := domain.Usage{
		TotalRequests: stored.TotalRequests + delta.TotalRequests,
		TotalTokens:   stored.TotalTokens + delta.TotalTokens,
		Errors:        stored.Errors + delta.Errors,
		LastUsed:      stored.LastUsed,
	}
	if delta.LastUsed != nil && (out.LastUsed == nil || delta.LastUsed.After(*out.LastUsed)) {
		out.LastUsed = delta.LastUsed
	}
	return out, nil
}

// Run flushes on a ticker until the context ends, then performs one final
// flush so a clean shutdown loses nothing.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush persists every dirty counter. A failed persist puts the delta back so
// it is retried on the next cycle rather than lost.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.RLock()
	dirty := make([]*counter, 0, len(t.counters))
	for _, c := range t.counters {
		if c.requests.Load() > 0 {
			dirty = append(dirty, c)
		}
	}
	t.mu.RUnlock()

	for _, c := range dirty {
		if err := t.flushOne(ctx, c); err != nil {
			t.logger.Warn("usage flush failed",
				zap.String("tenant", c.tenantID),
				zap.String("model", c.modelName),
				zap.Error(err),
			)
		}
	}
}

func (t *Tracker) flushOne(ctx context.Context, c *counter) error {
	requests := c.requests.Swap(0)
	tokens := c.tokens.Swap(0)
	errCount := c.errors.Swap(0)
	lastUsed := c.lastUsed.Load()
	if requests == 0 {
		return nil
	}

	restore := func() {
		c.requests.Add(requests)
		c.tokens.Add(tokens)
		c.errors.Add(errCount)
	}

	rec := &model.UsageRecord{TenantID: c.tenantID, ModelName: c.modelName}
	stored, err := t.repo.Usage().Get(ctx, c.tenantID, c.modelName)
	if err == nil {
		rec = stored
	} else if !errors.Is(err, store.ErrNotFound) {
		restore()
		return err
	}

	rec.TotalRequests += requests
	rec.TotalTokens += tokens
	rec.Errors += errCount
	if lastUsed > 0 {
		at := time.Unix(0, lastUsed).UTC()
		if !rec.LastUsed.Valid || at.After(rec.LastUsed.Time) {
			rec.LastUsed = sql.NullTime{Time: at, Valid: true}
		}
	}

	if err := t.repo.Usage().Upsert(ctx, rec); err != nil {
		restore()
		return err
	}
	return nil
}

func (t *Tracker) counterFor(tenantID, modelName string) *counter {
	k := key(tenantID, modelName)

	t.mu.RLock()
	c, ok := t.counters[k]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[k]; ok {
		return c
	}
	c = &counter{tenantID: tenantID, modelName: modelName}
	t.counters[k] = c
	return c
}

func deltaUsage(c *counter) domain.Usage {
	out := domain.Usage{
		TotalRequests: c.requests.Load(),
		TotalTokens:   c.tokens.Load(),
		Errors:        c.errors.Load(),
	}
	if nanos := c.lastUsed.Load(); nanos > 0 {
		at := time.Unix(0, nanos).UTC()
		out.LastUsed = &at
	}
	return out
}

func key(tenantID, modelName string) string {
	return tenantID + "/" + modelName
}
