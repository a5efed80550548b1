package store

import (
	"context"
	"errors"

	"github.com/nulzo/model-publisher/internal/store/model"
)

// ErrNotFound is returned by repositories when no row matches. Callers map it
// to the API error taxonomy; the store stays ignorant of HTTP.
var ErrNotFound = errors.New("record not found")

// Repository is the main contract for the data layer.
type Repository interface {
	PublishedModels() PublishedModelRepository
	APIKeys() APIKeyRepository
	Usage() UsageRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

// PublishedModelRepository owns the durable publication records. One live
// record per (tenant, model).
type PublishedModelRepository interface {
	// Create inserts a new publication record.
	Create(ctx context.Context, pm *model.PublishedModel) error
	// Get returns the record for (tenant, model).
	Get(ctx context.Context, tenantID, modelName string) (*model.PublishedModel, error)
	// Update rewrites the record's configuration and status.
	Update(ctx context.Context, pm *model.PublishedModel) error
	// UpdateStatus transitions only the status and warning fields.
	UpdateStatus(ctx context.Context, tenantID, modelName, status, warning string) error
	// Delete removes the record entirely.
	Delete(ctx context.Context, tenantID, modelName string) error
	// ListByTenant returns all records for one tenant.
	ListByTenant(ctx context.Context, tenantID string) ([]model.PublishedModel, error)
	// ListAll returns every record (admin surface).
	ListAll(ctx context.Context) ([]model.PublishedModel, error)
}

// APIKeyRepository stores hashed credentials. Plaintext never reaches this
// layer.
type APIKeyRepository interface {
	// Create inserts a new key row.
	Create(ctx context.Context, key *model.APIKey) error
	// GetActive returns the single active key for a publication.
	GetActive(ctx context.Context, tenantID, modelName string) (*model.APIKey, error)
	// Revoke deactivates a key by ID.
	Revoke(ctx context.Context, id string) error
}

// UsageRepository persists usage aggregates so attribution survives restarts.
type UsageRepository interface {
	// Upsert writes the aggregate for a publication.
	Upsert(ctx context.Context, rec *model.UsageRecord) error
	// Get returns the stored aggregate.
	Get(ctx context.Context, tenantID, modelName string) (*model.UsageRecord, error)
}
